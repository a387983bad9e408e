package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xnat-ingest-go/internal/model"
)

func TestOpen_SQLite(t *testing.T) {
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&model.UploadRecord{}))
	assert.True(t, db.Migrator().HasIndex(&model.UploadRecord{}, "idx_subject_study"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x")
	assert.Error(t, err)
}
