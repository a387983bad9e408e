package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "ABCD_EF01/1/DICOM/0001.dcm", ObjectName("ABCD_EF01", "1/DICOM/0001.dcm"))
	assert.Equal(t, "ABCD_EF01/manifest.yaml", ObjectName("ABCD_EF01", manifestObject))
}

func TestLocalPath(t *testing.T) {
	dir := t.TempDir()

	p, err := LocalPath(dir, "1/LISTMODE/0001.ptd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "1", "LISTMODE", "0001.ptd"), p)

	for _, bad := range []string{"", "../escape", "1/../../escape", "/"} {
		_, err := LocalPath(dir, bad)
		assert.Error(t, err, bad)
	}
}
