package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xnat-ingest-go/pkg/xnat"
)

func TestCheck_MissingSession(t *testing.T) {
	fx := newFixture(t, UploadOptions{})
	res, err := NewCheckService(fx.remote).Check(context.Background(), newBundle(t, "d1"))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, []Mismatch{{Problem: ProblemMissingSession}}, res.Mismatches)
	assert.Equal(t, "AAAA_BBBB", res.Bundle)
	assert.Equal(t, 0, fx.remote.count("scans"))
}

func TestCheck_UploadedBundleMatches(t *testing.T) {
	fx := newFixture(t, UploadOptions{})
	ctx := context.Background()
	b := newBundle(t, "d1")
	_, err := fx.svc.Advance(ctx, b)
	require.NoError(t, err)
	fx.remote.reset()

	res, err := NewCheckService(fx.remote).Check(ctx, b)
	require.NoError(t, err)
	assert.True(t, res.OK(), "%v", res.Mismatches)
	assert.Equal(t, 4, res.Files)
	assert.NotEmpty(t, res.SessionID)
	// 核对不写入远端
	assert.Zero(t, fx.remote.count("upload"))
	assert.Zero(t, fx.remote.count("create"))

	// 远端未开启校验和时按大小比较
	fx.remote.noDigest = true
	res, err = NewCheckService(fx.remote).Check(ctx, b)
	require.NoError(t, err)
	assert.True(t, res.OK(), "%v", res.Mismatches)
}

func TestCheck_ReportsEveryDifference(t *testing.T) {
	fx := newFixture(t, UploadOptions{})
	ctx := context.Background()
	b := newBundle(t, "d1")
	_, err := fx.svc.Advance(ctx, b)
	require.NoError(t, err)

	rec, err := fx.records.Get(ctx, b.Key)
	require.NoError(t, err)
	id := rec.RemoteSessionID
	fx.remote.mu.Lock()
	fx.remote.files[id+"/1/DICOM/0001.dcm"] = "ffffffffffffffffffffffffffffffff"
	delete(fx.remote.files, id+"/1/DICOM/0002.dcm")
	fx.remote.files[id+"/1/DICOM/0003.dcm"] = "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	delete(fx.remote.files, id+"/1/LISTMODE/0001.ptd")
	delete(fx.remote.scans, id+"/2")
	fx.remote.mu.Unlock()

	res, err := NewCheckService(fx.remote).Check(ctx, b)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, []Mismatch{
		{Problem: ProblemChecksum, Scan: "1", Resource: "DICOM", File: "0001.dcm"},
		{Problem: ProblemMissingFile, Scan: "1", Resource: "DICOM", File: "0002.dcm"},
		{Problem: ProblemExtraFile, Scan: "1", Resource: "DICOM", File: "0003.dcm"},
		{Problem: ProblemMissingResource, Scan: "1", Resource: "LISTMODE"},
		{Problem: ProblemMissingScan, Scan: "2"},
	}, res.Mismatches)
	assert.Equal(t, "missing-file 1/DICOM/0002.dcm", res.Mismatches[1].String())
	assert.Equal(t, "missing-scan 2", res.Mismatches[4].String())
}

type failingRemote struct {
	*fakeRemote
}

func (failingRemote) FindSession(context.Context, string, string) (string, bool, error) {
	return "", false, &xnat.TransferError{Op: "find session", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
}

func TestCheck_RemoteError(t *testing.T) {
	_, err := NewCheckService(failingRemote{newFakeRemote()}).Check(context.Background(), newBundle(t, "d1"))
	assert.True(t, xnat.IsTransient(err))
}
