package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xnat-ingest-go/internal/deid"
	"xnat-ingest-go/internal/dicomtest"
	"xnat-ingest-go/internal/model"
)

func newTestStager(t *testing.T) (*Stager, string) {
	t.Helper()
	h, err := deid.NewHasher("stager-test-key")
	require.NoError(t, err)
	dir := t.TempDir()
	return NewStager(dir, deid.New(deid.DefaultPolicy(), h)), dir
}

func rawFile(t *testing.T, p string, typ model.FileType) model.RawFile {
	t.Helper()
	info, err := os.Stat(p)
	require.NoError(t, err)
	return model.RawFile{Path: p, Type: typ, Size: info.Size(), ModTime: info.ModTime()}
}

// sessionFixture 写出 subject A 的一个会话：两张 PET 切片加一个 list-mode 文件。
func sessionFixture(t *testing.T, root string) *model.IngestSession {
	t.Helper()
	d1 := dicomtest.WriteFile(t, filepath.Join(root, "dicom", "1.dcm"), pet("A", "1.2.3", "1.2.3.1", "1", "20240501100000", "1.2.3.1.1"))
	d2 := dicomtest.WriteFile(t, filepath.Join(root, "dicom", "2.dcm"), pet("A", "1.2.3", "1.2.3.1", "1", "20240501100100", "1.2.3.1.2"))
	lm := dicomtest.WriteListMode(t, filepath.Join(root, "lm", "A.2024.05.01.10.00.30.ptd"), "counts")
	return &model.IngestSession{
		Key: model.SessionKey{SubjectID: "A", StudyUID: "1.2.3"},
		Scans: []*model.ScanGroup{{
			SeriesUID:   "1.2.3.1",
			Label:       "1",
			Description: "PET AC",
			Number:      1,
			Modality:    "PT",
			Files:       []model.RawFile{rawFile(t, d1, model.FileDicom), rawFile(t, d2, model.FileDicom)},
			ListMode:    []model.RawFile{rawFile(t, lm, model.FileListMode)},
		}},
	}
}

func TestStage_Layout(t *testing.T) {
	src := t.TempDir()
	sess := sessionFixture(t, src)
	s, dir := newTestStager(t)

	res, err := s.Stage(context.Background(), "run-1", sess)
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)
	assert.Empty(t, res.Quarantined)
	assert.Len(t, res.Audit, 2)

	b := res.Bundle
	assert.Equal(t, s.BundleName(sess.Key), b.Name)
	assert.Equal(t, filepath.Join(dir, b.Name), b.Dir)
	assert.NotContains(t, b.Name, sess.Key.StudyUID)
	assert.Len(t, b.SubjectLabel, 16)
	assert.NotEmpty(t, b.StudyUID)
	assert.NotEmpty(t, b.Digest)
	require.Len(t, b.Scans, 1)
	assert.Equal(t, "1", b.Scans[0].Label)
	assert.Equal(t, 3, b.ArtifactCount())

	paths := []string{}
	for _, a := range b.Scans[0].Artifacts {
		paths = append(paths, a.Path)
		assert.FileExists(t, b.Abs(a))
		assert.NotEmpty(t, a.MD5)
	}
	assert.Equal(t, []string{"1/DICOM/0001.dcm", "1/DICOM/0002.dcm", "1/LISTMODE/0001.ptd"}, paths)

	// 产物中不再有原始姓名
	data, err := os.ReadFile(b.Abs(b.Scans[0].Artifacts[0]))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("DOE^JANE")))

	// list-mode 原样复制
	lm, err := os.ReadFile(b.Abs(b.Scans[0].Artifacts[2]))
	require.NoError(t, err)
	orig, err := os.ReadFile(sess.Scans[0].ListMode[0].Path)
	require.NoError(t, err)
	assert.Equal(t, orig, lm)

	assert.FileExists(t, filepath.Join(b.Dir, manifestName))
	assert.NoDirExists(t, filepath.Join(dir, prestageDir, b.Name))

	for _, doc := range res.Audit {
		assert.Equal(t, "run-1", doc.RunID)
		assert.Equal(t, b.Name, doc.Bundle)
		assert.NotEmpty(t, doc.Changes)
	}
}

func TestStage_DigestStable(t *testing.T) {
	src := t.TempDir()
	sess := sessionFixture(t, src)
	s, _ := newTestStager(t)

	first, err := s.Stage(context.Background(), "run-1", sess)
	require.NoError(t, err)
	second, err := s.Stage(context.Background(), "run-2", sess)
	require.NoError(t, err)
	assert.Equal(t, first.Bundle.Digest, second.Bundle.Digest)

	// list-mode 内容变化时摘要随之变化
	dicomtest.WriteListMode(t, sess.Scans[0].ListMode[0].Path, "more counts")
	third, err := s.Stage(context.Background(), "run-3", sess)
	require.NoError(t, err)
	assert.NotEqual(t, first.Bundle.Digest, third.Bundle.Digest)
}

func TestLoadBundle(t *testing.T) {
	sess := sessionFixture(t, t.TempDir())
	s, _ := newTestStager(t)
	res, err := s.Stage(context.Background(), "run-1", sess)
	require.NoError(t, err)

	loaded, err := LoadBundle(res.Bundle.Dir)
	require.NoError(t, err)
	// 会话键不写入清单
	want := *res.Bundle
	want.Key = model.SessionKey{}
	assert.Equal(t, &want, loaded)

	_, err = LoadBundle(t.TempDir())
	assert.Error(t, err)
}

func TestStage_ManifestHasNoIdentifiers(t *testing.T) {
	sess := sessionFixture(t, t.TempDir())
	sess.Key.SubjectID = "MRN-SECRET-987"
	s, _ := newTestStager(t)

	res, err := s.Stage(context.Background(), "run-1", sess)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(res.Bundle.Dir, manifestName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "MRN-SECRET-987")
	assert.NotContains(t, string(data), "subject_id")
	assert.Contains(t, string(data), "subject_label: "+res.Bundle.SubjectLabel)
}

func TestListBundles(t *testing.T) {
	sess := sessionFixture(t, t.TempDir())
	s, dir := newTestStager(t)
	res, err := s.Stage(context.Background(), "run-1", sess)
	require.NoError(t, err)
	// 没有清单的目录与 .prestage 被忽略
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "partial"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, prestageDir, "x"), 0o755))

	dirs, err := ListBundles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Bundle.Dir}, dirs)

	_, err = ListBundles(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

func TestStage_QuarantinesFailures(t *testing.T) {
	src := t.TempDir()
	sess := sessionFixture(t, src)

	// 第二个扫描只有损坏的 DICOM，其 list-mode 随之隔离
	bad := writeCorrupt(t, filepath.Join(src, "dicom", "bad.dcm"))
	orphan := dicomtest.WriteListMode(t, filepath.Join(src, "lm", "A.2024.05.01.11.00.00.ptd"), "x")
	sess.Scans = append(sess.Scans, &model.ScanGroup{
		SeriesUID: "1.2.3.2",
		Label:     "2",
		Number:    2,
		Files:     []model.RawFile{{Path: bad, Type: model.FileDicom}},
		ListMode:  []model.RawFile{{Path: orphan, Type: model.FileListMode}},
	})
	// 第一个扫描中的 list-mode 在暂存前消失
	missing := filepath.Join(src, "lm", "gone.ptd")
	sess.Scans[0].ListMode = append(sess.Scans[0].ListMode, model.RawFile{Path: missing, Type: model.FileListMode})

	s, _ := newTestStager(t)
	res, err := s.Stage(context.Background(), "run-1", sess)
	require.NoError(t, err)
	require.Len(t, res.Bundle.Scans, 1)
	assert.Equal(t, 3, res.Bundle.ArtifactCount())

	reasons := map[string]model.QuarantineReason{}
	for _, q := range res.Quarantined {
		reasons[q.Path] = q.Reason
		assert.Equal(t, sess.Key.String(), q.Session)
	}
	assert.Equal(t, map[string]model.QuarantineReason{
		bad:     model.ReasonDeidentifyFailed,
		orphan:  model.ReasonIncompleteScan,
		missing: model.ReasonUnreadable,
	}, reasons)
}

func TestStage_EmptySession(t *testing.T) {
	src := t.TempDir()
	bad := writeCorrupt(t, filepath.Join(src, "bad.dcm"))
	sess := &model.IngestSession{
		Key:   model.SessionKey{SubjectID: "A", StudyUID: "1.2.3"},
		Scans: []*model.ScanGroup{{SeriesUID: "1.2.3.1", Label: "1", Files: []model.RawFile{{Path: bad, Type: model.FileDicom}}}},
	}
	s, dir := newTestStager(t)

	res, err := s.Stage(context.Background(), "run-1", sess)
	var stErr *StagingError
	require.True(t, errors.As(err, &stErr))
	assert.ErrorIs(t, err, ErrEmptySession)
	require.NotNil(t, res)
	assert.Nil(t, res.Bundle)
	assert.Len(t, res.Quarantined, 1)
	assert.NoDirExists(t, filepath.Join(dir, s.BundleName(sess.Key)))
	assert.NoDirExists(t, filepath.Join(dir, prestageDir, s.BundleName(sess.Key)))
}

func TestStage_Cancelled(t *testing.T) {
	sess := sessionFixture(t, t.TempDir())
	s, dir := newTestStager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Stage(ctx, "run-1", sess)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoDirExists(t, filepath.Join(dir, s.BundleName(sess.Key)))
}

func TestQuarantine_Put(t *testing.T) {
	src := t.TempDir()
	p := filepath.Join(src, "x.ptd")
	require.NoError(t, os.WriteFile(p, []byte("lm"), 0o644))
	f := model.QuarantinedFile{Path: p, Reason: model.ReasonUnmatchedListMode, Detail: "no window"}

	t.Run("record only", func(t *testing.T) {
		q := NewQuarantine(t.TempDir(), false)
		sc, err := q.Put("run-1", f)
		require.NoError(t, err)
		assert.Equal(t, string(model.ReasonUnmatchedListMode), filepath.Base(filepath.Dir(sc)))
		data, err := os.ReadFile(sc)
		require.NoError(t, err)
		assert.Contains(t, string(data), "reason: unmatched-list-mode")
		assert.Contains(t, string(data), "run_id: run-1")
		assert.Contains(t, string(data), "moved: false")
		assert.FileExists(t, p)
	})

	t.Run("move", func(t *testing.T) {
		q := NewQuarantine(t.TempDir(), true)
		sc, err := q.Put("run-2", f)
		require.NoError(t, err)
		data, err := os.ReadFile(sc)
		require.NoError(t, err)
		assert.Contains(t, string(data), "moved: true")
		assert.NoFileExists(t, p)
		moved := sc[:len(sc)-len(sidecarSuffix)]
		content, err := os.ReadFile(moved)
		require.NoError(t, err)
		assert.Equal(t, "lm", string(content))
	})

	t.Run("move missing source still records", func(t *testing.T) {
		q := NewQuarantine(t.TempDir(), true)
		sc, err := q.Put("run-3", model.QuarantinedFile{Path: filepath.Join(src, "nope"), Reason: model.ReasonUnreadable})
		require.NoError(t, err)
		data, err := os.ReadFile(sc)
		require.NoError(t, err)
		assert.Contains(t, string(data), "moved: false")
	})
}
