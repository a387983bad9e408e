package pipeline

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/dicomheader"
)

var exportTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// memReader 是内存中的头信息来源。
type memReader map[string]*dicomheader.Record

func (m memReader) Read(path string) (*dicomheader.Record, error) {
	if r, ok := m[path]; ok {
		return r, nil
	}
	return nil, &dicomheader.ParseError{Path: path, Err: errors.New("not a DICOM file")}
}

func (m memReader) add(path, subject, study, series, number, acq string) model.RawFile {
	r := dicomheader.NewRecord(path)
	for t, v := range map[tag.Tag]string{
		tag.PatientID:           subject,
		tag.StudyInstanceUID:    study,
		tag.SeriesInstanceUID:   series,
		tag.SeriesNumber:        number,
		tag.AcquisitionDateTime: acq,
	} {
		if v != "" {
			r.Set(t, v)
		}
	}
	r.Set(tag.PatientName, "DOE^JANE")
	r.Set(tag.Modality, "PT")
	m[path] = r
	return model.RawFile{Path: path, Type: model.FileDicom, ModTime: exportTime}
}

func listModeFile(path string) model.RawFile {
	return model.RawFile{Path: path, Type: model.FileListMode, ModTime: exportTime}
}

func newGrouper(t *testing.T, reader dicomheader.Reader) *Grouper {
	t.Helper()
	g, err := NewGrouper(groupingConfig(), reader)
	require.NoError(t, err)
	return g
}

func reasons(q []model.QuarantinedFile) map[string]model.QuarantineReason {
	out := map[string]model.QuarantineReason{}
	for _, f := range q {
		out[f.Path] = f.Reason
	}
	return out
}

func TestGroup_ThreeDicomOneListMode(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "A", "S1", "SE1", "1", "20240501100000"),
		m.add("/exp/A/2.dcm", "A", "S1", "SE1", "1", "20240501100100"),
		m.add("/exp/A/3.dcm", "A", "S1", "SE1", "1", "20240501100200"),
		listModeFile("/exp/A/PET_RAW.2024.05.01.10.05.00.ptd"),
	}

	sessions, q := newGrouper(t, m).Group(files)
	assert.Empty(t, q)
	require.Len(t, sessions, 1)
	sess := sessions[0]
	assert.Equal(t, model.SessionKey{SubjectID: "A", StudyUID: "S1"}, sess.Key)
	require.Len(t, sess.Scans, 1)
	scan := sess.Scans[0]
	assert.Equal(t, "SE1", scan.SeriesUID)
	assert.Equal(t, "1", scan.Label)
	assert.Len(t, scan.Files, 3)
	require.Len(t, scan.ListMode, 1)
	assert.Equal(t, 4, sess.FileCount())
	assert.Equal(t, time.Date(2024, 5, 1, 9, 50, 0, 0, time.UTC), scan.WindowStart)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 12, 0, 0, time.UTC), scan.WindowEnd)
}

func TestGroup_Deterministic(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "A", "S1", "SE1", "1", "20240501100000"),
		m.add("/exp/A/2.dcm", "A", "S1", "SE2", "2", "20240501103000"),
		m.add("/exp/B/1.dcm", "B", "S2", "SE3", "1", "20240501110000"),
		m.add("/exp/B/2.dcm", "B", "S2", "SE3", "1", "20240501110100"),
		listModeFile("/exp/A/PET.2024.05.01.10.31.00.ptd"),
		listModeFile("/exp/B/PET.2024.05.01.11.00.30.ptd"),
		listModeFile("/exp/B/PET.2024.05.01.15.00.00.ptd"),
	}
	g := newGrouper(t, m)
	first, q1 := g.Group(files)

	shuffled := append([]model.RawFile(nil), files...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	second, q2 := g.Group(shuffled)

	assert.Equal(t, first, second)
	assert.Equal(t, q1, q2)
	require.Len(t, first, 2)
	assert.Equal(t, "A", first[0].Key.SubjectID)
	assert.Equal(t, []string{"1", "2"}, []string{first[0].Scans[0].Label, first[0].Scans[1].Label})
	assert.Len(t, first[0].Scans[1].ListMode, 1)
	assert.Equal(t, model.ReasonUnmatchedListMode, reasons(q1)["/exp/B/PET.2024.05.01.15.00.00.ptd"])
}

func TestGroup_SeriesConflict(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "A", "S1", "SE1", "1", "20240501100000"),
		m.add("/exp/B/1.dcm", "B", "S2", "SE1", "1", "20240501100000"),
		m.add("/exp/A/2.dcm", "A", "S1", "SE2", "2", "20240501100000"),
	}
	sessions, q := newGrouper(t, m).Group(files)

	r := reasons(q)
	assert.Equal(t, model.ReasonSeriesConflict, r["/exp/A/1.dcm"])
	assert.Equal(t, model.ReasonSeriesConflict, r["/exp/B/1.dcm"])
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0].Scans, 1)
	assert.Equal(t, "SE2", sessions[0].Scans[0].SeriesUID)
}

func TestGroup_MissingIdentityAndUnreadable(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "", "S1", "SE1", "1", "20240501100000"),
		{Path: "/exp/A/garbage.dcm", Type: model.FileDicom},
		{Path: "/exp/A/notes.txt", Type: model.FileUnknown},
	}
	sessions, q := newGrouper(t, m).Group(files)
	assert.Empty(t, sessions)
	assert.Equal(t, map[string]model.QuarantineReason{
		"/exp/A/1.dcm":       model.ReasonMissingIdentity,
		"/exp/A/garbage.dcm": model.ReasonUnreadable,
	}, reasons(q))
}

func TestGroup_UnmatchedListMode(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "A", "S1", "SE1", "1", "20240501100000"),
		listModeFile("/exp/A/PET.2024.05.01.10.30.00.ptd"),
		// 时间落在窗口内，但目录与受试者无关
		listModeFile("/exp/Z/SMITH_JOHN.2024.05.01.10.01.00.ptd"),
	}
	sessions, q := newGrouper(t, m).Group(files)
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].Scans[0].ListMode)
	assert.Equal(t, map[string]model.QuarantineReason{
		"/exp/A/PET.2024.05.01.10.30.00.ptd":        model.ReasonUnmatchedListMode,
		"/exp/Z/SMITH_JOHN.2024.05.01.10.01.00.ptd": model.ReasonUnmatchedListMode,
	}, reasons(q))
}

func TestGroup_ListModeMatchedByName(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/dicom/1.dcm", "A", "S1", "SE1", "1", "20240501100000"),
		listModeFile("/exp/raw/DOE_JANE/PET.2024.05.01.10.01.00.ptd"),
		listModeFile("/exp/raw/JANE_DOE_PET.2024.05.01.10.02.00.ptd"),
		listModeFile("/exp/raw/A.2024.05.01.10.03.00.ptd"),
	}
	sessions, q := newGrouper(t, m).Group(files)
	assert.Empty(t, q)
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0].Scans[0].ListMode, 3)
}

func TestGroup_TieBreak(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "A", "S1", "SE1", "1", "20240501100000"),
		m.add("/exp/A/2.dcm", "A", "S1", "SE2", "2", "20240501100800"),
		listModeFile("/exp/A/PET.2024.05.01.10.05.00.ptd"),
	}

	sessions, q := newGrouper(t, m).Group(files)
	assert.Empty(t, q)
	assert.Empty(t, sessions[0].Scans[0].ListMode)
	assert.Len(t, sessions[0].Scans[1].ListMode, 1, "nearest acquisition wins")

	cfg := groupingConfig()
	cfg.TieBreak = TieBreakEarliest
	g, err := NewGrouper(cfg, m)
	require.NoError(t, err)
	sessions, q = g.Group(files)
	assert.Empty(t, q)
	assert.Len(t, sessions[0].Scans[0].ListMode, 1, "earliest window wins")
}

func TestGroup_AmbiguousListMode(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "A", "S1", "SE1", "1", "20240501100000"),
		m.add("/exp/A/2.dcm", "A", "S1", "SE2", "2", "20240501100000"),
		listModeFile("/exp/A/PET.2024.05.01.10.05.00.ptd"),
	}
	sessions, q := newGrouper(t, m).Group(files)
	require.Len(t, q, 1)
	assert.Equal(t, model.ReasonAmbiguousListMode, q[0].Reason)
	for _, scan := range sessions[0].Scans {
		assert.Empty(t, scan.ListMode)
	}
}

func TestGroup_Labels(t *testing.T) {
	m := memReader{}
	files := []model.RawFile{
		m.add("/exp/A/1.dcm", "A", "S1", "1.2.840.99.200", "3", "20240501100000"),
		m.add("/exp/A/2.dcm", "A", "S1", "1.2.840.99.100", "3", "20240501100000"),
		m.add("/exp/A/3.dcm", "A", "S1", "1.2.840.12345678", "", "20240501100000"),
		m.add("/exp/A/4.dcm", "A", "S1", "1.2.840.99.300", "1", "20240501100000"),
	}
	sessions, _ := newGrouper(t, m).Group(files)
	require.Len(t, sessions, 1)
	var labels []string
	for _, s := range sessions[0].Scans {
		labels = append(labels, s.Label)
	}
	// 按 SeriesNumber 排序，缺失的排在最后；重复的编号按 UID 顺序加后缀
	assert.Equal(t, []string{"1", "3", "3_2", "12345678"}, labels)
	assert.Equal(t, "1.2.840.99.100", sessions[0].Scans[1].SeriesUID)
}

func TestGrouper_Timestamp(t *testing.T) {
	g := newGrouper(t, memReader{})
	ts := g.Timestamp(listModeFile(filepath.Join("/exp", "PET.2024.05.01.10.05.07.ptd")))
	assert.Equal(t, time.Date(2024, 5, 1, 10, 5, 7, 0, time.UTC), ts)

	// 无法从文件名解析时使用修改时间的挂钟读数
	mt := time.Date(2024, 5, 1, 8, 30, 0, 0, time.Local)
	ts = g.Timestamp(model.RawFile{Path: "/exp/raw.ptd", ModTime: mt})
	assert.Equal(t, time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC), ts)

	// 非法日期回退到修改时间
	ts = g.Timestamp(model.RawFile{Path: "/exp/PET.2024.02.31.10.00.00.ptd", ModTime: mt})
	assert.Equal(t, time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC), ts)
}

func TestNewGrouper_Validation(t *testing.T) {
	cfg := groupingConfig()
	cfg.TieBreak = "random"
	_, err := NewGrouper(cfg, memReader{})
	assert.Error(t, err)

	cfg = groupingConfig()
	cfg.TimestampPattern = `(\d{8})`
	_, err = NewGrouper(cfg, memReader{})
	assert.Error(t, err, "one group requires a layout")

	cfg.TimestampLayout = "20060102"
	g, err := NewGrouper(cfg, memReader{})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), g.Timestamp(listModeFile("/exp/LM_20240501.ptd")))
}
