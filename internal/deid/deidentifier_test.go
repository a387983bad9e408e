package deid

import (
	"crypto/md5"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"xnat-ingest-go/internal/dicomtest"
	"xnat-ingest-go/pkg/dicomheader"
)

func sourceInstance() dicomtest.Instance {
	return dicomtest.Instance{
		SOPInstanceUID:      "1.2.826.0.1.3680043.8.498.1",
		PatientID:           "SUBJ01",
		PatientName:         "Doe^Jane",
		PatientBirthDate:    "19800517",
		StudyInstanceUID:    "1.2.826.0.1.3680043.8.498.10",
		SeriesInstanceUID:   "1.2.826.0.1.3680043.8.498.11",
		SeriesNumber:        "3",
		SeriesDescription:   "PET AC 2mm",
		Modality:            "PT",
		AcquisitionDateTime: "20230825155050",
		AccessionNumber:     "ACC99812",
		InstitutionName:     "Royal North Shore",
		InstitutionAddress:  "1 Reserve Rd",
		ReferringPhysician:  "House^Gregory",
		PatientComments:     "claustrophobic",
	}
}

func fileMD5(t *testing.T, path string) [16]byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return md5.Sum(b)
}

func TestDeidentify_DefaultPolicy(t *testing.T) {
	dir := t.TempDir()
	src := dicomtest.WriteFile(t, filepath.Join(dir, "src", "img.dcm"), sourceInstance())
	before := fileMD5(t, src)

	h, err := NewHasher("unit-test-key")
	require.NoError(t, err)
	d := New(DefaultPolicy(), h)

	dst := filepath.Join(dir, "out", "0001.dcm")
	art, err := d.Deidentify(src, dst)
	require.NoError(t, err)
	assert.Equal(t, dst, art.Path)
	assert.Equal(t, before, fileMD5(t, src), "source must not be modified")

	out, err := dicomheader.NewReader().Read(dst)
	require.NoError(t, err)

	for _, removed := range []tag.Tag{tag.PatientName, tag.InstitutionName, tag.InstitutionAddress, tag.ReferringPhysicianName, tag.PatientComments} {
		assert.False(t, out.Has(removed), dicomheader.TagName(removed))
	}

	assert.Equal(t, h.Value("LO", "SUBJ01"), out.String(tag.PatientID))
	assert.NotEqual(t, "SUBJ01", out.String(tag.PatientID))
	assert.Len(t, out.String(tag.AccessionNumber), 16)
	assert.Equal(t, "19800101", out.String(tag.PatientBirthDate))

	src0 := sourceInstance()
	assert.Equal(t, src0.StudyInstanceUID, out.String(tag.StudyInstanceUID))
	assert.Equal(t, src0.SeriesInstanceUID, out.String(tag.SeriesInstanceUID))
	assert.Equal(t, src0.SeriesDescription, out.String(tag.SeriesDescription))
	assert.Equal(t, src0.AcquisitionDateTime, out.String(tag.AcquisitionDateTime))

	raw, err := os.ReadFile(dst)
	require.NoError(t, err)
	for _, literal := range []string{"Doe^Jane", "SUBJ01", "ACC99812", "Royal North Shore", "House^Gregory", "claustrophobic", "19800517"} {
		assert.NotContains(t, string(raw), literal)
	}
}

func TestDeidentify_ManifestCarriesNoValues(t *testing.T) {
	dir := t.TempDir()
	src := dicomtest.WriteFile(t, filepath.Join(dir, "img.dcm"), sourceInstance())
	h, _ := NewHasher("k")

	art, err := New(DefaultPolicy(), h).Deidentify(src, filepath.Join(dir, "out.dcm"))
	require.NoError(t, err)
	require.NotEmpty(t, art.Manifest)

	actions := map[string]string{}
	for _, c := range art.Manifest {
		actions[c.Name] = c.Action
		for _, field := range []string{c.Tag, c.Name, c.Action} {
			assert.NotContains(t, field, "Doe")
			assert.NotContains(t, field, "SUBJ01")
		}
	}
	assert.Equal(t, "remove", actions["PatientName"])
	assert.Equal(t, "hash", actions["PatientID"])
	assert.Equal(t, "year", actions["PatientBirthDate"])
}

func TestDeidentify_ReplaceRule(t *testing.T) {
	dir := t.TempDir()
	src := dicomtest.WriteFile(t, filepath.Join(dir, "img.dcm"), sourceInstance())
	p := DefaultPolicy()
	p.Rules[tag.InstitutionName] = Rule{Action: ActionReplace, Value: "ANON"}
	h, _ := NewHasher("k")

	dst := filepath.Join(dir, "out.dcm")
	_, err := New(p, h).Deidentify(src, dst)
	require.NoError(t, err)

	out, err := dicomheader.NewReader().Read(dst)
	require.NoError(t, err)
	assert.Equal(t, "ANON", out.String(tag.InstitutionName))
}

func TestDeidentify_NotDicom(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "junk.dcm")
	require.NoError(t, os.WriteFile(src, []byte("nope"), 0o644))
	h, _ := NewHasher("k")

	_, err := New(DefaultPolicy(), h).Deidentify(src, filepath.Join(dir, "out.dcm"))
	var derr *DeidentifyError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, src, derr.Path)
	assert.NoFileExists(t, filepath.Join(dir, "out.dcm"))
}

func TestHasher(t *testing.T) {
	a, err := NewHasher("key-a")
	require.NoError(t, err)
	b, _ := NewHasher("key-b")

	assert.Equal(t, a.Hex("SUBJ01", 0), a.Hex("SUBJ01", 0))
	assert.NotEqual(t, a.Hex("SUBJ01", 0), b.Hex("SUBJ01", 0))
	assert.Len(t, a.Hex("x", 0), 64)
	assert.Equal(t, strings.ToUpper(a.Hex("x", 8)), a.Hex("x", 8))

	uid := a.UID("1.2.3")
	assert.Regexp(t, regexp.MustCompile(`^2\.25\.[1-9][0-9]*$`), uid)
	assert.LessOrEqual(t, len(uid), 64)
	assert.Equal(t, uid, a.Value("UI", "1.2.3"))

	_, err = NewHasher(strings.Repeat("k", 65))
	assert.Error(t, err)
}

func TestTruncateToYear(t *testing.T) {
	assert.Equal(t, "19800101", truncateToYear("19800517"))
	assert.Equal(t, "19800101", truncateToYear("19800101"))
	assert.Equal(t, "", truncateToYear("80"))
	assert.Equal(t, "", truncateToYear("abcd0517"))
}

func TestApply(t *testing.T) {
	h, _ := NewHasher("k")
	d := New(DefaultPolicy(), h)
	assert.Equal(t, "1.2.3", d.Apply(tag.StudyInstanceUID, "1.2.3"))
	assert.Equal(t, "", d.Apply(tag.PatientName, "Doe^Jane"))
	assert.Equal(t, h.Value("LO", "SUBJ01"), d.Apply(tag.PatientID, "SUBJ01"))
	assert.Equal(t, "19800101", d.Apply(tag.PatientBirthDate, "19800517"))
	assert.Equal(t, "", d.Apply(tag.Tag{Group: 0x0009, Element: 0x0010}, "x"))
}

func TestApply_HashFollowsDictionaryVR(t *testing.T) {
	h, _ := NewHasher("k")
	p := DefaultPolicy()
	p.Rules[tag.FrameOfReferenceUID] = Rule{Action: ActionHash}
	d := New(p, h)

	uid := d.Apply(tag.FrameOfReferenceUID, "1.2.840.1")
	assert.True(t, strings.HasPrefix(uid, "2.25."), uid)
	assert.Len(t, d.Apply(tag.AccessionNumber, "ACC99812"), 16)
	assert.Len(t, d.Apply(tag.PatientID, "SUBJ01"), 32)
}
