// Package dicomtest 生成测试用的 Part 10 DICOM 文件和 list-mode 原始文件。
package dicomtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	// PETImageStorage 是 PET 图像的 SOP Class UID。
	PETImageStorage = "1.2.840.10008.5.1.4.1.1.128"
	// ExplicitVRLittleEndian 传输语法。
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	// ListModeSignature 是测试用 list-mode 文件中的厂商签名。
	ListModeSignature = "LARGE_PET_LM_RAWDATA"
)

// Instance 描述一个待写入的 DICOM 实例。空字段不会写入文件。
// 元素按 tag 升序写出。
type Instance struct {
	SOPInstanceUID      string
	PatientID           string
	PatientName         string
	PatientBirthDate    string
	StudyInstanceUID    string
	SeriesInstanceUID   string
	SeriesNumber        string
	SeriesDescription   string
	Modality            string
	AcquisitionDateTime string
	StudyDate           string
	StudyTime           string
	AccessionNumber     string
	InstitutionName     string
	InstitutionAddress  string
	ReferringPhysician  string
	PatientComments     string
}

// Elements 将 Instance 转换为数据集元素，包含写文件所需的 meta 元素。
func (in Instance) Elements(t testing.TB) []*dicom.Element {
	t.Helper()
	sop := in.SOPInstanceUID
	if sop == "" {
		sop = "1.2.826.0.1.99"
	}
	fields := []struct {
		tag tag.Tag
		val string
	}{
		{tag.MediaStorageSOPClassUID, PETImageStorage},
		{tag.MediaStorageSOPInstanceUID, sop},
		{tag.TransferSyntaxUID, ExplicitVRLittleEndian},
		{tag.SOPClassUID, PETImageStorage},
		{tag.SOPInstanceUID, sop},
		{tag.StudyDate, in.StudyDate},
		{tag.AcquisitionDateTime, in.AcquisitionDateTime},
		{tag.StudyTime, in.StudyTime},
		{tag.AccessionNumber, in.AccessionNumber},
		{tag.Modality, in.Modality},
		{tag.InstitutionName, in.InstitutionName},
		{tag.InstitutionAddress, in.InstitutionAddress},
		{tag.ReferringPhysicianName, in.ReferringPhysician},
		{tag.SeriesDescription, in.SeriesDescription},
		{tag.PatientName, in.PatientName},
		{tag.PatientID, in.PatientID},
		{tag.PatientBirthDate, in.PatientBirthDate},
		{tag.PatientComments, in.PatientComments},
		{tag.StudyInstanceUID, in.StudyInstanceUID},
		{tag.SeriesInstanceUID, in.SeriesInstanceUID},
		{tag.SeriesNumber, in.SeriesNumber},
	}
	var elems []*dicom.Element
	for _, f := range fields {
		if f.val == "" {
			continue
		}
		el, err := dicom.NewElement(f.tag, []string{f.val})
		if err != nil {
			t.Fatalf("dicomtest: new element %v: %v", f.tag, err)
		}
		elems = append(elems, el)
	}
	return elems
}

// WriteFile 把实例写到 path，必要时创建父目录。
func WriteFile(t testing.TB, path string, in Instance) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("dicomtest: mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("dicomtest: create %s: %v", path, err)
	}
	defer f.Close()
	if err := dicom.Write(f, dicom.Dataset{Elements: in.Elements(t)}); err != nil {
		t.Fatalf("dicomtest: write %s: %v", path, err)
	}
	return path
}

// WriteListMode 写入一个带厂商签名的 list-mode 原始文件。
func WriteListMode(t testing.TB, path string, payload string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("dicomtest: mkdir: %v", err)
	}
	content := []byte(ListModeSignature + "\x00" + payload)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("dicomtest: write list-mode %s: %v", path, err)
	}
	return path
}
