package model

import (
	"time"
)

// FileType 是 Classifier 判定的文件类型。
type FileType string

const (
	FileDicom    FileType = "dicom"
	FileListMode FileType = "list-mode"
	FileUnknown  FileType = "unknown"
)

// RawFile 是导出目录中发现的一个文件，发现后不可变。
type RawFile struct {
	Path    string
	Type    FileType
	Size    int64
	ModTime time.Time
}

// SessionKey 标识一次采集会话。
type SessionKey struct {
	SubjectID string `json:"subjectId" yaml:"subject_id"`
	StudyUID  string `json:"studyUid" yaml:"study_uid"`
}

func (k SessionKey) String() string {
	return k.SubjectID + "/" + k.StudyUID
}

// Less 按 subject、study 排序。
func (k SessionKey) Less(o SessionKey) bool {
	if k.SubjectID != o.SubjectID {
		return k.SubjectID < o.SubjectID
	}
	return k.StudyUID < o.StudyUID
}

// ScanGroup 是会话中的一个序列，包含其 DICOM 文件和关联的 list-mode 文件。
type ScanGroup struct {
	SeriesUID   string
	Label       string
	Description string
	// Number 为 SeriesNumber，缺失时为 -1。
	Number           int
	Modality         string
	Files            []RawFile
	ListMode         []RawFile
	AcquisitionTimes []time.Time
	WindowStart      time.Time
	WindowEnd        time.Time
}

// Contains 判断时间点是否落在采集窗口内（含边界）。
func (g *ScanGroup) Contains(ts time.Time) bool {
	if g.WindowStart.IsZero() && g.WindowEnd.IsZero() {
		return false
	}
	return !ts.Before(g.WindowStart) && !ts.After(g.WindowEnd)
}

// IngestSession 是一次采集会话的全部扫描。
type IngestSession struct {
	Key         SessionKey
	PatientName string
	Modality    string
	Scans       []*ScanGroup
	// Dirs 是会话 DICOM 文件所在的目录集合。
	Dirs []string
	// Newest 是会话中最新文件的修改时间。
	Newest time.Time
}

// FileCount 返回会话中的文件总数。
func (s *IngestSession) FileCount() int {
	n := 0
	for _, g := range s.Scans {
		n += len(g.Files) + len(g.ListMode)
	}
	return n
}

// QuarantineReason 描述文件被隔离的原因。
type QuarantineReason string

const (
	ReasonUnreadable        QuarantineReason = "unreadable"
	ReasonMissingIdentity   QuarantineReason = "missing-identity"
	ReasonSeriesConflict    QuarantineReason = "series-conflict"
	ReasonUnmatchedListMode QuarantineReason = "unmatched-list-mode"
	ReasonAmbiguousListMode QuarantineReason = "ambiguous-list-mode"
	ReasonDeidentifyFailed  QuarantineReason = "deidentify-failed"
	ReasonIncompleteScan    QuarantineReason = "incomplete-scan"
)

// QuarantinedFile 记录一个未进入任何会话的文件。
type QuarantinedFile struct {
	Path   string           `json:"path" yaml:"path"`
	Reason QuarantineReason `json:"reason" yaml:"reason"`
	Detail string           `json:"detail,omitempty" yaml:"detail,omitempty"`
	// Session 在文件已归入会话后才被隔离时填写。
	Session string `json:"session,omitempty" yaml:"session,omitempty"`
}
