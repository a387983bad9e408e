package model

import "path/filepath"

// Resource 是远端扫描下的资源名称。
type Resource string

const (
	ResourceDICOM    Resource = "DICOM"
	ResourceListMode Resource = "LISTMODE"
)

// Artifact 是暂存目录中的一个已脱敏文件。
type Artifact struct {
	Name     string   `json:"name" yaml:"name"`
	Resource Resource `json:"resource" yaml:"resource"`
	// Path 是相对于暂存包目录的路径。
	Path string `json:"path" yaml:"path"`
	Size int64  `json:"size" yaml:"size"`
	MD5  string `json:"md5" yaml:"md5"`
}

// ScanBundle 是一个扫描的暂存产物。
type ScanBundle struct {
	Label       string     `json:"label" yaml:"label"`
	SeriesUID   string     `json:"seriesUid" yaml:"series_uid"`
	Description string     `json:"description" yaml:"description"`
	Modality    string     `json:"modality" yaml:"modality"`
	Digest      string     `json:"digest" yaml:"digest"`
	Artifacts   []Artifact `json:"artifacts" yaml:"artifacts"`
}

// StagedBundle 是一个会话完整的暂存产物，可直接上传。
type StagedBundle struct {
	// Key 含原始标识，不写入清单，也不离开本机。
	Key  SessionKey `json:"-" yaml:"-"`
	Name string     `json:"name" yaml:"name"`
	// SubjectLabel 是远端使用的脱敏受试者标签。
	SubjectLabel string `json:"subjectLabel" yaml:"subject_label"`
	// StudyUID 是暂存文件中写出的 StudyInstanceUID。
	StudyUID string       `json:"studyUid" yaml:"study_uid"`
	Dir      string       `json:"-" yaml:"-"`
	Digest   string       `json:"digest" yaml:"digest"`
	Scans    []ScanBundle `json:"scans" yaml:"scans"`
}

// Abs 返回产物在本地的绝对路径。
func (b *StagedBundle) Abs(a Artifact) string {
	return filepath.Join(b.Dir, filepath.FromSlash(a.Path))
}

// ArtifactCount 返回产物文件总数。
func (b *StagedBundle) ArtifactCount() int {
	n := 0
	for _, s := range b.Scans {
		n += len(s.Artifacts)
	}
	return n
}
