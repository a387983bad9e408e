package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"xnat-ingest-go/internal/model"
)

// ClassificationError 表示单个文件无法被分类（无法打开或读取）。
type ClassificationError struct {
	Path string
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.Path, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// GroupingConflict 表示同一个 Series UID 出现在多个受试者或多个 Study 中。
type GroupingConflict struct {
	SeriesUID string
	Subjects  []string
	Studies   []string
}

func (e *GroupingConflict) Error() string {
	return fmt.Sprintf("series %s bound to subjects [%s] and studies [%s]",
		e.SeriesUID, strings.Join(e.Subjects, ","), strings.Join(e.Studies, ","))
}

// StagingError 表示会话无法被暂存，会话不会被上传。
type StagingError struct {
	Key model.SessionKey
	Err error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage session %s: %v", e.Key, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
