// Package model 定义了与数据库表对应的 Go 结构体以及流水线中传递的数据类型。
package model

import (
	"fmt"
	"time"
)

// UploadStatus 是上传记录的状态。
type UploadStatus string

const (
	StatusPending   UploadStatus = "pending"
	StatusStaged    UploadStatus = "staged"
	StatusUploading UploadStatus = "uploading"
	StatusComplete  UploadStatus = "complete"
	StatusFailed    UploadStatus = "failed"
)

// transitions 列出所有合法的状态迁移。
var transitions = map[UploadStatus][]UploadStatus{
	StatusPending:   {StatusStaged},
	StatusStaged:    {StatusUploading, StatusFailed},
	StatusUploading: {StatusComplete, StatusFailed},
	StatusFailed:    {StatusStaged},
	StatusComplete:  {StatusStaged},
}

// CanTransition 判断 from → to 是否是合法迁移。
func CanTransition(from, to UploadStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition 在试图执行非法迁移时返回。
type ErrIllegalTransition struct {
	From, To UploadStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal upload status transition %s -> %s", e.From, e.To)
}

// UploadRecord 定义了 upload_record 表的 ORM 模型。
// 每个 (subject_id, study_uid) 至多一条记录，只能通过状态迁移修改。
type UploadRecord struct {
	ID        uint         `gorm:"primaryKey;autoIncrement" json:"id"`
	SubjectID string       `gorm:"type:varchar(128);not null;uniqueIndex:idx_subject_study" json:"subjectId"`
	StudyUID  string       `gorm:"type:varchar(128);not null;uniqueIndex:idx_subject_study" json:"studyUid"`
	Status    UploadStatus `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	// BundleName 是暂存包名，worker 据此从任务找回会话键。
	BundleName      string     `gorm:"type:varchar(64);index" json:"bundleName"`
	BundleDigest    string     `gorm:"type:varchar(64)" json:"bundleDigest"`
	RemoteSessionID string     `gorm:"type:varchar(128)" json:"remoteSessionId"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	LastError       string     `gorm:"type:text" json:"lastError"`
	LastAttemptAt   *time.Time `gorm:"default:null" json:"lastAttemptAt"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadRecord) TableName() string {
	return "upload_record"
}

// Key 返回记录对应的会话键。
func (r *UploadRecord) Key() SessionKey {
	return SessionKey{SubjectID: r.SubjectID, StudyUID: r.StudyUID}
}

// UploadRecordDTO 是 API 返回的记录视图。
type UploadRecordDTO struct {
	SubjectID       string       `json:"subjectId"`
	StudyUID        string       `json:"studyUid"`
	Status          UploadStatus `json:"status"`
	BundleName      string       `json:"bundleName,omitempty"`
	BundleDigest    string       `json:"bundleDigest"`
	RemoteSessionID string       `json:"remoteSessionId"`
	Attempts        int          `json:"attempts"`
	LastError       string       `json:"lastError,omitempty"`
	LastAttemptAt   *LocalTime   `json:"lastAttemptAt,omitempty"`
	UpdatedAt       LocalTime    `json:"updatedAt"`
}

// ToDTO 转换为 API 视图。
func (r *UploadRecord) ToDTO() UploadRecordDTO {
	dto := UploadRecordDTO{
		SubjectID:       r.SubjectID,
		StudyUID:        r.StudyUID,
		Status:          r.Status,
		BundleName:      r.BundleName,
		BundleDigest:    r.BundleDigest,
		RemoteSessionID: r.RemoteSessionID,
		Attempts:        r.Attempts,
		LastError:       r.LastError,
		UpdatedAt:       LocalTime(r.UpdatedAt),
	}
	if r.LastAttemptAt != nil {
		t := LocalTime(*r.LastAttemptAt)
		dto.LastAttemptAt = &t
	}
	return dto
}
