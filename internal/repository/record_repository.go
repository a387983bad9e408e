// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"xnat-ingest-go/internal/model"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("upload record not found")
	// ErrConflict 表示记录已被其他进程修改（比较并交换失败）。
	ErrConflict = errors.New("upload record modified concurrently")
)

// RecordRepository 接口定义了上传记录的持久化操作。
// 除 Purge 外，记录只能通过 Create 与 Transition 修改。
type RecordRepository interface {
	Get(ctx context.Context, key model.SessionKey) (*model.UploadRecord, error)
	// GetByBundle 根据暂存包名检索记录。
	GetByBundle(ctx context.Context, name string) (*model.UploadRecord, error)
	Create(ctx context.Context, key model.SessionKey) (*model.UploadRecord, error)
	// Transition 以当前状态为条件把记录迁移到 to，并写入 mutate 修改的字段。
	// to 等于当前状态时只更新字段。成功后 rec 被原地更新。
	Transition(ctx context.Context, rec *model.UploadRecord, to model.UploadStatus, mutate func(*model.UploadRecord)) error
	List(ctx context.Context, status model.UploadStatus) ([]model.UploadRecord, error)
	Purge(ctx context.Context, key model.SessionKey) error
}

// recordRepository 是 RecordRepository 接口的 GORM 实现。
type recordRepository struct {
	db *gorm.DB
}

// NewRecordRepository 创建一个新的 RecordRepository 实例。
func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepository{db: db}
}

// Get 根据会话键检索上传记录。
func (r *recordRepository) Get(ctx context.Context, key model.SessionKey) (*model.UploadRecord, error) {
	var rec model.UploadRecord
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND study_uid = ?", key.SubjectID, key.StudyUID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByBundle 根据暂存包名检索上传记录。
func (r *recordRepository) GetByBundle(ctx context.Context, name string) (*model.UploadRecord, error) {
	if name == "" {
		return nil, ErrNotFound
	}
	var rec model.UploadRecord
	err := r.db.WithContext(ctx).Where("bundle_name = ?", name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create 创建一条 pending 状态的记录。唯一索引保证同一会话不会有两条记录。
func (r *recordRepository) Create(ctx context.Context, key model.SessionKey) (*model.UploadRecord, error) {
	rec := &model.UploadRecord{
		SubjectID: key.SubjectID,
		StudyUID:  key.StudyUID,
		Status:    model.StatusPending,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if existing, getErr := r.Get(ctx, key); getErr == nil {
			return existing, ErrConflict
		}
		return nil, err
	}
	return rec, nil
}

// Transition 执行带条件的状态迁移：UPDATE ... WHERE id = ? AND status = ?。
func (r *recordRepository) Transition(ctx context.Context, rec *model.UploadRecord, to model.UploadStatus, mutate func(*model.UploadRecord)) error {
	from := rec.Status
	if from != to && !model.CanTransition(from, to) {
		return &model.ErrIllegalTransition{From: from, To: to}
	}

	next := *rec
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = time.Now()

	res := r.db.WithContext(ctx).Model(&model.UploadRecord{}).
		Where("id = ? AND status = ?", rec.ID, from).
		Updates(map[string]interface{}{
			"status":            next.Status,
			"bundle_name":       next.BundleName,
			"bundle_digest":     next.BundleDigest,
			"remote_session_id": next.RemoteSessionID,
			"attempts":          next.Attempts,
			"last_error":        next.LastError,
			"last_attempt_at":   next.LastAttemptAt,
			"updated_at":        next.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update upload record %s: %w", rec.Key(), res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s expected status %s", ErrConflict, rec.Key(), from)
	}
	*rec = next
	return nil
}

// List 返回所有记录，status 非空时按状态过滤。
func (r *recordRepository) List(ctx context.Context, status model.UploadStatus) ([]model.UploadRecord, error) {
	var records []model.UploadRecord
	q := r.db.WithContext(ctx).Order("subject_id asc, study_uid asc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&records).Error
	return records, err
}

// Purge 删除一条记录，仅供运维显式调用。
func (r *recordRepository) Purge(ctx context.Context, key model.SessionKey) error {
	res := r.db.WithContext(ctx).
		Where("subject_id = ? AND study_uid = ?", key.SubjectID, key.StudyUID).
		Delete(&model.UploadRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
