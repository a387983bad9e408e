// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/internal/repository"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/metrics"
	"xnat-ingest-go/pkg/xnat"
)

// RemoteRepository 是远端影像仓库的抽象，由 xnat.Client 实现。
type RemoteRepository interface {
	FindSession(ctx context.Context, subject, studyUID string) (string, bool, error)
	CreateSession(ctx context.Context, subject, label, studyUID string) (string, error)
	EnsureScan(ctx context.Context, sessionID string, scan xnat.Scan, resources []string) error
	ListFiles(ctx context.Context, sessionID, scan, resource string) ([]xnat.RemoteFile, error)
	UploadFile(ctx context.Context, sessionID, scan, resource, name, localPath string) error
	PostUpload(ctx context.Context, sessionID, action string) error
}

// Decision 是 Plan 针对一个会话给出的处理方式。
type Decision string

const (
	// DecisionUpload 暂存后上传（新会话、内容变化或运维重试）。
	DecisionUpload Decision = "upload"
	// DecisionVerify 已完成且内容未变，只检查远端是否仍存在。
	DecisionVerify Decision = "verify"
	// DecisionResume 上次上传被中断，逐个文件确认远端状态后续传。
	DecisionResume Decision = "resume"
	// DecisionSkip 失败且内容未变，等待运维处理。
	DecisionSkip Decision = "skip"
)

// ErrSessionFailed 表示会话被标记为 failed。
var ErrSessionFailed = errors.New("session upload failed")

// UploadOptions 控制重试、校验与上传后动作。
type UploadOptions struct {
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	VerifyChecksum bool
	PostUpload     []string
}

// NewUploadOptions 从配置构造 UploadOptions。
func NewUploadOptions(up config.UploadConfig, x config.XNATConfig) UploadOptions {
	return UploadOptions{
		MaxRetries:     up.MaxRetries,
		BackoffInitial: up.BackoffInitial,
		BackoffMax:     up.BackoffMax,
		VerifyChecksum: up.VerifyChecksum,
		PostUpload:     x.PostUpload,
	}
}

// UploadService 接口定义了上传状态机以及运维对记录的操作。
type UploadService interface {
	// Plan 只读地判断会话应如何处理，dry-run 也使用它。
	Plan(ctx context.Context, key model.SessionKey, digest string) (Decision, *model.UploadRecord, error)
	// Advance 持有会话锁推进状态机，直到 complete、failed、skip 或被取消。
	Advance(ctx context.Context, bundle *model.StagedBundle) (model.SessionOutcome, error)
	// Register 在投递给 worker 之前登记暂存包名，不改变状态。
	Register(ctx context.Context, bundle *model.StagedBundle) (*model.UploadRecord, error)
	Records(ctx context.Context, status model.UploadStatus) ([]model.UploadRecord, error)
	Record(ctx context.Context, key model.SessionKey) (*model.UploadRecord, error)
	RecordByBundle(ctx context.Context, name string) (*model.UploadRecord, error)
	// Retry 把 failed 记录移回 staged，下次运行时重新上传。
	Retry(ctx context.Context, key model.SessionKey) error
	Purge(ctx context.Context, key model.SessionKey) error
}

type uploadService struct {
	records repository.RecordRepository
	locks   repository.LockRepository
	remote  RemoteRepository
	opts    UploadOptions
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(records repository.RecordRepository, locks repository.LockRepository, remote RemoteRepository, opts UploadOptions) UploadService {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &uploadService{
		records: records,
		locks:   locks,
		remote:  remote,
		opts:    opts,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff 返回第 attempt 次失败后的等待时间，指数增长并以 BackoffMax 为上限。
func (s *uploadService) backoff(attempt int) time.Duration {
	d := s.opts.BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.opts.BackoffMax > 0 && d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	if s.opts.BackoffMax > 0 && d > s.opts.BackoffMax {
		return s.opts.BackoffMax
	}
	return d
}

func decide(rec *model.UploadRecord, digest string) Decision {
	if rec == nil {
		return DecisionUpload
	}
	switch rec.Status {
	case model.StatusComplete:
		if rec.BundleDigest == digest {
			return DecisionVerify
		}
		return DecisionUpload
	case model.StatusFailed:
		if rec.BundleDigest == digest {
			return DecisionSkip
		}
		return DecisionUpload
	case model.StatusUploading:
		return DecisionResume
	default:
		return DecisionUpload
	}
}

// Plan 读取记录并给出处理决定，不修改任何状态。
func (s *uploadService) Plan(ctx context.Context, key model.SessionKey, digest string) (Decision, *model.UploadRecord, error) {
	rec, err := s.records.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return DecisionUpload, nil, nil
		}
		return "", nil, err
	}
	return decide(rec, digest), rec, nil
}

// Advance 推进一个会话的状态机。
func (s *uploadService) Advance(ctx context.Context, bundle *model.StagedBundle) (model.SessionOutcome, error) {
	key := bundle.Key
	out := model.SessionOutcome{
		Session:   key.String(),
		Scans:     len(bundle.Scans),
		Artifacts: bundle.ArtifactCount(),
		Digest:    bundle.Digest,
	}

	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return s.aborted(out, err)
	}
	defer unlock()

	rec, err := s.register(ctx, bundle)
	if err != nil {
		return s.aborted(out, err)
	}

	decision := decide(rec, bundle.Digest)
	log.Infof("[UploadService] 会话 %s 当前状态 %s，决定: %s", key, rec.Status, decision)

	switch decision {
	case DecisionSkip:
		out.Outcome = model.OutcomeSkipped
		out.Status = rec.Status
		out.Error = rec.LastError
		log.Infof("[UploadService] 会话 %s 之前已失败且内容未变化，跳过。需要运维执行 retry", key)
		return out, nil

	case DecisionVerify:
		_, found, err := s.remote.FindSession(ctx, bundle.SubjectLabel, bundle.StudyUID)
		if err != nil {
			if ctx.Err() != nil {
				return s.aborted(out, ctx.Err())
			}
			// 校验失败不改变状态，下次运行再检查
			out.Outcome = model.OutcomeFailed
			out.Status = rec.Status
			out.Error = err.Error()
			return out, err
		}
		if found {
			out.Outcome = model.OutcomeVerified
			out.Status = rec.Status
			log.Infof("[UploadService] 会话 %s 已完成且远端存在，无需传输", key)
			return out, nil
		}
		log.Warnf("[UploadService] 会话 %s 记录为 complete 但远端不存在，重新上传", key)
		if err := s.records.Transition(ctx, rec, model.StatusStaged, func(r *model.UploadRecord) {
			r.RemoteSessionID = ""
		}); err != nil {
			return s.aborted(out, err)
		}

	case DecisionUpload:
		if err := s.records.Transition(ctx, rec, model.StatusStaged, func(r *model.UploadRecord) {
			r.BundleDigest = bundle.Digest
			r.LastError = ""
		}); err != nil {
			return s.aborted(out, err)
		}

	case DecisionResume:
		if rec.BundleDigest != bundle.Digest {
			if err := s.records.Transition(ctx, rec, model.StatusUploading, func(r *model.UploadRecord) {
				r.BundleDigest = bundle.Digest
			}); err != nil {
				return s.aborted(out, err)
			}
		}
		log.Infof("[UploadService] 续传会话 %s，逐个文件检查远端状态", key)
	}

	return s.upload(ctx, bundle, rec, out)
}

// Register 持有会话锁登记暂存包名。
func (s *uploadService) Register(ctx context.Context, bundle *model.StagedBundle) (*model.UploadRecord, error) {
	unlock, err := s.locks.Lock(ctx, bundle.Key.String())
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.register(ctx, bundle)
}

// register 读取或创建记录，并把暂存包名写入记录。调用方须持有会话锁。
func (s *uploadService) register(ctx context.Context, bundle *model.StagedBundle) (*model.UploadRecord, error) {
	rec, err := s.records.Get(ctx, bundle.Key)
	if errors.Is(err, repository.ErrNotFound) {
		rec, err = s.records.Create(ctx, bundle.Key)
	}
	if err != nil {
		return nil, err
	}
	if bundle.Name == "" || rec.BundleName == bundle.Name {
		return rec, nil
	}
	if err := s.records.Transition(ctx, rec, rec.Status, func(r *model.UploadRecord) {
		r.BundleName = bundle.Name
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// upload 执行 staged/uploading → complete/failed，带有限次数的指数退避重试。
func (s *uploadService) upload(ctx context.Context, bundle *model.StagedBundle, rec *model.UploadRecord, out model.SessionOutcome) (model.SessionOutcome, error) {
	key := bundle.Key
	if rec.Status == model.StatusStaged {
		if err := s.records.Transition(ctx, rec, model.StatusUploading, nil); err != nil {
			return s.aborted(out, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		now := time.Now()
		if err := s.records.Transition(ctx, rec, model.StatusUploading, func(r *model.UploadRecord) {
			r.Attempts++
			r.LastAttemptAt = &now
		}); err != nil {
			return s.aborted(out, err)
		}

		transferred, err := s.uploadOnce(ctx, bundle, rec)
		out.Transferred += transferred
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// 被取消的会话保持 uploading，下次运行续传
			log.Warnf("[UploadService] 会话 %s 上传被取消，保持 uploading 状态", key)
			return s.aborted(out, err)
		}
		if errors.Is(err, xnat.ErrLocalFile) {
			// 暂存文件缺失与远端无关，保持 uploading，下次运行重新暂存后续传
			log.Warnf("[UploadService] 会话 %s 的暂存文件不可读，保持 uploading 状态: %v", key, err)
			if rerr := s.recordError(ctx, rec, err); rerr != nil {
				return s.aborted(out, rerr)
			}
			return s.aborted(out, err)
		}
		if !xnat.IsTransient(err) {
			log.Errorf("[UploadService] 会话 %s 遇到不可重试错误: %v", key, err)
			break
		}
		if attempt == s.opts.MaxRetries {
			log.Errorf("[UploadService] 会话 %s 重试 %d 次后仍失败: %v", key, attempt, err)
			break
		}
		wait := s.backoff(attempt)
		log.Warnf("[UploadService] 会话 %s 第 %d 次上传失败，%s 后重试: %v", key, attempt, wait, err)
		metrics.UploadRetries.Inc()
		if err := s.recordError(ctx, rec, err); err != nil {
			return s.aborted(out, err)
		}
		if err := s.sleep(ctx, wait); err != nil {
			return s.aborted(out, err)
		}
	}

	if lastErr != nil {
		if err := s.records.Transition(ctx, rec, model.StatusFailed, func(r *model.UploadRecord) {
			r.LastError = lastErr.Error()
		}); err != nil {
			return s.aborted(out, err)
		}
		out.Outcome = model.OutcomeFailed
		out.Status = rec.Status
		out.Error = lastErr.Error()
		return out, fmt.Errorf("%w: %s: %v", ErrSessionFailed, key, lastErr)
	}

	if err := s.records.Transition(ctx, rec, model.StatusComplete, func(r *model.UploadRecord) {
		r.LastError = ""
	}); err != nil {
		return s.aborted(out, err)
	}
	s.postUpload(ctx, rec.RemoteSessionID)

	out.Outcome = model.OutcomeUploaded
	out.Status = rec.Status
	log.Infof("[UploadService] 会话 %s 上传完成，远端 ID %s，本次传输 %d 个文件", key, rec.RemoteSessionID, out.Transferred)
	return out, nil
}

func (s *uploadService) recordError(ctx context.Context, rec *model.UploadRecord, cause error) error {
	return s.records.Transition(ctx, rec, model.StatusUploading, func(r *model.UploadRecord) {
		r.LastError = cause.Error()
	})
}

// uploadOnce 查找或创建远端会话，按扫描标签顺序上传远端缺失或校验和不一致的文件。
func (s *uploadService) uploadOnce(ctx context.Context, bundle *model.StagedBundle, rec *model.UploadRecord) (int, error) {
	sessionID, found, err := s.remote.FindSession(ctx, bundle.SubjectLabel, bundle.StudyUID)
	if err != nil {
		return 0, err
	}
	if !found {
		sessionID, err = s.remote.CreateSession(ctx, bundle.SubjectLabel, bundle.Name, bundle.StudyUID)
		if err != nil {
			return 0, err
		}
	}
	if rec.RemoteSessionID != sessionID {
		if err := s.records.Transition(ctx, rec, model.StatusUploading, func(r *model.UploadRecord) {
			r.RemoteSessionID = sessionID
		}); err != nil {
			return 0, err
		}
	}

	scans := append([]model.ScanBundle(nil), bundle.Scans...)
	sort.SliceStable(scans, func(i, j int) bool { return scans[i].Label < scans[j].Label })

	transferred := 0
	for _, scan := range scans {
		byResource := groupByResource(scan.Artifacts)
		resources := make([]string, 0, len(byResource))
		for res := range byResource {
			resources = append(resources, string(res))
		}
		sort.Strings(resources)

		if err := s.remote.EnsureScan(ctx, sessionID, xnat.Scan{
			Label:       scan.Label,
			SeriesUID:   scan.SeriesUID,
			Description: scan.Description,
			Modality:    scan.Modality,
		}, resources); err != nil {
			return transferred, err
		}

		for _, res := range resources {
			n, err := s.uploadResource(ctx, bundle, sessionID, scan.Label, res, byResource[model.Resource(res)])
			transferred += n
			if err != nil {
				return transferred, err
			}
		}
	}
	return transferred, nil
}

func (s *uploadService) uploadResource(ctx context.Context, bundle *model.StagedBundle, sessionID, scan, resource string, artifacts []model.Artifact) (int, error) {
	remote, err := s.remote.ListFiles(ctx, sessionID, scan, resource)
	if err != nil {
		return 0, err
	}
	present := make(map[string]xnat.RemoteFile, len(remote))
	for _, f := range remote {
		present[f.Name] = f
	}

	transferred := 0
	for _, a := range artifacts {
		if f, ok := present[a.Name]; ok && sameContent(f, a) {
			metrics.ArtifactsSkipped.Inc()
			continue
		}
		if err := s.remote.UploadFile(ctx, sessionID, scan, resource, a.Name, bundle.Abs(a)); err != nil {
			return transferred, err
		}
		transferred++
		metrics.ArtifactsUploaded.WithLabelValues(resource).Inc()
	}

	if s.opts.VerifyChecksum && transferred > 0 {
		if err := s.verify(ctx, sessionID, scan, resource, artifacts); err != nil {
			return transferred, err
		}
	}
	return transferred, nil
}

// sameContent 判断远端文件是否与本地产物一致。
// 远端未开启校验和时 digest 为空，此时只比较大小。
func sameContent(f xnat.RemoteFile, a model.Artifact) bool {
	if f.Digest != "" {
		return f.Digest == a.MD5
	}
	return f.Size == a.Size
}

// verify 对比远端 digest 与本地 MD5，远端未提供 digest 时比较大小。
func (s *uploadService) verify(ctx context.Context, sessionID, scan, resource string, artifacts []model.Artifact) error {
	remote, err := s.remote.ListFiles(ctx, sessionID, scan, resource)
	if err != nil {
		return err
	}
	files := make(map[string]xnat.RemoteFile, len(remote))
	for _, f := range remote {
		files[f.Name] = f
	}
	for _, a := range artifacts {
		f, ok := files[a.Name]
		if !ok {
			return &xnat.TransferError{Op: "verify checksum", Transient: true, Err: fmt.Errorf("%s/%s/%s missing after upload", scan, resource, a.Name)}
		}
		if !sameContent(f, a) {
			return &xnat.TransferError{Op: "verify checksum", Transient: true, Err: fmt.Errorf("%s/%s/%s checksum mismatch", scan, resource, a.Name)}
		}
	}
	return nil
}

// postUpload 触发上传后动作，失败只记录警告。
func (s *uploadService) postUpload(ctx context.Context, sessionID string) {
	for _, action := range s.opts.PostUpload {
		if err := s.remote.PostUpload(ctx, sessionID, action); err != nil {
			log.Warnf("[UploadService] 会话 %s 上传后动作 %s 失败: %v", sessionID, action, err)
		}
	}
}

func (s *uploadService) aborted(out model.SessionOutcome, err error) (model.SessionOutcome, error) {
	out.Outcome = model.OutcomeAborted
	out.Error = err.Error()
	return out, err
}

func groupByResource(artifacts []model.Artifact) map[model.Resource][]model.Artifact {
	m := make(map[model.Resource][]model.Artifact)
	for _, a := range artifacts {
		m[a.Resource] = append(m[a.Resource], a)
	}
	return m
}

// Records 返回上传记录。
func (s *uploadService) Records(ctx context.Context, status model.UploadStatus) ([]model.UploadRecord, error) {
	return s.records.List(ctx, status)
}

// Record 返回单个会话的记录。
func (s *uploadService) Record(ctx context.Context, key model.SessionKey) (*model.UploadRecord, error) {
	return s.records.Get(ctx, key)
}

// RecordByBundle 根据暂存包名返回记录。
func (s *uploadService) RecordByBundle(ctx context.Context, name string) (*model.UploadRecord, error) {
	return s.records.GetByBundle(ctx, name)
}

// Retry 执行 failed → staged。
func (s *uploadService) Retry(ctx context.Context, key model.SessionKey) error {
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.records.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status != model.StatusFailed {
		return &model.ErrIllegalTransition{From: rec.Status, To: model.StatusStaged}
	}
	// 清空 digest，下次运行无论内容是否变化都会重新上传
	if err := s.records.Transition(ctx, rec, model.StatusStaged, func(r *model.UploadRecord) {
		r.BundleDigest = ""
		r.LastError = ""
	}); err != nil {
		return err
	}
	log.Infof("[UploadService] 会话 %s 已由运维重置为 staged", key)
	return nil
}

// Purge 删除记录。
func (s *uploadService) Purge(ctx context.Context, key model.SessionKey) error {
	unlock, err := s.locks.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.records.Purge(ctx, key); err != nil {
		return err
	}
	log.Infof("[UploadService] 会话 %s 的记录已被删除", key)
	return nil
}
