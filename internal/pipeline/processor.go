// Package pipeline 定义了从导出目录到远端仓库的处理流程：
// 分类、分组、脱敏暂存，再交给上传状态机。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/internal/repository"
	"xnat-ingest-go/internal/service"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/metrics"
	"xnat-ingest-go/pkg/tasks"
)

// ErrRunInProgress 表示已有一次运行尚未结束。
var ErrRunInProgress = errors.New("a run is already in progress")

// stageLockPrefix 是暂存锁的键前缀，锁住暂存包目录直到该会话处理结束。
const stageLockPrefix = "stage:"

// BundleStore 在节点之间传递暂存包，由 storage.BundleStore 实现。
type BundleStore interface {
	Put(ctx context.Context, bundle *model.StagedBundle) error
	Fetch(ctx context.Context, name, dir string) error
}

// Dispatcher 把会话任务投递给 worker，由 kafka 生产者实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, task tasks.SessionTask) error
}

// AuditSink 接收脱敏变更清单，由 es 包实现。
type AuditSink interface {
	IndexAudit(ctx context.Context, docs []model.AuditDocument) error
}

// RunOptions 控制单次运行。
type RunOptions struct {
	Root   string
	DryRun bool
	// Distributed 为 true 时只暂存并投递任务，由 worker 上传。
	Distributed bool
}

// Processor 封装了一次运行的所有依赖。
type Processor struct {
	classifier  *Classifier
	grouper     *Grouper
	stager      *Stager
	quarantine  *Quarantine
	uploads     service.UploadService
	locks       repository.LockRepository
	store       BundleStore
	dispatcher  Dispatcher
	audit       AuditSink
	root        string
	cacheDir    string
	concurrency int
	waitPeriod  time.Duration
	now         func() time.Time

	running atomic.Bool
	mu      sync.RWMutex
	last    *model.RunReport
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	cfg config.IngestConfig,
	classifier *Classifier,
	grouper *Grouper,
	stager *Stager,
	quarantine *Quarantine,
	uploads service.UploadService,
) *Processor {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Processor{
		classifier:  classifier,
		grouper:     grouper,
		stager:      stager,
		quarantine:  quarantine,
		uploads:     uploads,
		locks:       repository.NewLocalLockRepository(),
		root:        cfg.ExportRoot,
		cacheDir:    cfg.CacheDir,
		concurrency: concurrency,
		waitPeriod:  cfg.WaitPeriod,
		now:         time.Now,
	}
}

// WithDistribution 配置分布式模式使用的对象存储与任务队列。
func (p *Processor) WithDistribution(store BundleStore, dispatcher Dispatcher) *Processor {
	p.store = store
	p.dispatcher = dispatcher
	return p
}

// WithLocks 替换暂存锁的实现，多进程共用暂存目录时应使用 Redis 锁。
func (p *Processor) WithLocks(locks repository.LockRepository) *Processor {
	p.locks = locks
	return p
}

// WithAudit 配置脱敏审计索引。
func (p *Processor) WithAudit(sink AuditSink) *Processor {
	p.audit = sink
	return p
}

// LastReport 返回最近一次完成的运行报告。
func (p *Processor) LastReport() *model.RunReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Run 执行一次完整的处理流程并返回终态报告。
// 单个文件或会话的失败只记录在报告里，只有导出目录不可读或运行被取消时才返回 error。
func (p *Processor) Run(ctx context.Context, opts RunOptions) (*model.RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)
	return p.run(ctx, opts)
}

// Start 在后台启动一次运行。已有运行时立即返回 ErrRunInProgress。
func (p *Processor) Start(ctx context.Context, opts RunOptions) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	go func() {
		defer p.running.Store(false)
		if _, err := p.run(ctx, opts); err != nil {
			log.Errorf("[Processor] 后台运行失败: %v", err)
		}
	}()
	return nil
}

func (p *Processor) run(ctx context.Context, opts RunOptions) (*model.RunReport, error) {
	if opts.Distributed && !opts.DryRun && (p.store == nil || p.dispatcher == nil) {
		return nil, errors.New("distributed mode requires object storage and kafka")
	}
	root := opts.Root
	if root == "" {
		root = p.root
	}

	report := &model.RunReport{
		RunID:      uuid.NewString(),
		DryRun:     opts.DryRun,
		StartedAt:  p.now(),
		Classified: make(map[model.FileType]int),
	}
	log.Infof("[Processor] 开始运行 %s, 导出目录: %s, dry-run: %v, 分布式: %v", report.RunID, root, opts.DryRun, opts.Distributed)

	// 1. 分类
	files, classErrs, err := p.classifier.Classify(root)
	if err != nil {
		log.Errorf("[Processor] 扫描导出目录失败: %v", err)
		return nil, err
	}
	var quarantined []model.QuarantinedFile
	for _, ce := range classErrs {
		quarantined = append(quarantined, model.QuarantinedFile{Path: ce.Path, Reason: model.ReasonUnreadable, Detail: ce.Err.Error()})
	}
	for _, f := range files {
		report.Classified[f.Type]++
		metrics.FilesClassified.WithLabelValues(string(f.Type)).Inc()
		if f.Type == model.FileUnknown {
			report.Ignored = append(report.Ignored, f.Path)
		}
	}
	log.Infof("[Processor] 步骤1: 分类完成, dicom: %d, list-mode: %d, 忽略: %d, 错误: %d",
		report.Classified[model.FileDicom], report.Classified[model.FileListMode], len(report.Ignored), len(classErrs))

	// 2. 分组
	sessions, q := p.grouper.Group(files)
	quarantined = append(quarantined, q...)
	log.Infof("[Processor] 步骤2: 分组完成, 会话: %d, 隔离: %d", len(sessions), len(q))

	// 3. 按会话并发暂存与上传
	var (
		g        errgroup.Group
		qmu      sync.Mutex
		outcomes = make([]model.SessionOutcome, len(sessions))
	)
	g.SetLimit(p.concurrency)
	for i, sess := range sessions {
		i, sess := i, sess
		g.Go(func() error {
			out, q := p.processSession(ctx, report.RunID, opts, sess)
			outcomes[i] = out
			metrics.SessionsProcessed.WithLabelValues(string(out.Outcome)).Inc()
			if len(q) > 0 {
				qmu.Lock()
				quarantined = append(quarantined, q...)
				qmu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Sessions = outcomes

	sortQuarantined(quarantined)
	if !opts.DryRun {
		for _, f := range quarantined {
			if _, err := p.quarantine.Put(report.RunID, f); err != nil {
				log.Errorf("[Processor] 写入隔离记录失败: %s, err: %v", f.Path, err)
			}
		}
	}
	report.Quarantined = quarantined
	report.FinishedAt = p.now()
	metrics.LastRunTimestamp.Set(float64(report.FinishedAt.Unix()))

	p.mu.Lock()
	p.last = report
	p.mu.Unlock()

	log.Infof("[Processor] 运行 %s 结束, 会话: %d, 上传: %d, 校验: %d, 失败: %d, 隔离文件: %d",
		report.RunID, len(report.Sessions), report.Count(model.OutcomeUploaded), report.Count(model.OutcomeVerified),
		report.Count(model.OutcomeFailed), len(report.Quarantined))
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// processSession 处理单个会话，返回结果以及暂存阶段新增的隔离文件。
func (p *Processor) processSession(ctx context.Context, runID string, opts RunOptions, sess *model.IngestSession) (model.SessionOutcome, []model.QuarantinedFile) {
	out := model.SessionOutcome{Session: sess.Key.String(), Scans: len(sess.Scans)}
	if err := ctx.Err(); err != nil {
		out.Outcome = model.OutcomeAborted
		out.Error = err.Error()
		return out, nil
	}

	if p.waitPeriod > 0 && p.now().Sub(sess.Newest) < p.waitPeriod {
		log.Infof("[Processor] 会话 %s 的最新文件修改于 %s，仍在等待期内，推迟处理", sess.Key, sess.Newest.Format(time.RFC3339))
		out.Outcome = model.OutcomeDeferred
		return out, nil
	}

	// 持锁期间暂存目录不会被其他运行替换
	unlock, err := p.locks.Lock(ctx, stageLockPrefix+p.stager.BundleName(sess.Key))
	if err != nil {
		out.Outcome = model.OutcomeAborted
		out.Error = err.Error()
		return out, nil
	}
	defer unlock()

	start := time.Now()
	res, err := p.stager.Stage(ctx, runID, sess)
	metrics.StageDuration.Observe(time.Since(start).Seconds())
	var quarantined []model.QuarantinedFile
	if res != nil {
		quarantined = res.Quarantined
	}
	if err != nil {
		out.Outcome = model.OutcomeFailed
		if ctx.Err() != nil {
			out.Outcome = model.OutcomeAborted
		}
		out.Error = err.Error()
		log.Errorf("[Processor] 会话 %s 暂存失败: %v", sess.Key, err)
		return out, quarantined
	}
	bundle := res.Bundle
	out.Scans = len(bundle.Scans)
	out.Artifacts = bundle.ArtifactCount()
	out.Digest = bundle.Digest

	if p.audit != nil && !opts.DryRun && len(res.Audit) > 0 {
		if err := p.audit.IndexAudit(ctx, res.Audit); err != nil {
			log.Warnf("[Processor] 写入脱敏审计失败，会话 %s: %v", sess.Key, err)
		}
	}

	switch {
	case opts.DryRun:
		return p.plan(ctx, bundle, out), quarantined
	case opts.Distributed:
		return p.dispatch(ctx, runID, bundle, out), quarantined
	default:
		advanced, err := p.uploads.Advance(ctx, bundle)
		if err != nil {
			log.Errorf("[Processor] 会话 %s 上传未完成: %v", sess.Key, err)
		}
		return advanced, quarantined
	}
}

// plan 只给出决定，不联系远端，也不修改记录。
func (p *Processor) plan(ctx context.Context, bundle *model.StagedBundle, out model.SessionOutcome) model.SessionOutcome {
	decision, rec, err := p.uploads.Plan(ctx, bundle.Key, bundle.Digest)
	if err != nil {
		out.Outcome = model.OutcomeFailed
		out.Error = err.Error()
		return out
	}
	out.Outcome = model.OutcomeStaged
	out.Plan = string(decision)
	if rec != nil {
		out.Status = rec.Status
	}
	log.Infof("[Processor] dry-run: 会话 %s 已暂存于 %s, 计划: %s", bundle.Key, bundle.Dir, decision)
	return out
}

// dispatch 把暂存包上传到对象存储并投递任务。失败且内容未变的会话不投递。
func (p *Processor) dispatch(ctx context.Context, runID string, bundle *model.StagedBundle, out model.SessionOutcome) model.SessionOutcome {
	decision, rec, err := p.uploads.Plan(ctx, bundle.Key, bundle.Digest)
	if err != nil {
		out.Outcome = model.OutcomeFailed
		out.Error = err.Error()
		return out
	}
	out.Plan = string(decision)
	if rec != nil {
		out.Status = rec.Status
	}
	if decision == service.DecisionSkip {
		out.Outcome = model.OutcomeSkipped
		return out
	}
	// worker 只拿到包名，先把包名登记到记录上
	if _, err := p.uploads.Register(ctx, bundle); err != nil {
		out.Outcome = model.OutcomeFailed
		out.Error = fmt.Sprintf("register bundle: %v", err)
		log.Errorf("[Processor] 会话 %s 登记暂存包失败: %v", bundle.Key, err)
		return out
	}
	if err := p.store.Put(ctx, bundle); err != nil {
		out.Outcome = model.OutcomeFailed
		out.Error = fmt.Sprintf("put bundle: %v", err)
		log.Errorf("[Processor] 会话 %s 暂存包上传对象存储失败: %v", bundle.Key, err)
		return out
	}
	task := tasks.SessionTask{RunID: runID, Bundle: bundle.Name, Digest: bundle.Digest}
	if err := p.dispatcher.Dispatch(ctx, task); err != nil {
		out.Outcome = model.OutcomeFailed
		out.Error = fmt.Sprintf("dispatch: %v", err)
		log.Errorf("[Processor] 会话 %s 任务投递失败: %v", bundle.Key, err)
		return out
	}
	out.Outcome = model.OutcomeQueued
	log.Infof("[Processor] 会话 %s 已投递给 worker, 暂存包: %s", bundle.Key, bundle.Name)
	return out
}

// Process 是 worker 处理单个任务的入口：下载暂存包，然后推进状态机。
// 状态机已把失败记录到 UploadRecord 时返回 nil，避免消息被重复消费。
func (p *Processor) Process(ctx context.Context, task tasks.SessionTask) error {
	log.Infof("[Processor] 开始处理任务, 运行: %s, 暂存包: %s", task.RunID, task.Bundle)
	if p.store == nil {
		return errors.New("object storage is not configured")
	}

	// 0. 任务不含原始标识，通过记录找回会话键
	rec, err := p.uploads.RecordByBundle(ctx, task.Bundle)
	if err != nil {
		log.Errorf("[Processor] 找不到暂存包 %s 对应的上传记录: %v", task.Bundle, err)
		return fmt.Errorf("resolve bundle %s: %w", task.Bundle, err)
	}

	// 1. 从对象存储下载暂存包
	dir := filepath.Join(p.cacheDir, task.Bundle)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := p.store.Fetch(ctx, task.Bundle, dir); err != nil {
		log.Errorf("[Processor] 下载暂存包失败, 暂存包: %s, Error: %v", task.Bundle, err)
		return fmt.Errorf("fetch bundle %s: %w", task.Bundle, err)
	}
	defer os.RemoveAll(dir)

	// 2. 读取清单并核对摘要
	bundle, err := LoadBundle(dir)
	if err != nil {
		return fmt.Errorf("load bundle %s: %w", task.Bundle, err)
	}
	if bundle.Name != task.Bundle {
		return fmt.Errorf("bundle %s carries manifest for %s", task.Bundle, bundle.Name)
	}
	bundle.Key = rec.Key()
	if bundle.Digest != task.Digest {
		// 任务投递后会话又被重新暂存，以对象存储中的最新内容为准
		log.Warnf("[Processor] 暂存包 %s 的摘要与任务不一致，使用最新内容", task.Bundle)
	}

	// 3. 推进状态机
	out, err := p.uploads.Advance(ctx, bundle)
	metrics.SessionsProcessed.WithLabelValues(string(out.Outcome)).Inc()
	if err != nil {
		if errors.Is(err, service.ErrSessionFailed) {
			log.Errorf("[Processor] 会话 %s 标记为 failed: %s", bundle.Key, out.Error)
			return nil
		}
		return err
	}
	log.Infof("[Processor] 任务处理完成, 会话: %s, 结果: %s", bundle.Key, out.Outcome)
	return nil
}

func sortQuarantined(q []model.QuarantinedFile) {
	sort.Slice(q, func(i, j int) bool {
		if q[i].Path != q[j].Path {
			return q[i].Path < q[j].Path
		}
		return q[i].Reason < q[j].Reason
	})
}
