package model

import "time"

// Outcome 是一个会话在本次运行中的结果。
type Outcome string

const (
	OutcomeUploaded Outcome = "uploaded"
	// OutcomeVerified 表示记录已完成且远端仍存在，没有传输数据。
	OutcomeVerified Outcome = "verified"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDeferred Outcome = "deferred"
	OutcomeStaged   Outcome = "staged"
	OutcomeQueued   Outcome = "queued"
	OutcomeFailed   Outcome = "failed"
	OutcomeAborted  Outcome = "aborted"
)

// SessionOutcome 描述单个会话的处理结果。
type SessionOutcome struct {
	Session   string       `json:"session" yaml:"session"`
	Outcome   Outcome      `json:"outcome" yaml:"outcome"`
	Status    UploadStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Scans     int          `json:"scans" yaml:"scans"`
	Artifacts int          `json:"artifacts" yaml:"artifacts"`
	// Transferred 是本次实际上传的文件数。
	Transferred int    `json:"transferred" yaml:"transferred"`
	Digest      string `json:"digest,omitempty" yaml:"digest,omitempty"`
	// Plan 是 dry-run 或分布式模式下 Plan 给出的决定。
	Plan  string `json:"plan,omitempty" yaml:"plan,omitempty"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunReport 是一次运行的终态报告。
type RunReport struct {
	RunID       string            `json:"runId" yaml:"run_id"`
	DryRun      bool              `json:"dryRun" yaml:"dry_run"`
	StartedAt   time.Time         `json:"startedAt" yaml:"started_at"`
	FinishedAt  time.Time         `json:"finishedAt" yaml:"finished_at"`
	Classified  map[FileType]int  `json:"classified" yaml:"classified"`
	Sessions    []SessionOutcome  `json:"sessions" yaml:"sessions"`
	Quarantined []QuarantinedFile `json:"quarantined" yaml:"quarantined"`
	Ignored     []string          `json:"ignored" yaml:"ignored"`
}

// Failed 判断是否有会话失败。
func (r *RunReport) Failed() bool {
	for _, s := range r.Sessions {
		if s.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// Count 统计某种结果的会话数。
func (r *RunReport) Count(o Outcome) int {
	n := 0
	for _, s := range r.Sessions {
		if s.Outcome == o {
			n++
		}
	}
	return n
}
