package service

import (
	"context"
	"fmt"
	"sort"

	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/xnat"
)

// Problem 是暂存包与远端之间的一类差异。
type Problem string

const (
	ProblemMissingSession  Problem = "missing-session"
	ProblemMissingScan     Problem = "missing-scan"
	ProblemMissingResource Problem = "missing-resource"
	ProblemMissingFile     Problem = "missing-file"
	ProblemExtraFile       Problem = "extra-file"
	ProblemChecksum        Problem = "checksum-mismatch"
)

// Mismatch 是一处差异。
type Mismatch struct {
	Problem  Problem `json:"problem" yaml:"problem"`
	Scan     string  `json:"scan,omitempty" yaml:"scan,omitempty"`
	Resource string  `json:"resource,omitempty" yaml:"resource,omitempty"`
	File     string  `json:"file,omitempty" yaml:"file,omitempty"`
}

func (m Mismatch) String() string {
	switch {
	case m.File != "":
		return fmt.Sprintf("%s %s/%s/%s", m.Problem, m.Scan, m.Resource, m.File)
	case m.Resource != "":
		return fmt.Sprintf("%s %s/%s", m.Problem, m.Scan, m.Resource)
	case m.Scan != "":
		return fmt.Sprintf("%s %s", m.Problem, m.Scan)
	}
	return string(m.Problem)
}

// CheckResult 是一个暂存包的核对结果。
type CheckResult struct {
	Bundle     string     `json:"bundle" yaml:"bundle"`
	SessionID  string     `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	Files      int        `json:"files" yaml:"files"`
	Mismatches []Mismatch `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK 表示远端与暂存包一致。
func (r CheckResult) OK() bool {
	return r.Error == "" && len(r.Mismatches) == 0
}

// CheckRemote 是核对所需的远端只读操作，由 xnat.Client 实现。
type CheckRemote interface {
	FindSession(ctx context.Context, subject, studyUID string) (string, bool, error)
	ListScans(ctx context.Context, sessionID string) ([]string, error)
	ListFiles(ctx context.Context, sessionID, scan, resource string) ([]xnat.RemoteFile, error)
}

// CheckService 把暂存包与远端仓库逐个文件核对，不修改任何一方。
type CheckService interface {
	Check(ctx context.Context, bundle *model.StagedBundle) (CheckResult, error)
}

type checkService struct {
	remote CheckRemote
}

// NewCheckService 创建一个新的 CheckService 实例。
func NewCheckService(remote CheckRemote) CheckService {
	return &checkService{remote: remote}
}

// Check 依次确认会话、扫描、资源存在，并比对每个文件的校验和。
// 远端未提供校验和时比较文件大小。
func (s *checkService) Check(ctx context.Context, bundle *model.StagedBundle) (CheckResult, error) {
	res := CheckResult{Bundle: bundle.Name}
	sessionID, found, err := s.remote.FindSession(ctx, bundle.SubjectLabel, bundle.StudyUID)
	if err != nil {
		return res, err
	}
	if !found {
		res.Mismatches = append(res.Mismatches, Mismatch{Problem: ProblemMissingSession})
		log.Warnf("[CheckService] 暂存包 %s 在远端没有对应会话", bundle.Name)
		return res, nil
	}
	res.SessionID = sessionID

	ids, err := s.remote.ListScans(ctx, sessionID)
	if err != nil {
		return res, err
	}
	remoteScans := make(map[string]bool, len(ids))
	for _, id := range ids {
		remoteScans[id] = true
	}

	scans := append([]model.ScanBundle(nil), bundle.Scans...)
	sort.SliceStable(scans, func(i, j int) bool { return scans[i].Label < scans[j].Label })
	for _, scan := range scans {
		if !remoteScans[scan.Label] {
			res.Mismatches = append(res.Mismatches, Mismatch{Problem: ProblemMissingScan, Scan: scan.Label})
			continue
		}
		byResource := groupByResource(scan.Artifacts)
		resources := make([]string, 0, len(byResource))
		for r := range byResource {
			resources = append(resources, string(r))
		}
		sort.Strings(resources)

		for _, resource := range resources {
			remote, err := s.remote.ListFiles(ctx, sessionID, scan.Label, resource)
			if err != nil {
				return res, err
			}
			if len(remote) == 0 {
				res.Mismatches = append(res.Mismatches, Mismatch{Problem: ProblemMissingResource, Scan: scan.Label, Resource: resource})
				continue
			}
			res.Mismatches = append(res.Mismatches, compareFiles(scan.Label, resource, byResource[model.Resource(resource)], remote)...)
			res.Files += len(byResource[model.Resource(resource)])
		}
	}

	if res.OK() {
		log.Infof("[CheckService] 暂存包 %s 与远端会话 %s 一致", bundle.Name, sessionID)
	} else {
		log.Warnf("[CheckService] 暂存包 %s 与远端会话 %s 存在 %d 处差异", bundle.Name, sessionID, len(res.Mismatches))
	}
	return res, nil
}

func compareFiles(scan, resource string, artifacts []model.Artifact, remote []xnat.RemoteFile) []Mismatch {
	var out []Mismatch
	byName := make(map[string]xnat.RemoteFile, len(remote))
	for _, f := range remote {
		byName[f.Name] = f
	}
	local := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		local[a.Name] = true
		f, ok := byName[a.Name]
		switch {
		case !ok:
			out = append(out, Mismatch{Problem: ProblemMissingFile, Scan: scan, Resource: resource, File: a.Name})
		case !sameContent(f, a):
			out = append(out, Mismatch{Problem: ProblemChecksum, Scan: scan, Resource: resource, File: a.Name})
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		if !local[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, Mismatch{Problem: ProblemExtraFile, Scan: scan, Resource: resource, File: name})
	}
	return out
}
