package pipeline

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"xnat-ingest-go/internal/deid"
	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/log"
)

const (
	prestageDir  = ".prestage"
	manifestName = "manifest.yaml"
	labelLength  = 16
)

// ErrEmptySession 表示会话没有任何可暂存的扫描。
var ErrEmptySession = errors.New("empty session")

// StageResult 是一次暂存的结果。
type StageResult struct {
	Bundle      *model.StagedBundle
	Quarantined []model.QuarantinedFile
	Audit       []model.AuditDocument
}

// Stager 把会话脱敏后写入暂存目录：先写 .prestage/<name>，全部成功后再重命名。
type Stager struct {
	dir  string
	deid *deid.Deidentifier
}

// NewStager 创建 Stager。
func NewStager(dir string, d *deid.Deidentifier) *Stager {
	return &Stager{dir: dir, deid: d}
}

// BundleName 返回会话的脱敏目录名 <hash(subject)>_<hash(study)>。
func (s *Stager) BundleName(key model.SessionKey) string {
	h := s.deid.Hasher()
	return h.Hex(key.SubjectID, labelLength) + "_" + h.Hex(key.StudyUID, labelLength)
}

// Stage 暂存一个会话。单个文件脱敏失败只隔离该文件；没有可暂存扫描时返回 StagingError。
func (s *Stager) Stage(ctx context.Context, runID string, sess *model.IngestSession) (*StageResult, error) {
	name := s.BundleName(sess.Key)
	pre := filepath.Join(s.dir, prestageDir, name)
	final := filepath.Join(s.dir, name)
	if err := os.RemoveAll(pre); err != nil {
		return nil, &StagingError{Key: sess.Key, Err: err}
	}
	if err := os.MkdirAll(pre, 0o755); err != nil {
		return nil, &StagingError{Key: sess.Key, Err: err}
	}

	res := &StageResult{}
	bundle := &model.StagedBundle{
		Key:          sess.Key,
		Name:         name,
		SubjectLabel: s.deid.Hasher().Hex(sess.Key.SubjectID, labelLength),
		StudyUID:     s.deid.Apply(tag.StudyInstanceUID, sess.Key.StudyUID),
	}
	if bundle.StudyUID == "" {
		bundle.StudyUID = s.deid.Hasher().UID(sess.Key.StudyUID)
	}

	for _, scan := range sess.Scans {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(pre)
			return nil, err
		}
		sb, q, audit, err := s.stageScan(pre, runID, name, sess.Key, scan)
		res.Quarantined = append(res.Quarantined, q...)
		res.Audit = append(res.Audit, audit...)
		if err != nil {
			_ = os.RemoveAll(pre)
			return nil, &StagingError{Key: sess.Key, Err: err}
		}
		if sb != nil {
			bundle.Scans = append(bundle.Scans, *sb)
		}
	}

	if len(bundle.Scans) == 0 {
		_ = os.RemoveAll(pre)
		return res, &StagingError{Key: sess.Key, Err: ErrEmptySession}
	}

	digests := make([]string, len(bundle.Scans))
	for i, sb := range bundle.Scans {
		digests[i] = sb.Digest
	}
	sort.Strings(digests)
	h, _ := blake2b.New256(nil)
	for _, d := range digests {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	bundle.Digest = hex.EncodeToString(h.Sum(nil))

	if err := writeManifest(filepath.Join(pre, manifestName), bundle); err != nil {
		_ = os.RemoveAll(pre)
		return nil, &StagingError{Key: sess.Key, Err: err}
	}
	if err := os.RemoveAll(final); err != nil {
		return nil, &StagingError{Key: sess.Key, Err: err}
	}
	if err := os.Rename(pre, final); err != nil {
		return nil, &StagingError{Key: sess.Key, Err: err}
	}
	bundle.Dir = final
	res.Bundle = bundle
	log.Infof("[Stager] 会话 %s 暂存完成: %s, %d 个扫描, %d 个文件", sess.Key, name, len(bundle.Scans), bundle.ArtifactCount())
	return res, nil
}

func (s *Stager) stageScan(pre, runID, bundleName string, key model.SessionKey, scan *model.ScanGroup) (*model.ScanBundle, []model.QuarantinedFile, []model.AuditDocument, error) {
	var (
		quarantined []model.QuarantinedFile
		audit       []model.AuditDocument
		artifacts   []model.Artifact
	)
	scanDir := filepath.Join(pre, scan.Label)

	for _, f := range scan.Files {
		rel := path.Join(scan.Label, string(model.ResourceDICOM), fmt.Sprintf("%04d.dcm", len(artifacts)+1))
		dst := filepath.Join(pre, filepath.FromSlash(rel))
		art, err := s.deid.Deidentify(f.Path, dst)
		if err != nil {
			log.Warnf("[Stager] 文件脱敏失败，隔离: %v", err)
			quarantined = append(quarantined, model.QuarantinedFile{
				Path: f.Path, Reason: model.ReasonDeidentifyFailed, Detail: err.Error(), Session: key.String(),
			})
			continue
		}
		a, err := describe(dst, rel, model.ResourceDICOM)
		if err != nil {
			return nil, quarantined, audit, err
		}
		artifacts = append(artifacts, a)
		audit = append(audit, model.AuditDocument{
			RunID:     runID,
			Bundle:    bundleName,
			Scan:      scan.Label,
			Artifact:  rel,
			Changes:   art.Manifest,
			CreatedAt: time.Now(),
		})
	}

	if len(artifacts) == 0 {
		// 没有 DICOM 的扫描无法上传，其 list-mode 文件一并隔离
		for _, f := range scan.ListMode {
			quarantined = append(quarantined, model.QuarantinedFile{
				Path: f.Path, Reason: model.ReasonIncompleteScan, Detail: "no DICOM in scan " + scan.Label, Session: key.String(),
			})
		}
		_ = os.RemoveAll(scanDir)
		log.Warnf("[Stager] 会话 %s 的扫描 %s 没有可用的 DICOM 文件，已丢弃", key, scan.Label)
		return nil, quarantined, audit, nil
	}

	n := 0
	for _, f := range scan.ListMode {
		ext := strings.ToLower(filepath.Ext(f.Path))
		rel := path.Join(scan.Label, string(model.ResourceListMode), fmt.Sprintf("%04d%s", n+1, ext))
		dst := filepath.Join(pre, filepath.FromSlash(rel))
		if err := copyFile(f.Path, dst); err != nil {
			var srcErr *sourceError
			if errors.As(err, &srcErr) {
				quarantined = append(quarantined, model.QuarantinedFile{
					Path: f.Path, Reason: model.ReasonUnreadable, Detail: err.Error(), Session: key.String(),
				})
				continue
			}
			return nil, quarantined, audit, err
		}
		a, err := describe(dst, rel, model.ResourceListMode)
		if err != nil {
			return nil, quarantined, audit, err
		}
		artifacts = append(artifacts, a)
		n++
	}

	digest, err := scanDigest(pre, artifacts)
	if err != nil {
		return nil, quarantined, audit, err
	}
	return &model.ScanBundle{
		Label:       scan.Label,
		SeriesUID:   s.deid.Apply(tag.SeriesInstanceUID, scan.SeriesUID),
		Description: s.deid.Apply(tag.SeriesDescription, scan.Description),
		Modality:    scan.Modality,
		Digest:      digest,
		Artifacts:   artifacts,
	}, quarantined, audit, nil
}

// describe 计算产物的大小与 MD5。
func describe(p, rel string, res model.Resource) (model.Artifact, error) {
	f, err := os.Open(p)
	if err != nil {
		return model.Artifact{}, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return model.Artifact{}, err
	}
	return model.Artifact{
		Name:     path.Base(rel),
		Resource: res,
		Path:     rel,
		Size:     n,
		MD5:      hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// scanDigest 对按路径排序的 (名称, 内容) 计算 BLAKE2b-256。
func scanDigest(root string, artifacts []model.Artifact) (string, error) {
	sorted := append([]model.Artifact(nil), artifacts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h, _ := blake2b.New256(nil)
	var size [8]byte
	for _, a := range sorted {
		// 名称不含扫描标签，标签变化不影响内容摘要
		name := strings.TrimPrefix(a.Path, path.Dir(path.Dir(a.Path))+"/")
		h.Write([]byte(name))
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(size[:], uint64(a.Size))
		h.Write(size[:])
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(a.Path)))
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type sourceError struct{ err error }

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// copyFile 原样复制文件。源文件错误包装为 sourceError。
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &sourceError{err: err}
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeManifest(p string, b *model.StagedBundle) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// ListBundles 返回暂存目录下所有带清单的暂存包目录，按名称排序。
func ListBundles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(p, manifestName)); err != nil {
			continue
		}
		dirs = append(dirs, p)
	}
	return dirs, nil
}

// LoadBundle 从暂存目录读取 manifest.yaml，用于分布式 worker 下载后恢复暂存包，也用于核对远端。
func LoadBundle(dir string) (*model.StagedBundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var b model.StagedBundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestName, err)
	}
	b.Dir = dir
	return &b, nil
}
