package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/metrics"
)

const sidecarSuffix = ".reason.yaml"

// sidecar 是写在隔离文件旁边的说明。
type sidecar struct {
	model.QuarantinedFile `yaml:",inline"`
	RunID                 string    `yaml:"run_id"`
	Moved                 bool      `yaml:"moved"`
	CreatedAt             time.Time `yaml:"created_at"`
}

// Quarantine 把隔离文件记录到 <dir>/<reason>/ 下。
// move 为 false 时只写说明文件，导出目录保持只读。
type Quarantine struct {
	dir  string
	move bool
}

// NewQuarantine 创建隔离区。
func NewQuarantine(dir string, move bool) *Quarantine {
	return &Quarantine{dir: dir, move: move}
}

// Put 记录一个隔离文件，返回写入的说明文件路径。
func (q *Quarantine) Put(runID string, f model.QuarantinedFile) (string, error) {
	metrics.FilesQuarantined.WithLabelValues(string(f.Reason)).Inc()
	dir := filepath.Join(q.dir, string(f.Reason))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	// 不同目录下可能有同名文件，用源路径的摘要区分
	sum := md5.Sum([]byte(f.Path))
	base := fmt.Sprintf("%s_%s", hex.EncodeToString(sum[:4]), filepath.Base(f.Path))

	sc := sidecar{QuarantinedFile: f, RunID: runID, CreatedAt: time.Now().UTC()}
	if q.move {
		if err := moveFile(f.Path, filepath.Join(dir, base)); err != nil {
			log.Warnf("[Quarantine] 移动文件失败，仅记录说明: %s, err: %v", f.Path, err)
		} else {
			sc.Moved = true
		}
	}
	data, err := yaml.Marshal(sc)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, base+sidecarSuffix)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	log.Infof("[Quarantine] 文件已隔离: %s, 原因: %s", f.Path, f.Reason)
	return p, nil
}

// moveFile 先尝试 rename，跨设备时退化为复制后删除。
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		in.Close()
		return err
	}
	_, err = io.Copy(out, in)
	in.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
