package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/dicomheader"
	"xnat-ingest-go/pkg/log"
)

// Classifier 遍历导出目录并判定每个文件的类型，只读不写。
type Classifier struct {
	cfg       config.ClassifyConfig
	recursive bool
	subdirs   []string
	skipDirs  []string
	reader    dicomheader.Reader
	dicomExt  map[string]bool
	listExt   map[string]bool
	ignoreExt map[string]bool
}

// NewClassifier 创建 Classifier。skipDirs 中的目录（例如暂存与隔离目录）不会被遍历。
func NewClassifier(cfg config.ClassifyConfig, ingest config.IngestConfig, reader dicomheader.Reader, skipDirs ...string) *Classifier {
	c := &Classifier{
		cfg:       cfg,
		recursive: ingest.Recursive,
		subdirs:   ingest.Subdirs,
		reader:    reader,
		dicomExt:  extSet(cfg.DicomExtensions),
		listExt:   extSet(cfg.ListModeExtensions),
		ignoreExt: extSet(cfg.IgnoreExtensions),
	}
	if c.cfg.ProbeBytes <= 0 {
		c.cfg.ProbeBytes = 64 * 1024
	}
	for _, d := range skipDirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			c.skipDirs = append(c.skipDirs, abs)
		}
	}
	return c
}

func extSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[e] = true
	}
	return m
}

// Classify 返回按路径排序的文件列表以及逐文件的分类错误。根目录不可读时返回 error。
func (c *Classifier) Classify(root string) ([]model.RawFile, []*ClassificationError, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, fmt.Errorf("export root: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("export root %s is not a directory", root)
	}

	var (
		files []model.RawFile
		errs  []*ClassificationError
	)
	visit := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			errs = append(errs, &ClassificationError{Path: path, Err: walkErr})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || c.skipped(path)) {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			errs = append(errs, &ClassificationError{Path: path, Err: err})
			return nil
		}
		typ, err := c.classifyFile(path)
		if err != nil {
			errs = append(errs, &ClassificationError{Path: path, Err: err})
			return nil
		}
		files = append(files, model.RawFile{Path: path, Type: typ, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	}

	if c.recursive || len(c.subdirs) == 0 {
		if c.recursive {
			err = filepath.WalkDir(root, visit)
		} else {
			err = walkFlat(root, visit)
		}
	} else {
		for _, sub := range c.subdirs {
			dir := filepath.Join(root, sub)
			if _, statErr := os.Stat(dir); statErr != nil {
				log.Warnf("[Classifier] 子目录 %s 不存在，跳过", dir)
				continue
			}
			if err = walkFlat(dir, visit); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return files, errs, nil
}

// walkFlat 只访问 dir 下的直接文件。
func walkFlat(dir string, fn fs.WalkDirFunc) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := fn(filepath.Join(dir, e.Name()), e, nil); err != nil && !errors.Is(err, fs.SkipDir) {
			return err
		}
	}
	return nil
}

func (c *Classifier) skipped(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, d := range c.skipDirs {
		if abs == d {
			return true
		}
	}
	return false
}

// classifyFile 先看扩展名，再探测文件内容。
func (c *Classifier) classifyFile(path string) (model.FileType, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case c.dicomExt[ext]:
		return model.FileDicom, nil
	case c.listExt[ext]:
		return model.FileListMode, nil
	case c.ignoreExt[ext]:
		return model.FileUnknown, nil
	}

	isDicom, err := dicomheader.Probe(path)
	if err != nil {
		return "", err
	}
	if isDicom {
		// 带前导的文件必须能读出头信息，否则视为不可读
		if _, err := c.reader.Read(path); err != nil {
			return "", err
		}
		return model.FileDicom, nil
	}
	head, err := readHead(path, c.cfg.ProbeBytes)
	if err != nil {
		return "", err
	}
	for _, sig := range c.cfg.ListModeSignatures {
		if sig != "" && bytes.Contains(head, []byte(sig)) {
			return model.FileListMode, nil
		}
	}
	return model.FileUnknown, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}
