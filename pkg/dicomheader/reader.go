package dicomheader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ParseError 表示文件无法被解析为 DICOM 头。
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse DICOM header %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Reader 给定文件路径返回头信息。
type Reader interface {
	Read(path string) (*Record, error)
}

// FileReader 使用 suyashkumar/dicom 读取文件头，跳过像素数据。
type FileReader struct{}

// NewReader 创建一个新的 FileReader。
func NewReader() *FileReader {
	return &FileReader{}
}

// Read 解析 path 指向的 DICOM 文件。
func (r *FileReader) Read(path string) (*Record, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		// 部分厂商私有 tag 缺少 VR 时库会在读到一半时返回 unexpected EOF，
		// 此时已读出的数据集仍可用，只要身份字段存在。
		if !isTruncated(err) || len(ds.Elements) == 0 {
			return nil, &ParseError{Path: path, Err: err}
		}
		if _, findErr := ds.FindElementByTag(tag.StudyInstanceUID); findErr != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
	}
	return FromDataset(path, ds), nil
}

func isTruncated(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "unexpected EOF")
}

// FromDataset 把解析好的数据集转换为 Record。
func FromDataset(path string, ds dicom.Dataset) *Record {
	rec := NewRecord(path)
	for _, el := range ds.Elements {
		if el == nil || el.Value == nil {
			continue
		}
		v, ok := convert(el)
		if !ok {
			continue
		}
		rec.Values[el.Tag] = v
	}
	return rec
}

func convert(el *dicom.Element) (Value, bool) {
	vr := el.RawValueRepresentation
	switch el.Value.ValueType() {
	case dicom.Strings:
		strs, _ := el.Value.GetValue().([]string)
		kind := KindString
		if isDateVR(vr) {
			kind = KindDate
		}
		return Value{Kind: kind, VR: vr, Strings: strs}, true
	case dicom.Ints:
		ints, _ := el.Value.GetValue().([]int)
		return Value{Kind: KindInt, VR: vr, Ints: ints}, true
	case dicom.Floats:
		floats, _ := el.Value.GetValue().([]float64)
		return Value{Kind: KindFloat, VR: vr, Floats: floats}, true
	case dicom.Sequences:
		items, _ := el.Value.GetValue().([]*dicom.SequenceItemValue)
		return Value{Kind: KindSequence, VR: vr, Items: len(items)}, true
	case dicom.Bytes:
		b, _ := el.Value.GetValue().([]byte)
		return Value{Kind: KindBytes, VR: vr, Items: len(b)}, true
	default:
		// 像素数据等不参与分组
		return Value{}, false
	}
}

// Probe 检查文件是否带有 Part 10 前导（偏移 128 处的 "DICM"）。
func Probe(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 132)
	n, err := io.ReadFull(f, head)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return n == 132 && bytes.Equal(head[128:132], []byte("DICM")), nil
}

// CachedReader 为一次运行缓存解析结果，避免重复解析同一文件。可并发使用。
type CachedReader struct {
	inner   Reader
	mu      sync.Mutex
	entries map[string]cacheEntry
	misses  int
}

type cacheEntry struct {
	rec *Record
	err error
}

// NewCachedReader 包装一个 Reader。
func NewCachedReader(inner Reader) *CachedReader {
	return &CachedReader{inner: inner, entries: make(map[string]cacheEntry)}
}

// Read 返回缓存的结果，首次访问时调用底层 Reader。解析失败同样被缓存。
func (c *CachedReader) Read(path string) (*Record, error) {
	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		c.mu.Unlock()
		return e.rec, e.err
	}
	c.misses++
	c.mu.Unlock()

	rec, err := c.inner.Read(path)

	c.mu.Lock()
	c.entries[path] = cacheEntry{rec: rec, err: err}
	c.mu.Unlock()
	return rec, err
}

// Misses 返回实际解析的次数。
func (c *CachedReader) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
