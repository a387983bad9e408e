// Package dicomheader 把 DICOM 文件头解析为显式的 tag → 值 映射。
// 所有 DICOM 二进制解析都委托给 suyashkumar/dicom，本包只负责类型转换和缓存。
package dicomheader

import (
	"fmt"
	"strings"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Kind 标识 Value 中实际承载的数据类型。
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindDate
	KindSequence
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDate:
		return "date"
	case KindSequence:
		return "sequence"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value 是一个带类型标记的头字段值。
// Date 类型（DA/DT/TM）保留原始字符串，按需解析为 time.Time。
type Value struct {
	Kind    Kind
	VR      string
	Strings []string
	Ints    []int
	Floats  []float64
	// Items 对 sequence 是条目数，对 bytes 是字节数。
	Items int
}

// String 返回值的文本形式，多值用反斜杠连接（与 DICOM 编码一致）。
func (v Value) String() string {
	switch v.Kind {
	case KindString, KindDate:
		return strings.Join(v.Strings, `\`)
	case KindInt:
		parts := make([]string, len(v.Ints))
		for i, n := range v.Ints {
			parts[i] = fmt.Sprintf("%d", n)
		}
		return strings.Join(parts, `\`)
	case KindFloat:
		parts := make([]string, len(v.Floats))
		for i, f := range v.Floats {
			parts[i] = fmt.Sprintf("%g", f)
		}
		return strings.Join(parts, `\`)
	default:
		return ""
	}
}

// Record 是从单个 DICOM 文件读取的头信息。
type Record struct {
	Path   string
	Values map[tag.Tag]Value
}

// NewRecord 创建一个空的 Record，主要供测试和假实现使用。
func NewRecord(path string) *Record {
	return &Record{Path: path, Values: make(map[tag.Tag]Value)}
}

// Set 写入一个字符串值，VR 取自字典中的定义。
func (r *Record) Set(t tag.Tag, values ...string) {
	vr := DictVR(t)
	kind := KindString
	if isDateVR(vr) {
		kind = KindDate
	}
	r.Values[t] = Value{Kind: kind, VR: vr, Strings: values}
}

// Has 判断记录中是否存在该 tag。
func (r *Record) Has(t tag.Tag) bool {
	_, ok := r.Values[t]
	return ok
}

// Get 返回 tag 对应的值。
func (r *Record) Get(t tag.Tag) (Value, bool) {
	v, ok := r.Values[t]
	return v, ok
}

// String 返回 tag 的第一个值（去除首尾空白）；不存在时返回空字符串。
func (r *Record) String(t tag.Tag) string {
	v, ok := r.Values[t]
	if !ok {
		return ""
	}
	switch v.Kind {
	case KindString, KindDate:
		if len(v.Strings) == 0 {
			return ""
		}
		return strings.TrimSpace(v.Strings[0])
	default:
		return strings.TrimSpace(v.String())
	}
}

// Strings 返回 tag 的全部字符串值。
func (r *Record) Strings(t tag.Tag) []string {
	v, ok := r.Values[t]
	if !ok {
		return nil
	}
	return v.Strings
}

// PatientName 将 PN 值拆分为 family 与 given 两部分。
func (r *Record) PatientName() (family, given string) {
	parts := strings.Split(r.String(tag.PatientName), "^")
	if len(parts) > 0 {
		family = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		given = strings.TrimSpace(parts[1])
	}
	return family, given
}

// Time 解析单个 DA/DT 字段。
func (r *Record) Time(t tag.Tag) (time.Time, bool) {
	s := r.String(t)
	if s == "" {
		return time.Time{}, false
	}
	ts, err := ParseDateTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// AcquisitionTime 按优先级返回采集时间：
// AcquisitionDateTime → AcquisitionDate+AcquisitionTime → SeriesDate+SeriesTime → StudyDate+StudyTime。
func (r *Record) AcquisitionTime() (time.Time, bool) {
	if dt := r.String(tag.AcquisitionDateTime); dt != "" {
		if ts, err := ParseDateTime(dt); err == nil {
			return ts, true
		}
	}
	pairs := [][2]tag.Tag{
		{tag.AcquisitionDate, tag.AcquisitionTime},
		{tag.SeriesDate, tag.SeriesTime},
		{tag.StudyDate, tag.StudyTime},
	}
	for _, p := range pairs {
		d, tm := r.String(p[0]), r.String(p[1])
		if d == "" {
			continue
		}
		if ts, err := ParseDateTime(d + tm); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ParseDateTime 解析 DA、DA+TM 或 DT 格式的字符串，统一按 UTC 处理。
// 时区偏移与小数秒会被忽略。
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	if len(s) < 8 {
		return time.Time{}, fmt.Errorf("invalid DICOM date/time %q", s)
	}
	date, clock := s[:8], s[8:]
	if len(clock) > 6 {
		clock = clock[:6]
	}
	for len(clock) < 6 {
		clock += "0"
	}
	return time.ParseInLocation("20060102150405", date+clock, time.UTC)
}

// TagName 返回 tag 的字典关键字，私有或未知 tag 返回 (GGGG,EEEE) 形式。
func TagName(t tag.Tag) string {
	if info, err := tag.Find(t); err == nil && info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// DictVR 返回字典中 tag 的首选 VR，未知 tag 返回空串。
func DictVR(t tag.Tag) string {
	if info, err := tag.Find(t); err == nil && info.VR != "" {
		return info.VR
	}
	return ""
}

func isDateVR(vr string) bool {
	return vr == "DA" || vr == "DT" || vr == "TM"
}
