package deid

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/dicomheader"
	"xnat-ingest-go/pkg/log"
)

// DeidentifyError 表示某个文件无法被脱敏，该文件会被隔离。
type DeidentifyError struct {
	Path string
	Err  error
}

func (e *DeidentifyError) Error() string {
	return fmt.Sprintf("deidentify %s: %v", e.Path, e.Err)
}

func (e *DeidentifyError) Unwrap() error { return e.Err }

// ErrResidualValue 表示输出中仍残留应被删除或哈希的原值。
var ErrResidualValue = errors.New("residual identifying value in output")

// Artifact 是一个脱敏后的文件及其变更清单。
type Artifact struct {
	Source   string
	Path     string
	Manifest []model.FieldChange
}

// Deidentifier 按 Policy 重写 DICOM 数据集。
type Deidentifier struct {
	policy *Policy
	hasher *Hasher
}

// New 创建一个 Deidentifier。
func New(policy *Policy, hasher *Hasher) *Deidentifier {
	return &Deidentifier{policy: policy, hasher: hasher}
}

// Hasher 返回使用的哈希器，暂存目录名也用它生成。
func (d *Deidentifier) Hasher() *Hasher {
	return d.hasher
}

// Apply 返回策略作用于单个值的结果，remove 返回空串。
func (d *Deidentifier) Apply(t tag.Tag, value string) string {
	if d.policy.RemovePrivate && t.Group%2 == 1 {
		return ""
	}
	rule := d.policy.Rule(t)
	switch rule.Action {
	case ActionRemove:
		return ""
	case ActionReplace:
		return rule.Value
	case ActionHash:
		return d.hasher.Value(dicomheader.DictVR(t), value)
	case ActionYear:
		return truncateToYear(value)
	default:
		return value
	}
}

// Deidentify 读取 src，按策略改写后写入 dst，并校验输出。src 不会被修改。
func (d *Deidentifier) Deidentify(src, dst string) (*Artifact, error) {
	ds, err := dicom.ParseFile(src, nil)
	if err != nil {
		return nil, &DeidentifyError{Path: src, Err: err}
	}
	original := dicomheader.FromDataset(src, ds)

	out, manifest, err := d.apply(ds)
	if err != nil {
		return nil, &DeidentifyError{Path: src, Err: err}
	}
	if err := d.write(dst, out); err != nil {
		return nil, &DeidentifyError{Path: src, Err: err}
	}
	if err := d.verify(original, dst); err != nil {
		_ = os.Remove(dst)
		return nil, &DeidentifyError{Path: src, Err: err}
	}
	return &Artifact{Source: src, Path: dst, Manifest: manifest}, nil
}

// apply 返回改写后的数据集与变更清单，清单只记录 tag 与动作。
func (d *Deidentifier) apply(ds dicom.Dataset) (dicom.Dataset, []model.FieldChange, error) {
	var (
		elems    []*dicom.Element
		manifest []model.FieldChange
		newSOP   string
	)
	for _, el := range ds.Elements {
		if el == nil {
			continue
		}
		t := el.Tag
		if t.Group == 0x0002 {
			elems = append(elems, el)
			continue
		}
		if d.policy.RemovePrivate && t.Group%2 == 1 {
			manifest = append(manifest, change(t, "remove-private"))
			continue
		}
		rule := d.policy.Rule(t)
		switch rule.Action {
		case ActionKeep:
			elems = append(elems, el)
			continue
		case ActionRemove:
			manifest = append(manifest, change(t, string(ActionRemove)))
			continue
		}

		var strs []string
		ok := false
		if el.Value != nil {
			strs, ok = el.Value.GetValue().([]string)
		}
		if !ok {
			// 非字符串值无法 replace/hash，直接删除
			manifest = append(manifest, change(t, string(ActionRemove)))
			continue
		}
		replaced := make([]string, len(strs))
		for i, s := range strs {
			switch rule.Action {
			case ActionReplace:
				replaced[i] = rule.Value
			case ActionHash:
				replaced[i] = d.hasher.Value(el.RawValueRepresentation, strings.TrimSpace(s))
			case ActionYear:
				replaced[i] = truncateToYear(s)
			}
		}
		if rule.Action == ActionYear && len(replaced) == 1 && replaced[0] == "" {
			manifest = append(manifest, change(t, string(ActionRemove)))
			continue
		}
		v, err := dicom.NewValue(replaced)
		if err != nil {
			return dicom.Dataset{}, nil, fmt.Errorf("%s: %w", dicomheader.TagName(t), err)
		}
		cp := *el
		cp.Value = v
		elems = append(elems, &cp)
		manifest = append(manifest, change(t, string(rule.Action)))
		if t == tag.SOPInstanceUID && len(replaced) > 0 {
			newSOP = replaced[0]
		}
	}

	// SOPInstanceUID 被改写时同步文件元信息
	if newSOP != "" {
		for i, el := range elems {
			if el.Tag == tag.MediaStorageSOPInstanceUID {
				v, err := dicom.NewValue([]string{newSOP})
				if err != nil {
					return dicom.Dataset{}, nil, err
				}
				cp := *el
				cp.Value = v
				elems[i] = &cp
			}
		}
	}
	return dicom.Dataset{Elements: elems}, manifest, nil
}

func (d *Deidentifier) write(dst string, ds dicom.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := dicom.Write(f, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		f.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("write: %w", err)
	}
	return f.Close()
}

// verify 重新读取输出文件，确认 remove/hash 字段不再包含原值，keep 字段保持不变。
func (d *Deidentifier) verify(original *dicomheader.Record, dst string) error {
	ds, err := dicom.ParseFile(dst, nil, dicom.SkipPixelData())
	if err != nil {
		return fmt.Errorf("re-read output: %w", err)
	}
	out := dicomheader.FromDataset(dst, ds)
	for t, v := range original.Values {
		if t.Group == 0x0002 {
			continue
		}
		src := v.String()
		if src == "" {
			continue
		}
		got, present := out.Get(t)
		if d.policy.RemovePrivate && t.Group%2 == 1 {
			if present {
				return fmt.Errorf("%w: private tag %s", ErrResidualValue, dicomheader.TagName(t))
			}
			continue
		}
		switch d.policy.Rule(t).Action {
		case ActionRemove:
			if present {
				return fmt.Errorf("%w: %s", ErrResidualValue, dicomheader.TagName(t))
			}
		case ActionHash:
			if present && got.String() == src {
				return fmt.Errorf("%w: %s", ErrResidualValue, dicomheader.TagName(t))
			}
		case ActionYear:
			if present && !strings.HasSuffix(got.String(), "0101") {
				return fmt.Errorf("%w: %s", ErrResidualValue, dicomheader.TagName(t))
			}
		case ActionKeep:
			if v.Kind == dicomheader.KindString || v.Kind == dicomheader.KindDate {
				if !present || got.String() != src {
					return fmt.Errorf("kept field %s changed", dicomheader.TagName(t))
				}
			}
		}
	}
	return nil
}

func change(t tag.Tag, action string) model.FieldChange {
	return model.FieldChange{
		Tag:    fmt.Sprintf("(%04X,%04X)", t.Group, t.Element),
		Name:   dicomheader.TagName(t),
		Action: action,
	}
}

// truncateToYear 把 DA 值变为 YYYY0101，无法识别时返回空串。
func truncateToYear(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return ""
	}
	for _, c := range s[:4] {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return s[:4] + "0101"
}

// LogManifest 以 debug 级别输出一个文件的变更摘要。
func LogManifest(a *Artifact) {
	counts := make(map[string]int)
	for _, c := range a.Manifest {
		counts[c.Action]++
	}
	log.Debugf("[Deid] %s -> %s: %v", filepath.Base(a.Source), filepath.Base(a.Path), counts)
}
