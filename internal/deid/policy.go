// Package deid 按策略对 DICOM 文件做脱敏，只作用于暂存副本，源文件不被修改。
package deid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Action 是对单个 tag 的处理方式。
type Action string

const (
	ActionRemove  Action = "remove"
	ActionReplace Action = "replace"
	ActionHash    Action = "hash"
	ActionKeep    Action = "keep"
	// ActionYear 把日期截断为当年的 1 月 1 日。
	ActionYear Action = "year"
)

func (a Action) valid() bool {
	switch a {
	case ActionRemove, ActionReplace, ActionHash, ActionKeep, ActionYear:
		return true
	}
	return false
}

// Rule 是一个 tag 的处理规则。Value 仅对 replace 有意义。
type Rule struct {
	Action Action
	Value  string
}

// Policy 是 tag → 规则 的映射。未列出的 tag 保留原值。
type Policy struct {
	Rules         map[tag.Tag]Rule
	RemovePrivate bool
}

// Rule 返回 tag 的规则，未配置时为 keep。
func (p *Policy) Rule(t tag.Tag) Rule {
	if r, ok := p.Rules[t]; ok {
		return r
	}
	return Rule{Action: ActionKeep}
}

// Tags 返回按 tag 排序的已配置 tag 列表。
func (p *Policy) Tags() []tag.Tag {
	tags := make([]tag.Tag, 0, len(p.Rules))
	for t := range p.Rules {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tagLess(tags[i], tags[j]) })
	return tags
}

func tagLess(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// sensitiveTags 在默认策略中被整体删除。
var sensitiveTags = []tag.Tag{
	{Group: 0x0008, Element: 0x0014}, // InstanceCreatorUID
	{Group: 0x0008, Element: 0x0080}, // InstitutionName
	{Group: 0x0008, Element: 0x0081}, // InstitutionAddress
	{Group: 0x0008, Element: 0x0082}, // InstitutionCodeSequence
	{Group: 0x0008, Element: 0x0090}, // ReferringPhysicianName
	{Group: 0x0008, Element: 0x0092}, // ReferringPhysicianAddress
	{Group: 0x0008, Element: 0x0094}, // ReferringPhysicianTelephoneNumbers
	{Group: 0x0008, Element: 0x0096}, // ReferringPhysicianIdentificationSequence
	{Group: 0x0008, Element: 0x009C}, // ConsultingPhysicianName
	{Group: 0x0008, Element: 0x1010}, // StationName
	{Group: 0x0008, Element: 0x1032}, // ProcedureCodeSequence
	{Group: 0x0008, Element: 0x1040}, // InstitutionalDepartmentName
	{Group: 0x0008, Element: 0x1048}, // PhysiciansOfRecord
	{Group: 0x0008, Element: 0x1049}, // PhysiciansOfRecordIdentificationSequence
	{Group: 0x0008, Element: 0x1050}, // PerformingPhysicianName
	{Group: 0x0008, Element: 0x1052}, // PerformingPhysicianIdentificationSequence
	{Group: 0x0008, Element: 0x1060}, // NameOfPhysiciansReadingStudy
	{Group: 0x0008, Element: 0x1062}, // PhysiciansReadingStudyIdentificationSequence
	{Group: 0x0008, Element: 0x1070}, // OperatorsName
	{Group: 0x0008, Element: 0x1110}, // ReferencedStudySequence
	{Group: 0x0008, Element: 0x1111}, // ReferencedPerformedProcedureStepSequence
	{Group: 0x0008, Element: 0x1120}, // ReferencedPatientSequence
	{Group: 0x0008, Element: 0x1140}, // ReferencedImageSequence
	{Group: 0x0008, Element: 0x1250}, // RelatedSeriesSequence
	{Group: 0x0008, Element: 0x9092}, // ReferencedImageEvidenceSequence
	{Group: 0x0010, Element: 0x0010}, // PatientName
	{Group: 0x0010, Element: 0x0021}, // IssuerOfPatientID
	{Group: 0x0010, Element: 0x0032}, // PatientBirthTime
	{Group: 0x0010, Element: 0x0050}, // PatientInsurancePlanCodeSequence
	{Group: 0x0010, Element: 0x0101}, // PatientPrimaryLanguageCodeSequence
	{Group: 0x0010, Element: 0x1001}, // OtherPatientNames
	{Group: 0x0010, Element: 0x1002}, // OtherPatientIDsSequence
	{Group: 0x0010, Element: 0x1005}, // PatientBirthName
	{Group: 0x0010, Element: 0x1010}, // PatientAge
	{Group: 0x0010, Element: 0x1040}, // PatientAddress
	{Group: 0x0010, Element: 0x1060}, // PatientMotherBirthName
	{Group: 0x0010, Element: 0x1080}, // MilitaryRank
	{Group: 0x0010, Element: 0x1081}, // BranchOfService
	{Group: 0x0010, Element: 0x1090}, // MedicalRecordLocator
	{Group: 0x0010, Element: 0x2000}, // MedicalAlerts
	{Group: 0x0010, Element: 0x2110}, // Allergies
	{Group: 0x0010, Element: 0x2150}, // CountryOfResidence
	{Group: 0x0010, Element: 0x2152}, // RegionOfResidence
	{Group: 0x0010, Element: 0x2154}, // PatientTelephoneNumbers
	{Group: 0x0010, Element: 0x2160}, // EthnicGroup
	{Group: 0x0010, Element: 0x2180}, // Occupation
	{Group: 0x0010, Element: 0x21A0}, // SmokingStatus
	{Group: 0x0010, Element: 0x21B0}, // AdditionalPatientHistory
	{Group: 0x0010, Element: 0x21C0}, // PregnancyStatus
	{Group: 0x0010, Element: 0x21D0}, // LastMenstrualDate
	{Group: 0x0010, Element: 0x21F0}, // PatientReligiousPreference
	{Group: 0x0010, Element: 0x2203}, // PatientSexNeutered
	{Group: 0x0010, Element: 0x2297}, // ResponsiblePerson
	{Group: 0x0010, Element: 0x2298}, // ResponsiblePersonRole
	{Group: 0x0010, Element: 0x2299}, // ResponsibleOrganization
	{Group: 0x0010, Element: 0x4000}, // PatientComments
	{Group: 0x0020, Element: 0x9221}, // DimensionOrganizationSequence
	{Group: 0x0020, Element: 0x9222}, // DimensionIndexSequence
	{Group: 0x0038, Element: 0x0010}, // AdmissionID
	{Group: 0x0038, Element: 0x0011}, // IssuerOfAdmissionID
	{Group: 0x0038, Element: 0x0060}, // ServiceEpisodeID
	{Group: 0x0038, Element: 0x0061}, // IssuerOfServiceEpisodeID
	{Group: 0x0038, Element: 0x0062}, // ServiceEpisodeDescription
	{Group: 0x0038, Element: 0x0100}, // PertinentDocumentsSequence
	{Group: 0x0038, Element: 0x0500}, // PatientState
	{Group: 0x0040, Element: 0x0260}, // PerformedProtocolCodeSequence
	{Group: 0x0088, Element: 0x0130}, // StorageMediaFileSetID
	{Group: 0x0088, Element: 0x0140}, // StorageMediaFileSetUID
	{Group: 0x0400, Element: 0x0561}, // OriginalAttributesSequence
	{Group: 0x5200, Element: 0x9229}, // SharedFunctionalGroupsSequence
}

// otherPatientIDs 已在新版字典中退役。
var otherPatientIDs = tag.Tag{Group: 0x0010, Element: 0x1000}

// DefaultPolicy 返回内置的脱敏策略。
func DefaultPolicy() *Policy {
	p := &Policy{Rules: make(map[tag.Tag]Rule), RemovePrivate: true}
	for _, t := range sensitiveTags {
		p.Rules[t] = Rule{Action: ActionRemove}
	}
	for _, t := range []tag.Tag{tag.PatientID, tag.AccessionNumber, tag.StudyID, otherPatientIDs} {
		p.Rules[t] = Rule{Action: ActionHash}
	}
	p.Rules[tag.PatientBirthDate] = Rule{Action: ActionYear}
	for _, t := range []tag.Tag{tag.StudyInstanceUID, tag.SeriesInstanceUID, tag.SeriesDescription, tag.AcquisitionDateTime} {
		p.Rules[t] = Rule{Action: ActionKeep}
	}
	return p
}

// policyFile 是策略文件的结构。
type policyFile struct {
	// ExtendDefault 为 true 时在默认策略基础上覆盖。
	ExtendDefault bool        `mapstructure:"extend_default"`
	RemovePrivate *bool       `mapstructure:"remove_private"`
	Rules         []ruleEntry `mapstructure:"rules"`
}

type ruleEntry struct {
	Tag    string `mapstructure:"tag"`
	Action string `mapstructure:"action"`
	Value  string `mapstructure:"value"`
}

// LoadPolicy 从 YAML 文件读取策略。path 为空时返回默认策略。
//
//	extend_default: true
//	remove_private: true
//	rules:
//	  - {tag: PatientName, action: remove}
//	  - {tag: "0008,0080", action: replace, value: ANON}
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("extend_default", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取脱敏策略失败: %w", err)
	}
	var pf policyFile
	if err := v.Unmarshal(&pf); err != nil {
		return nil, fmt.Errorf("解析脱敏策略失败: %w", err)
	}

	p := &Policy{Rules: make(map[tag.Tag]Rule), RemovePrivate: true}
	if pf.ExtendDefault {
		p = DefaultPolicy()
	}
	if pf.RemovePrivate != nil {
		p.RemovePrivate = *pf.RemovePrivate
	}
	for i, e := range pf.Rules {
		t, err := ParseTag(e.Tag)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		a := Action(strings.ToLower(strings.TrimSpace(e.Action)))
		if !a.valid() {
			return nil, fmt.Errorf("rule %d: unknown action %q", i, e.Action)
		}
		p.Rules[t] = Rule{Action: a, Value: e.Value}
	}
	return p, nil
}

// ParseTag 接受字典关键字（PatientName）或 "GGGG,EEEE" / "(GGGG,EEEE)" 形式。
func ParseTag(s string) (tag.Tag, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.Trim(s, "()")
	if parts := strings.Split(trimmed, ","); len(parts) == 2 {
		g, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 16)
		e, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 16, 16)
		if err1 != nil || err2 != nil {
			return tag.Tag{}, fmt.Errorf("invalid tag %q", s)
		}
		return tag.Tag{Group: uint16(g), Element: uint16(e)}, nil
	}
	info, err := tag.FindByName(s)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("unknown tag name %q", s)
	}
	return info.Tag, nil
}
