package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/dicomheader"
	"xnat-ingest-go/pkg/log"
)

const (
	TieBreakNearest  = "nearest"
	TieBreakEarliest = "earliest"
)

// Grouper 把文件归并为会话与扫描。分组只使用原始（未脱敏）的头信息。
type Grouper struct {
	reader   dicomheader.Reader
	before   time.Duration
	after    time.Duration
	tieBreak string
	pattern  *regexp.Regexp
	layout   string
}

// NewGrouper 创建 Grouper。timestamp_pattern 要么有 6 个数字分组（年月日时分秒），
// 要么有 1 个分组并配合 timestamp_layout 使用。
func NewGrouper(cfg config.GroupingConfig, reader dicomheader.Reader) (*Grouper, error) {
	g := &Grouper{
		reader:   reader,
		before:   cfg.WindowBefore,
		after:    cfg.WindowAfter,
		tieBreak: cfg.TieBreak,
		layout:   cfg.TimestampLayout,
	}
	if g.tieBreak == "" {
		g.tieBreak = TieBreakNearest
	}
	if g.tieBreak != TieBreakNearest && g.tieBreak != TieBreakEarliest {
		return nil, fmt.Errorf("unknown tie_break %q", cfg.TieBreak)
	}
	if cfg.TimestampPattern != "" {
		re, err := regexp.Compile(cfg.TimestampPattern)
		if err != nil {
			return nil, fmt.Errorf("timestamp_pattern: %w", err)
		}
		n := re.NumSubexp()
		if (g.layout == "" && n != 6) || (g.layout != "" && n != 1) {
			return nil, fmt.Errorf("timestamp_pattern has %d groups", n)
		}
		g.pattern = re
	}
	return g, nil
}

type dicomEntry struct {
	file    model.RawFile
	rec     *dicomheader.Record
	subject string
	study   string
	series  string
}

// Group 返回按键排序的会话以及被隔离的文件。相同输入总是产生相同结果。
func (g *Grouper) Group(files []model.RawFile) ([]*model.IngestSession, []model.QuarantinedFile) {
	files = append([]model.RawFile(nil), files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var (
		quarantined []model.QuarantinedFile
		entries     []dicomEntry
		listMode    []model.RawFile
	)
	for _, f := range files {
		switch f.Type {
		case model.FileListMode:
			listMode = append(listMode, f)
			continue
		case model.FileDicom:
		default:
			continue
		}
		rec, err := g.reader.Read(f.Path)
		if err != nil {
			quarantined = append(quarantined, model.QuarantinedFile{Path: f.Path, Reason: model.ReasonUnreadable, Detail: err.Error()})
			continue
		}
		e := dicomEntry{
			file:    f,
			rec:     rec,
			subject: rec.String(tag.PatientID),
			study:   rec.String(tag.StudyInstanceUID),
			series:  rec.String(tag.SeriesInstanceUID),
		}
		if e.subject == "" || e.study == "" || e.series == "" {
			quarantined = append(quarantined, model.QuarantinedFile{Path: f.Path, Reason: model.ReasonMissingIdentity})
			continue
		}
		entries = append(entries, e)
	}

	// 第一遍：找出绑定到多个受试者或多个 Study 的 Series
	seriesSubjects := make(map[string]map[string]struct{})
	seriesStudies := make(map[string]map[string]struct{})
	for _, e := range entries {
		if seriesSubjects[e.series] == nil {
			seriesSubjects[e.series] = make(map[string]struct{})
			seriesStudies[e.series] = make(map[string]struct{})
		}
		seriesSubjects[e.series][e.subject] = struct{}{}
		seriesStudies[e.series][e.study] = struct{}{}
	}
	conflicts := make(map[string]*GroupingConflict)
	for series := range seriesSubjects {
		if len(seriesSubjects[series]) > 1 || len(seriesStudies[series]) > 1 {
			conflicts[series] = &GroupingConflict{
				SeriesUID: series,
				Subjects:  sortedKeys(seriesSubjects[series]),
				Studies:   sortedKeys(seriesStudies[series]),
			}
		}
	}

	// 第二遍：插入 session(key).scan(series)
	sessions := make(map[model.SessionKey]*model.IngestSession)
	scans := make(map[model.SessionKey]map[string]*model.ScanGroup)
	dirs := make(map[model.SessionKey]map[string]struct{})
	for _, e := range entries {
		if c, ok := conflicts[e.series]; ok {
			quarantined = append(quarantined, model.QuarantinedFile{Path: e.file.Path, Reason: model.ReasonSeriesConflict, Detail: c.Error()})
			continue
		}
		key := model.SessionKey{SubjectID: e.subject, StudyUID: e.study}
		sess, ok := sessions[key]
		if !ok {
			family, given := e.rec.PatientName()
			sess = &model.IngestSession{
				Key:         key,
				PatientName: strings.Trim(family+"^"+given, "^"),
				Modality:    e.rec.String(tag.Modality),
			}
			sessions[key] = sess
			scans[key] = make(map[string]*model.ScanGroup)
			dirs[key] = make(map[string]struct{})
		}
		scan, ok := scans[key][e.series]
		if !ok {
			scan = &model.ScanGroup{
				SeriesUID:   e.series,
				Description: e.rec.String(tag.SeriesDescription),
				Number:      seriesNumber(e.rec),
				Modality:    e.rec.String(tag.Modality),
			}
			scans[key][e.series] = scan
			sess.Scans = append(sess.Scans, scan)
		}
		scan.Files = append(scan.Files, e.file)
		if ts, ok := e.rec.AcquisitionTime(); ok {
			scan.AcquisitionTimes = append(scan.AcquisitionTimes, ts)
		}
		dirs[key][filepath.Dir(e.file.Path)] = struct{}{}
		if e.file.ModTime.After(sess.Newest) {
			sess.Newest = e.file.ModTime
		}
	}

	ordered := make([]*model.IngestSession, 0, len(sessions))
	for key, sess := range sessions {
		sess.Dirs = sortedKeys(dirs[key])
		for _, scan := range sess.Scans {
			g.setWindow(scan)
		}
		assignLabels(sess.Scans)
		sortScans(sess.Scans)
		ordered = append(ordered, sess)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key.Less(ordered[j].Key) })

	for _, f := range listMode {
		if q := g.attachListMode(ordered, f); q != nil {
			quarantined = append(quarantined, *q)
		}
	}
	for _, sess := range ordered {
		for _, scan := range sess.Scans {
			sort.Slice(scan.Files, func(i, j int) bool { return scan.Files[i].Path < scan.Files[j].Path })
			sort.Slice(scan.ListMode, func(i, j int) bool { return scan.ListMode[i].Path < scan.ListMode[j].Path })
		}
	}

	sort.SliceStable(quarantined, func(i, j int) bool { return quarantined[i].Path < quarantined[j].Path })
	log.Infof("[Grouper] 分组完成: %d 个会话, %d 个文件被隔离", len(ordered), len(quarantined))
	return ordered, quarantined
}

func seriesNumber(rec *dicomheader.Record) int {
	n, err := strconv.Atoi(strings.TrimSpace(rec.String(tag.SeriesNumber)))
	if err != nil {
		return -1
	}
	return n
}

func (g *Grouper) setWindow(scan *model.ScanGroup) {
	if len(scan.AcquisitionTimes) == 0 {
		return
	}
	sort.Slice(scan.AcquisitionTimes, func(i, j int) bool { return scan.AcquisitionTimes[i].Before(scan.AcquisitionTimes[j]) })
	scan.WindowStart = scan.AcquisitionTimes[0].Add(-g.before)
	scan.WindowEnd = scan.AcquisitionTimes[len(scan.AcquisitionTimes)-1].Add(g.after)
}

// assignLabels 优先使用 SeriesNumber，否则取 Series UID 的后缀；
// 同一会话内重复的标签按 Series UID 顺序追加 _2、_3。
func assignLabels(scans []*model.ScanGroup) {
	byUID := append([]*model.ScanGroup(nil), scans...)
	sort.Slice(byUID, func(i, j int) bool { return byUID[i].SeriesUID < byUID[j].SeriesUID })
	used := make(map[string]int)
	for _, s := range byUID {
		base := uidSuffix(s.SeriesUID)
		if s.Number >= 0 {
			base = strconv.Itoa(s.Number)
		}
		used[base]++
		if n := used[base]; n > 1 {
			s.Label = fmt.Sprintf("%s_%d", base, n)
		} else {
			s.Label = base
		}
	}
}

func uidSuffix(uid string) string {
	s := strings.ReplaceAll(uid, ".", "")
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return s
}

// sortScans 按 (SeriesNumber, Series UID) 排序，没有 SeriesNumber 的排在最后。
func sortScans(scans []*model.ScanGroup) {
	sort.Slice(scans, func(i, j int) bool {
		a, b := scans[i], scans[j]
		if a.Number != b.Number {
			if a.Number < 0 {
				return false
			}
			if b.Number < 0 {
				return true
			}
			return a.Number < b.Number
		}
		return a.SeriesUID < b.SeriesUID
	})
}

// Timestamp 从文件名解析 list-mode 采集时间，失败时使用修改时间。
// 返回值与 DICOM 时间一样按本地挂钟时间解释为 UTC。
func (g *Grouper) Timestamp(f model.RawFile) time.Time {
	if g.pattern != nil {
		if m := g.pattern.FindStringSubmatch(filepath.Base(f.Path)); m != nil {
			if g.layout != "" {
				if ts, err := time.ParseInLocation(g.layout, m[1], time.UTC); err == nil {
					return ts
				}
			} else if ts, ok := dateFromGroups(m[1:]); ok {
				return ts
			}
		}
	}
	mt := f.ModTime.In(time.Local)
	return time.Date(mt.Year(), mt.Month(), mt.Day(), mt.Hour(), mt.Minute(), mt.Second(), 0, time.UTC)
}

func dateFromGroups(parts []string) (time.Time, bool) {
	if len(parts) != 6 {
		return time.Time{}, false
	}
	var v [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		v[i] = n
	}
	ts := time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], v[5], 0, time.UTC)
	// 拒绝被 time.Date 归一化的非法日期
	if ts.Month() != time.Month(v[1]) || ts.Day() != v[2] {
		return time.Time{}, false
	}
	return ts, true
}

type candidate struct {
	sess *model.IngestSession
	scan *model.ScanGroup
	dist time.Duration
}

// attachListMode 把 list-mode 文件挂到唯一匹配的扫描上，否则返回隔离记录。
func (g *Grouper) attachListMode(sessions []*model.IngestSession, f model.RawFile) *model.QuarantinedFile {
	ts := g.Timestamp(f)
	var cands []candidate
	for _, sess := range sessions {
		if !subjectMatches(sess, f.Path) {
			continue
		}
		for _, scan := range sess.Scans {
			if !scan.Contains(ts) {
				continue
			}
			cands = append(cands, candidate{sess: sess, scan: scan, dist: nearest(scan.AcquisitionTimes, ts)})
		}
	}
	if len(cands) == 0 {
		return &model.QuarantinedFile{
			Path:   f.Path,
			Reason: model.ReasonUnmatchedListMode,
			Detail: "no scan window contains " + ts.Format(time.RFC3339),
		}
	}

	less := func(a, b candidate) int {
		if g.tieBreak == TieBreakEarliest {
			return compareTime(a.scan.WindowStart, b.scan.WindowStart)
		}
		return compareDuration(a.dist, b.dist)
	}
	sort.SliceStable(cands, func(i, j int) bool { return less(cands[i], cands[j]) < 0 })
	if len(cands) > 1 && less(cands[0], cands[1]) == 0 {
		return &model.QuarantinedFile{
			Path:   f.Path,
			Reason: model.ReasonAmbiguousListMode,
			Detail: fmt.Sprintf("tie between scans %s and %s", cands[0].scan.Label, cands[1].scan.Label),
		}
	}
	best := cands[0]
	best.scan.ListMode = append(best.scan.ListMode, f)
	if f.ModTime.After(best.sess.Newest) {
		best.sess.Newest = f.ModTime
	}
	return nil
}

func nearest(times []time.Time, ts time.Time) time.Duration {
	best := time.Duration(-1)
	for _, t := range times {
		d := ts.Sub(t)
		if d < 0 {
			d = -d
		}
		if best < 0 || d < best {
			best = d
		}
	}
	return best
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareDuration(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

func normalise(s string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToUpper(s), "_"), "_")
}

// subjectMatches 判断 list-mode 文件是否属于该会话的受试者：
// 与会话的某个 DICOM 文件同目录，或父目录名/文件名前缀规范化后等于 PatientID、FAMILY_GIVEN 或 GIVEN_FAMILY。
func subjectMatches(sess *model.IngestSession, path string) bool {
	dir := filepath.Dir(path)
	for _, d := range sess.Dirs {
		if d == dir {
			return true
		}
	}

	ids := map[string]bool{}
	if id := normalise(sess.Key.SubjectID); id != "" {
		ids[id] = true
	}
	parts := strings.SplitN(sess.PatientName, "^", 2)
	if len(parts) == 2 {
		family, given := normalise(parts[0]), normalise(parts[1])
		if family != "" && given != "" {
			ids[family+"_"+given] = true
			ids[given+"_"+family] = true
		}
	} else if n := normalise(sess.PatientName); n != "" {
		ids[n] = true
	}

	if ids[normalise(filepath.Base(dir))] {
		return true
	}
	base := filepath.Base(path)
	stem := base
	if i := strings.IndexByte(base, '.'); i > 0 {
		stem = base[:i]
	}
	ns := normalise(stem)
	if ids[ns] {
		return true
	}
	for id := range ids {
		if strings.HasPrefix(ns, id+"_") {
			return true
		}
	}
	return false
}
