// Package xnat 是 XNAT REST API 的最小客户端，覆盖会话查找、创建、文件上传与上传后动作。
package xnat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/pkg/log"
)

// TransferError 是与远端交互失败的错误。Transient 为 true 时可以重试。
type TransferError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("xnat %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("xnat %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsTransient 判断 err 是否为可重试的 TransferError。
func IsTransient(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Transient
}

// ErrLocalFile 表示待上传的本地文件不可读，与远端无关。
var ErrLocalFile = errors.New("local file unavailable")

// minUploadRate 是按文件大小放宽上传超时时假定的最低速率（字节/秒）。
const minUploadRate = 256 << 10

// transientStatus 判断 HTTP 状态码是否可重试。
func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Session 是远端的一个 imaging session（experiment）。
type Session struct {
	ID    string `json:"ID"`
	Label string `json:"label"`
	UID   string `json:"UID"`
}

// RemoteFile 是远端资源下的一个文件。
type RemoteFile struct {
	Name   string
	Size   int64
	Digest string
}

// Scan 描述要创建的远端扫描。
type Scan struct {
	Label       string
	SeriesUID   string
	Description string
	Modality    string
}

// Client 实现 XNAT REST 调用，使用 basic auth。
type Client struct {
	base        string
	user        string
	password    string
	project     string
	sessionType string
	scanType    string
	callTimeout time.Duration
	http        *http.Client
}

// NewClient 创建 XNAT 客户端。callTimeout 作用于每一次 HTTP 调用，
// 上传文件时按文件大小放宽。
func NewClient(cfg config.XNATConfig, callTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Client{
		base:        strings.TrimRight(cfg.Server, "/"),
		user:        cfg.User,
		password:    cfg.Password,
		project:     cfg.Project,
		sessionType: cfg.SessionType,
		scanType:    cfg.ScanType,
		callTimeout: callTimeout,
		http:        &http.Client{Transport: transport},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader, out interface{}) (int, error) {
	return c.doWithin(ctx, c.callTimeout, op, method, path, query, body, out)
}

// uploadTimeout 返回上传 size 字节的时限：callTimeout 加上按最低速率传完所需的时间。
func (c *Client) uploadTimeout(size int64) time.Duration {
	if c.callTimeout <= 0 {
		return 0
	}
	return c.callTimeout + time.Duration(size/minUploadRate)*time.Second
}

func (c *Client) doWithin(ctx context.Context, timeout time.Duration, op, method, path string, query url.Values, body io.Reader, out interface{}) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, &TransferError{Op: op, Err: err}
	}
	req.SetBasicAuth(c.user, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransferError{Op: op, Transient: isTransientNetErr(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &TransferError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  transientStatus(resp.StatusCode),
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}
	if out != nil {
		switch v := out.(type) {
		case *string:
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return resp.StatusCode, &TransferError{Op: op, Transient: true, Err: err}
			}
			*v = strings.TrimSpace(string(b))
		default:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, &TransferError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
	}
	return resp.StatusCode, nil
}

// isTransientNetErr 网络错误与单次调用超时可重试，调用方取消不可重试。
func isTransientNetErr(err error) bool {
	return !errors.Is(err, context.Canceled)
}

type resultSet[T any] struct {
	ResultSet struct {
		Result []T `json:"Result"`
	} `json:"ResultSet"`
}

func (c *Client) subjectPath(subject string) string {
	return fmt.Sprintf("/data/projects/%s/subjects/%s", url.PathEscape(c.project), url.PathEscape(subject))
}

func scanPath(sessionID, scan string) string {
	return fmt.Sprintf("/data/experiments/%s/scans/%s", url.PathEscape(sessionID), url.PathEscape(scan))
}

// FindSession 按受试者标签与 Study UID 查找远端会话，未找到时 found 为 false。
func (c *Client) FindSession(ctx context.Context, subject, studyUID string) (string, bool, error) {
	var rs resultSet[Session]
	q := url.Values{"format": {"json"}, "columns": {"ID,label,UID"}}
	code, err := c.do(ctx, "find session", http.MethodGet, c.subjectPath(subject)+"/experiments", q, nil, &rs)
	if err != nil {
		if code == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	for _, s := range rs.ResultSet.Result {
		if s.UID == studyUID {
			return s.ID, true, nil
		}
	}
	return "", false, nil
}

// CreateSession 创建受试者（已存在时忽略）和会话，返回会话 ID。
func (c *Client) CreateSession(ctx context.Context, subject, label, studyUID string) (string, error) {
	if _, err := c.do(ctx, "create subject", http.MethodPut, c.subjectPath(subject), nil, nil, nil); err != nil {
		return "", err
	}
	q := url.Values{"xsiType": {c.sessionType}, "UID": {studyUID}}
	var id string
	path := c.subjectPath(subject) + "/experiments/" + url.PathEscape(label)
	if _, err := c.do(ctx, "create session", http.MethodPut, path, q, nil, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", &TransferError{Op: "create session", Err: errors.New("empty session id in response")}
	}
	log.Infof("[XNAT] 创建会话 %s (subject=%s)", id, subject)
	return id, nil
}

// EnsureScan 创建扫描与资源目录，已存在时视为成功。
func (c *Client) EnsureScan(ctx context.Context, sessionID string, scan Scan, resources []string) error {
	q := url.Values{"xsiType": {c.scanType}, "type": {scan.Description}, "series_description": {scan.Description}, "UID": {scan.SeriesUID}}
	if scan.Modality != "" {
		q.Set("modality", scan.Modality)
	}
	code, err := c.do(ctx, "create scan", http.MethodPut, scanPath(sessionID, scan.Label), q, nil, nil)
	if err != nil && code != http.StatusConflict {
		return err
	}
	for _, res := range resources {
		format := "BIN"
		if res == "DICOM" {
			format = "DICOM"
		}
		path := scanPath(sessionID, scan.Label) + "/resources/" + url.PathEscape(res)
		code, err := c.do(ctx, "create resource", http.MethodPut, path, url.Values{"format": {format}}, nil, nil)
		if err != nil && code != http.StatusConflict {
			return err
		}
	}
	return nil
}

// ListScans 列出会话下的扫描 ID，会话不存在时返回空列表。
func (c *Client) ListScans(ctx context.Context, sessionID string) ([]string, error) {
	var rs resultSet[struct {
		ID string `json:"ID"`
	}]
	path := "/data/experiments/" + url.PathEscape(sessionID) + "/scans"
	code, err := c.do(ctx, "list scans", http.MethodGet, path, url.Values{"format": {"json"}}, nil, &rs)
	if err != nil {
		if code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(rs.ResultSet.Result))
	for _, r := range rs.ResultSet.Result {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ListFiles 列出资源下的文件，资源不存在时返回空列表。
func (c *Client) ListFiles(ctx context.Context, sessionID, scan, resource string) ([]RemoteFile, error) {
	var rs resultSet[struct {
		Name   string `json:"Name"`
		Size   string `json:"Size"`
		Digest string `json:"digest"`
	}]
	path := scanPath(sessionID, scan) + "/resources/" + url.PathEscape(resource) + "/files"
	code, err := c.do(ctx, "list files", http.MethodGet, path, url.Values{"format": {"json"}}, nil, &rs)
	if err != nil {
		if code == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	files := make([]RemoteFile, 0, len(rs.ResultSet.Result))
	for _, r := range rs.ResultSet.Result {
		size, _ := strconv.ParseInt(r.Size, 10, 64)
		files = append(files, RemoteFile{Name: r.Name, Size: size, Digest: strings.ToLower(r.Digest)})
	}
	return files, nil
}

// UploadFile 以 inbody 方式上传单个文件，覆盖同名文件。
func (c *Client) UploadFile(ctx context.Context, sessionID, scan, resource, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalFile, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLocalFile, err)
	}
	path := scanPath(sessionID, scan) + "/resources/" + url.PathEscape(resource) + "/files/" + url.PathEscape(name)
	q := url.Values{"inbody": {"true"}, "overwrite": {"true"}}
	_, err = c.doWithin(ctx, c.uploadTimeout(info.Size()), "upload file", http.MethodPut, path, q, f, nil)
	return err
}

// PostUpload 触发会话级动作，例如 pullDataFromHeaders、fixScanTypes、triggerPipelines。
func (c *Client) PostUpload(ctx context.Context, sessionID, action string) error {
	_, err := c.do(ctx, action, http.MethodPut, "/data/experiments/"+url.PathEscape(sessionID), url.Values{action: {"true"}}, nil, nil)
	return err
}
