// Package es 提供了与 Elasticsearch 交互的客户端功能，用于写入脱敏审计记录。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/model"
	"xnat-ingest-go/pkg/log"
)

var ESClient *elasticsearch.Client

// 审计文档只包含 tag、名称与动作，不包含任何头字段的值
const auditMapping = `{
	"mappings": {
		"properties": {
			"run_id": { "type": "keyword" },
			"bundle": { "type": "keyword" },
			"scan": { "type": "keyword" },
			"artifact": { "type": "keyword" },
			"changes": {
				"type": "nested",
				"properties": {
					"tag": { "type": "keyword" },
					"name": { "type": "keyword" },
					"action": { "type": "keyword" }
				}
			},
			"created_at": { "type": "date" }
		}
	}
}`

// NewClient 创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	var addrs []string
	for _, a := range strings.Split(esCfg.Addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addrs,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
}

// InitES 初始化 Elasticsearch 客户端并确保审计索引存在。
func InitES(esCfg config.ElasticsearchConfig) error {
	client, err := NewClient(esCfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(context.Background(), client, esCfg.IndexName)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(ctx context.Context, client *elasticsearch.Client, indexName string) error {
	res, err := client.Indices.Exists([]string{indexName}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	// 如果 res.StatusCode 是 200，说明索引已存在
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	// 如果 res.StatusCode 是 404，说明索引不存在，需要创建
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("unexpected status %d checking index %s", res.StatusCode, indexName)
	}

	res, err = client.Indices.Create(
		indexName,
		client.Indices.Create.WithBody(strings.NewReader(auditMapping)),
		client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("failed to create index")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// AuditIndex 把脱敏变更清单批量写入审计索引。
type AuditIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewAuditIndex 创建 AuditIndex。
func NewAuditIndex(client *elasticsearch.Client, index string) *AuditIndex {
	return &AuditIndex{client: client, index: index}
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// IndexAudit 使用 _bulk 写入一批审计文档。文档 ID 由运行、暂存包与产物路径决定，重复写入是幂等的。
func (a *AuditIndex) IndexAudit(ctx context.Context, docs []model.AuditDocument) error {
	if len(docs) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, doc := range docs {
		meta := map[string]map[string]string{
			"index": {"_index": a.index, "_id": DocumentID(doc)},
		}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{Body: bytes.NewReader(body.Bytes())}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("写入审计文档到 Elasticsearch 出错: %s", res.String())
		return fmt.Errorf("bulk index: %s", res.Status())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if br.Errors {
		for _, item := range br.Items {
			for _, r := range item {
				if r.Status >= 300 {
					return fmt.Errorf("bulk index: %s: %s", r.Error.Type, r.Error.Reason)
				}
			}
		}
		return errors.New("bulk index reported errors")
	}
	log.Debugf("[Audit] 写入 %d 条审计文档到索引 %s", len(docs), a.index)
	return nil
}

// DocumentID 返回审计文档的 ID。
func DocumentID(doc model.AuditDocument) string {
	return doc.RunID + ":" + doc.Bundle + ":" + doc.Artifact
}
