package model

import "time"

// FieldChange 记录脱敏时对一个 tag 采取的动作，不包含任何值。
type FieldChange struct {
	Tag    string `json:"tag" yaml:"tag"`
	Name   string `json:"name" yaml:"name"`
	Action string `json:"action" yaml:"action"`
}

// AuditDocument 是写入 Elasticsearch 审计索引的文档。
type AuditDocument struct {
	RunID     string        `json:"run_id"`
	Bundle    string        `json:"bundle"`
	Scan      string        `json:"scan"`
	Artifact  string        `json:"artifact"`
	Changes   []FieldChange `json:"changes"`
	CreatedAt time.Time     `json:"created_at"`
}
