// Package tasks 定义通过 Kafka 发送的任务结构。
package tasks

// SessionTask 描述一个已暂存、等待 worker 上传的会话。
// 任务只携带脱敏后的暂存包名，worker 通过上传记录找回会话。
type SessionTask struct {
	RunID string `json:"run_id"`
	// Bundle 是暂存包目录名，也是对象存储中的前缀和消息键。
	Bundle string `json:"bundle"`
	Digest string `json:"digest"`
}
