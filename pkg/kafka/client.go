// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/segmentio/kafka-go"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/tasks"
)

// TaskProcessor 定义了处理会话任务的服务，用于解耦消费者与具体的流水线实现。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.SessionTask) error
}

// AttemptCounter 记录任务失败次数，由 repository.LockRepository 实现。
type AttemptCounter interface {
	IncrAttempts(ctx context.Context, key string) (int64, error)
	ResetAttempts(ctx context.Context, key string) error
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Producer 把会话任务写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Dispatch 发送一个会话任务。同一会话的消息使用相同的 key，落在同一分区。
func (p *Producer) Dispatch(ctx context.Context, task tasks.SessionTask) error {
	msg, err := taskMessage(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// taskMessage 以暂存包名作为消息 key。
func taskMessage(task tasks.SessionTask) (kafka.Message, error) {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(task.Bundle), Value: taskBytes}, nil
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 消费会话任务。失败的任务不提交 offset，让 Kafka 重新投递，
// 失败次数达到上限后提交 offset 终止重试。
type Consumer struct {
	reader      *kafka.Reader
	processor   TaskProcessor
	attempts    AttemptCounter
	maxAttempts int64
}

// NewConsumer 创建消费者。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptCounter, maxAttempts int) *Consumer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, processor: processor, attempts: attempts, maxAttempts: int64(maxAttempts)}
}

// Run 循环消费直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context) error {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.reader.Config().Topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return nil
			}
			log.Errorf("从 Kafka 读取消息失败: %v", err)
			return err
		}
		log.Infof("收到 Kafka 消息: partition %d, offset %d", m.Partition, m.Offset)

		if !handle(ctx, m.Value, c.processor, c.attempts, c.maxAttempts) {
			continue
		}
		if err := c.reader.CommitMessages(context.Background(), m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// handle 处理单条消息，返回是否应提交 offset。
func handle(ctx context.Context, value []byte, processor TaskProcessor, attempts AttemptCounter, maxAttempts int64) bool {
	var task tasks.SessionTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	key := "kafka:" + task.Bundle
	if err := processor.Process(ctx, task); err != nil {
		if ctx.Err() != nil {
			// 进程退出时不提交，由下一个消费者续传
			return false
		}
		log.Errorf("处理会话任务失败: %s, Error: %v", task.Bundle, err)
		n, incErr := attempts.IncrAttempts(ctx, key)
		if incErr != nil {
			// 计数异常时保守处理：不提交 offset，让 Kafka 重试
			log.Warnf("记录任务失败次数出错: %v", incErr)
			return false
		}
		if n >= maxAttempts {
			log.Errorf("会话任务多次失败(>=%d)，提交 offset 终止重试: %s", maxAttempts, task.Bundle)
			_ = attempts.ResetAttempts(ctx, key)
			return true
		}
		return false
	}

	log.Infof("会话任务处理成功: %s", task.Bundle)
	_ = attempts.ResetAttempts(ctx, key)
	return true
}
