package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/pkg/kafka"
	"xnat-ingest-go/pkg/log"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "消费 Kafka 会话任务，从对象存储下载暂存包并上传",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		cfg := &config.Conf
		if cfg.Kafka.Brokers == "" {
			return fmt.Errorf("worker 需要配置 kafka.brokers")
		}

		a, err := newApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		consumer := kafka.NewConsumer(cfg.Kafka, a.processor, a.locks, maxAttempts)
		log.Infof("[Worker] 启动，最大投递次数 %d", maxAttempts)
		return consumer.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().Int("max-attempts", 3, "单个任务处理失败的最大次数，超过后提交 offset 并放弃")
	rootCmd.AddCommand(workerCmd)
}
