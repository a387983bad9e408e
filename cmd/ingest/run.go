package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/pipeline"
)

// errSessionsFailed 让进程以非零状态退出，报告已经输出。
var errSessionsFailed = errors.New("one or more sessions failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "执行一次完整的扫描、暂存与上传",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		distributed, _ := cmd.Flags().GetBool("distributed")
		root, _ := cmd.Flags().GetString("root")
		output, _ := cmd.Flags().GetString("output")

		// dry-run 只给出计划，不需要对象存储与 Kafka
		distributed = distributed && !dryRun
		a, err := newApp(&config.Conf, distributed)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		report, err := a.processor.Run(ctx, pipeline.RunOptions{Root: root, DryRun: dryRun, Distributed: distributed})
		if report != nil {
			if perr := printReport(report, output); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if report.Failed() {
			return errSessionsFailed
		}
		return nil
	},
}

func printReport(v interface{}, format string) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case "json":
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	case "yaml", "":
		data, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "只分类、分组和暂存，不修改上传记录也不联系远端")
	runCmd.Flags().Bool("distributed", false, "暂存包上传到对象存储，由 worker 通过 Kafka 任务完成上传")
	runCmd.Flags().String("root", "", "导出目录，覆盖 ingest.export_root")
	runCmd.Flags().StringP("output", "o", "yaml", "报告格式: yaml 或 json")
	rootCmd.AddCommand(runCmd)
}
