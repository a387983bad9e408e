package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/pipeline"
	"xnat-ingest-go/internal/service"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/xnat"
)

// errCheckFailed 表示至少一个暂存包与远端不一致，结果已经输出。
var errCheckFailed = errors.New("one or more staged bundles differ from the remote")

var checkCmd = &cobra.Command{
	Use:   "check [BUNDLE...]",
	Short: "核对暂存包与 XNAT 上的会话、扫描、资源和文件校验和",
	RunE: func(cmd *cobra.Command, args []string) error {
		staging, _ := cmd.Flags().GetString("staging")
		output, _ := cmd.Flags().GetString("output")
		if staging == "" {
			staging = config.Conf.Ingest.StagingDir
		}

		var dirs []string
		if len(args) > 0 {
			for _, name := range args {
				dirs = append(dirs, filepath.Join(staging, name))
			}
		} else {
			found, err := pipeline.ListBundles(staging)
			if err != nil {
				return fmt.Errorf("读取暂存目录失败: %w", err)
			}
			dirs = found
		}
		log.Infof("[Check] 暂存目录 %s 中有 %d 个暂存包待核对", staging, len(dirs))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		checker := service.NewCheckService(xnat.NewClient(config.Conf.XNAT, config.Conf.Upload.CallTimeout))
		results := make([]service.CheckResult, 0, len(dirs))
		failed := false
		for _, dir := range dirs {
			res := service.CheckResult{Bundle: filepath.Base(dir)}
			bundle, err := pipeline.LoadBundle(dir)
			if err == nil {
				res, err = checker.Check(ctx, bundle)
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res.Error = err.Error()
				log.Errorf("[Check] 核对暂存包 %s 失败: %v", res.Bundle, err)
			}
			for _, m := range res.Mismatches {
				fmt.Fprintf(os.Stderr, "%s: %s\n", res.Bundle, m)
			}
			failed = failed || !res.OK()
			results = append(results, res)
		}

		if err := printReport(results, output); err != nil {
			return err
		}
		if failed {
			return errCheckFailed
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().String("staging", "", "暂存目录，默认使用 ingest.staging_dir")
	checkCmd.Flags().StringP("output", "o", "yaml", "输出格式: yaml 或 json")
	rootCmd.AddCommand(checkCmd)
}
