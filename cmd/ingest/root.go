package main

import (
	"github.com/spf13/cobra"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/pkg/log"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "PET/MR 导出目录到 XNAT 的自动上传工具",
	Long: `ingest 扫描扫描仪导出目录，把 DICOM 与 list-mode 原始数据按会话分组、
脱敏后暂存，再以可续传、幂等的方式上传到 XNAT 仓库。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. 初始化配置
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		config.Conf = *cfg

		// 2. 初始化日志记录器
		log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "./configs/config.yaml", "配置文件路径，为空时只使用默认值和 INGEST_ 环境变量")
}
