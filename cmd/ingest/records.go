package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/model"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "列出上传记录",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		output, _ := cmd.Flags().GetString("output")

		a := newRecordsApp(&config.Conf)
		records, err := a.uploads.Records(context.Background(), model.UploadStatus(status))
		if err != nil {
			return err
		}
		dtos := make([]model.UploadRecordDTO, 0, len(records))
		for i := range records {
			dtos = append(dtos, records[i].ToDTO())
		}
		return printReport(dtos, output)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry SUBJECT STUDY_UID",
	Short: "把 failed 会话移回 staged，下次运行时重新上传",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := model.SessionKey{SubjectID: args[0], StudyUID: args[1]}
		a := newRecordsApp(&config.Conf)
		if err := a.uploads.Retry(context.Background(), key); err != nil {
			return err
		}
		fmt.Printf("会话 %s 已标记为重试\n", key)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge SUBJECT STUDY_UID",
	Short: "删除会话的上传记录，下次运行时视为新会话",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := model.SessionKey{SubjectID: args[0], StudyUID: args[1]}
		a := newRecordsApp(&config.Conf)
		if err := a.uploads.Purge(context.Background(), key); err != nil {
			return err
		}
		fmt.Printf("会话 %s 的上传记录已删除\n", key)
		return nil
	},
}

func init() {
	recordsCmd.Flags().String("status", "", "按状态过滤: pending, staged, uploading, complete, failed")
	recordsCmd.Flags().StringP("output", "o", "json", "输出格式: json 或 yaml")
	rootCmd.AddCommand(recordsCmd, retryCmd, purgeCmd)
}
