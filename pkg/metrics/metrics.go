// Package metrics 定义流水线的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 分类
	FilesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xnat_ingest_files_classified_total",
			Help: "Total number of files classified, by type",
		},
		[]string{"type"},
	)

	FilesQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xnat_ingest_files_quarantined_total",
			Help: "Total number of files quarantined, by reason",
		},
		[]string{"reason"},
	)

	// 会话
	SessionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xnat_ingest_sessions_total",
			Help: "Total number of sessions processed, by outcome",
		},
		[]string{"outcome"},
	)

	StageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xnat_ingest_stage_duration_seconds",
			Help:    "Duration of de-identification and staging per session",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// 上传
	ArtifactsUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xnat_ingest_artifacts_uploaded_total",
			Help: "Total number of artifacts transferred, by resource",
		},
		[]string{"resource"},
	)

	ArtifactsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xnat_ingest_artifacts_skipped_total",
			Help: "Artifacts already present remotely with a matching checksum",
		},
	)

	UploadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xnat_ingest_upload_retries_total",
			Help: "Total number of transient upload failures that were retried",
		},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xnat_ingest_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
	)
)
