package main

import (
	"fmt"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/deid"
	"xnat-ingest-go/internal/pipeline"
	"xnat-ingest-go/internal/repository"
	"xnat-ingest-go/internal/service"
	"xnat-ingest-go/pkg/database"
	"xnat-ingest-go/pkg/dicomheader"
	"xnat-ingest-go/pkg/es"
	"xnat-ingest-go/pkg/kafka"
	"xnat-ingest-go/pkg/log"
	"xnat-ingest-go/pkg/storage"
	"xnat-ingest-go/pkg/xnat"
)

// app 持有一次命令执行所需的全部依赖。
type app struct {
	cfg       *config.Config
	locks     repository.LockRepository
	uploads   service.UploadService
	processor *pipeline.Processor
	producer  *kafka.Producer
}

// newRecordsApp 只初始化记录存储，供 records、retry、purge 使用。
func newRecordsApp(cfg *config.Config) *app {
	database.InitDB(cfg.Database.Driver, cfg.Database.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	a := &app{cfg: cfg}
	if database.RDB != nil {
		a.locks = repository.NewRedisLockRepository(database.RDB, cfg.Database.Redis.LockTTL)
	} else {
		a.locks = repository.NewLocalLockRepository()
	}
	records := repository.NewRecordRepository(database.DB)
	remote := xnat.NewClient(cfg.XNAT, cfg.Upload.CallTimeout)
	a.uploads = service.NewUploadService(records, a.locks, remote, service.NewUploadOptions(cfg.Upload, cfg.XNAT))
	return a
}

// newApp 初始化完整的流水线。distributed 为 true 时要求对象存储与 Kafka 可用。
func newApp(cfg *config.Config, distributed bool) (*app, error) {
	a := newRecordsApp(cfg)

	// 1. 脱敏
	policy, err := deid.LoadPolicy(cfg.Deid.PolicyFile)
	if err != nil {
		return nil, err
	}
	if cfg.Deid.PolicyFile == "" {
		policy.RemovePrivate = cfg.Deid.RemovePrivate
	}
	if cfg.Deid.HashKey == "" {
		log.Warnf("[Deid] 未配置 deid.hash_key，脱敏标签可被字典攻击还原")
	}
	hasher, err := deid.NewHasher(cfg.Deid.HashKey)
	if err != nil {
		return nil, fmt.Errorf("deid.hash_key: %w", err)
	}
	deidentifier := deid.New(policy, hasher)

	// 2. 流水线各阶段共享同一个头信息缓存
	reader := dicomheader.NewCachedReader(dicomheader.NewReader())
	classifier := pipeline.NewClassifier(cfg.Classify, cfg.Ingest, reader,
		cfg.Ingest.StagingDir, cfg.Ingest.QuarantineDir, cfg.Ingest.CacheDir)
	grouper, err := pipeline.NewGrouper(cfg.Grouping, reader)
	if err != nil {
		return nil, err
	}
	a.processor = pipeline.NewProcessor(
		cfg.Ingest,
		classifier,
		grouper,
		pipeline.NewStager(cfg.Ingest.StagingDir, deidentifier),
		pipeline.NewQuarantine(cfg.Ingest.QuarantineDir, cfg.Ingest.QuarantineMove),
		a.uploads,
	).WithLocks(a.locks)

	// 3. 可选组件
	if cfg.Elasticsearch.Addresses != "" {
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			return nil, fmt.Errorf("es 初始化失败: %w", err)
		}
		a.processor.WithAudit(es.NewAuditIndex(es.ESClient, cfg.Elasticsearch.IndexName))
	} else {
		log.Info("Elasticsearch 未配置，不写入脱敏审计")
	}
	if distributed {
		if cfg.MinIO.Endpoint == "" || cfg.Kafka.Brokers == "" {
			return nil, fmt.Errorf("分布式模式需要配置 minio.endpoint 和 kafka.brokers")
		}
		storage.InitMinIO(cfg.MinIO)
		a.producer = kafka.NewProducer(cfg.Kafka)
		a.processor.WithDistribution(storage.NewBundleStore(storage.MinioClient, cfg.MinIO.BucketName), a.producer)
	}
	return a, nil
}

func (a *app) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
}
