// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	XNAT          XNATConfig          `mapstructure:"xnat"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Classify      ClassifyConfig      `mapstructure:"classify"`
	Grouping      GroupingConfig      `mapstructure:"grouping"`
	Deid          DeidConfig          `mapstructure:"deid"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
}

// ServerConfig 存储运维 API 服务相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	// Driver 取值 mysql、postgres 或 sqlite。
	Driver string      `mapstructure:"driver"`
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时使用进程内锁。
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// JWTConfig 存储运维令牌相关的配置。
type JWTConfig struct {
	Secret           string `mapstructure:"secret"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置，仅分布式模式使用。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储审计索引相关的配置。Addresses 为空时不写审计。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于在节点间传递暂存包。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// XNATConfig 存储远端 XNAT 仓库的连接信息。
type XNATConfig struct {
	Server    string `mapstructure:"server"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Project   string `mapstructure:"project"`
	VerifySSL bool   `mapstructure:"verify_ssl"`
	// SessionType 是新建会话时使用的 xsiType。
	SessionType string `mapstructure:"session_type"`
	ScanType    string `mapstructure:"scan_type"`
	// PostUpload 列出上传完成后触发的动作，例如 pullDataFromHeaders。
	PostUpload []string `mapstructure:"post_upload"`
}

// IngestConfig 存储扫描、暂存与并发相关的配置。
type IngestConfig struct {
	ExportRoot     string        `mapstructure:"export_root"`
	Recursive      bool          `mapstructure:"recursive"`
	Subdirs        []string      `mapstructure:"subdirs"`
	StagingDir     string        `mapstructure:"staging_dir"`
	QuarantineDir  string        `mapstructure:"quarantine_dir"`
	QuarantineMove bool          `mapstructure:"quarantine_move"`
	CacheDir       string        `mapstructure:"cache_dir"`
	Concurrency    int           `mapstructure:"concurrency"`
	WaitPeriod     time.Duration `mapstructure:"wait_period"`
}

// ClassifyConfig 定义文件类型判定规则。
type ClassifyConfig struct {
	DicomExtensions    []string `mapstructure:"dicom_extensions"`
	ListModeExtensions []string `mapstructure:"listmode_extensions"`
	IgnoreExtensions   []string `mapstructure:"ignore_extensions"`
	ListModeSignatures []string `mapstructure:"listmode_signatures"`
	ProbeBytes         int      `mapstructure:"probe_bytes"`
}

// GroupingConfig 定义 list-mode 文件与序列的关联策略。
type GroupingConfig struct {
	WindowBefore     time.Duration `mapstructure:"window_before"`
	WindowAfter      time.Duration `mapstructure:"window_after"`
	TieBreak         string        `mapstructure:"tie_break"`
	TimestampPattern string        `mapstructure:"timestamp_pattern"`
	TimestampLayout  string        `mapstructure:"timestamp_layout"`
}

// DeidConfig 定义脱敏策略来源。
type DeidConfig struct {
	PolicyFile    string `mapstructure:"policy_file"`
	HashKey       string `mapstructure:"hash_key"`
	RemovePrivate bool   `mapstructure:"remove_private"`
}

// UploadConfig 定义上传重试与超时。
type UploadConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	VerifyChecksum bool          `mapstructure:"verify_checksum"`
}

// ScheduleConfig 定义 serve 模式下的定时扫描。
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// setDefaults 为未出现在配置文件中的键提供默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ingest.db")
	v.SetDefault("database.redis.lock_ttl", "30m")
	v.SetDefault("jwt.token_expire_hours", 12)
	v.SetDefault("kafka.topic", "xnat-ingest-sessions")
	v.SetDefault("kafka.group_id", "xnat-ingest-worker")
	v.SetDefault("elasticsearch.index_name", "ingest-audit")
	v.SetDefault("minio.bucket_name", "xnat-staged")
	// 凭据类的键也需要默认值，AutomaticEnv 才能在 Unmarshal 时覆盖它们
	for _, key := range []string{
		"xnat.server", "xnat.user", "xnat.password", "xnat.project",
		"database.redis.addr", "database.redis.password",
		"minio.endpoint", "minio.access_key_id", "minio.secret_access_key",
		"kafka.brokers", "jwt.secret", "deid.hash_key", "deid.policy_file",
		"elasticsearch.addresses", "elasticsearch.username", "elasticsearch.password",
		"ingest.export_root",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("xnat.verify_ssl", true)
	v.SetDefault("xnat.session_type", "xnat:petSessionData")
	v.SetDefault("xnat.scan_type", "xnat:petScanData")
	v.SetDefault("ingest.recursive", true)
	v.SetDefault("ingest.staging_dir", "staging")
	v.SetDefault("ingest.quarantine_dir", "quarantine")
	v.SetDefault("ingest.cache_dir", "cache")
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("classify.dicom_extensions", []string{".dcm", ".dicom", ".ima"})
	v.SetDefault("classify.listmode_extensions", []string{".ptd", ".lm", ".bf"})
	v.SetDefault("classify.ignore_extensions", []string{".txt", ".xml", ".json", ".log", ".md", ".zip", ".yaml", ".yml"})
	v.SetDefault("classify.listmode_signatures", []string{"LARGE_PET_LM_RAWDATA", "SIEMENS_LISTMODE"})
	v.SetDefault("classify.probe_bytes", 64*1024)
	v.SetDefault("grouping.window_before", "10m")
	v.SetDefault("grouping.window_after", "10m")
	v.SetDefault("grouping.tie_break", "nearest")
	v.SetDefault("grouping.timestamp_pattern", `(\d{4})\.(\d{2})\.(\d{2})\.(\d{2})\.(\d{2})\.(\d{2})`)
	v.SetDefault("deid.remove_private", true)
	v.SetDefault("upload.max_retries", 5)
	v.SetDefault("upload.backoff_initial", "1s")
	v.SetDefault("upload.backoff_max", "30s")
	v.SetDefault("upload.call_timeout", "2m")
	v.SetDefault("upload.verify_checksum", true)
	v.SetDefault("schedule.cron", "@every 15m")
}

// Load 从指定路径读取 YAML 配置。路径为空时只使用默认值和环境变量。
// 环境变量使用 INGEST_ 前缀，例如 INGEST_XNAT_PASSWORD。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if cfg.Ingest.Concurrency < 1 {
		cfg.Ingest.Concurrency = 1
	}
	if cfg.Upload.MaxRetries < 1 {
		cfg.Upload.MaxRetries = 1
	}
	return &cfg, nil
}

// Init 初始化配置加载，并将结果写入全局 Conf。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
