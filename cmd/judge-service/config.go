package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"kurooj/internal/common/cache"
	"kurooj/internal/common/mq"
	"kurooj/internal/common/storage"
	"kurooj/internal/judge/sandbox"
	"kurooj/internal/judge/sandbox/engine"
	"kurooj/internal/judge/sandbox/language"
	"kurooj/internal/judge/sandbox/workspace"
	"kurooj/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultWorkRoot        = "/var/lib/kurooj/work"

	queueDriverKafka  = "kafka"
	queueDriverMemory = "memory"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// QueueConfig selects the queue driver.
type QueueConfig struct {
	Driver string `yaml:"driver"`
	// Capacity bounds each topic of the memory driver.
	Capacity int `yaml:"capacity"`
}

// TopicsConfig names the queue topics.
type TopicsConfig struct {
	Jobs       string `yaml:"jobs"`
	Cancel     string `yaml:"cancel"`
	Verdicts   string `yaml:"verdicts"`
	DeadLetter string `yaml:"deadLetter"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	ClientID        string        `yaml:"clientID"`
	MinBytes        int           `yaml:"minBytes"`
	MaxBytes        int           `yaml:"maxBytes"`
	MaxWait         time.Duration `yaml:"maxWait"`
	BatchSize       int           `yaml:"batchSize"`
	BatchTimeout    time.Duration `yaml:"batchTimeout"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequiredAcks    int           `yaml:"requiredAcks"`
	Compression     string        `yaml:"compression"`
	Topics          TopicsConfig  `yaml:"topics"`
	CancelGroup     string        `yaml:"cancelGroup"`
	MaxRedeliveries int           `yaml:"maxRedeliveries"`
	RedeliveryDelay time.Duration `yaml:"redeliveryDelay"`
	MessageTTL      time.Duration `yaml:"messageTTL"`
}

// WorkerConfig holds worker pool and retry settings.
type WorkerConfig struct {
	PoolSize       int           `yaml:"poolSize"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	ReportAttempts int           `yaml:"reportAttempts"`
}

// SourceConfig holds source download settings.
type SourceConfig struct {
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

// StatusConfig holds status persistence settings.
type StatusConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	CancelTTL time.Duration `yaml:"cancelTTL"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LimitsConfig bounds what a job may ask for.
type LimitsConfig struct {
	MaxSourceBytes   int   `yaml:"maxSourceBytes"`
	MaxTestCases     int   `yaml:"maxTestCases"`
	MaxTimeLimitMs   int64 `yaml:"maxTimeLimitMs"`
	MaxMemoryLimitMB int64 `yaml:"maxMemoryLimitMB"`
	MaxOutputBytes   int64 `yaml:"maxOutputBytes"`
}

// JudgeConfig holds grading settings.
type JudgeConfig struct {
	WorkRoot        string        `yaml:"workRoot"`
	MinFreeBytes    uint64        `yaml:"minFreeBytes"`
	MinFreeInodes   uint64        `yaml:"minFreeInodes"`
	MaxJobDuration  time.Duration `yaml:"maxJobDuration"`
	PerTestOverhead time.Duration `yaml:"perTestOverhead"`
	OutputBytes     int64         `yaml:"outputBytes"`
	StderrBytes     int64         `yaml:"stderrBytes"`
	StackMB         int64         `yaml:"stackMB"`
	PIDs            int64         `yaml:"pids"`
	Limits          LimitsConfig  `yaml:"limits"`
}

// SandboxConfig holds sandbox engine settings.
type SandboxConfig struct {
	HelperPath         string        `yaml:"helperPath"`
	SeccompProfile     string        `yaml:"seccompProfile"`
	EnableSeccomp      bool          `yaml:"enableSeccomp"`
	CgroupRoot         string        `yaml:"cgroupRoot"`
	EnableCgroup       bool          `yaml:"enableCgroup"`
	MemoryPollInterval time.Duration `yaml:"memoryPollInterval"`
	WaitDelay          time.Duration `yaml:"waitDelay"`
}

// LanguageConfig holds language definitions. An empty list selects the
// built-in cpp, c and python table.
type LanguageConfig struct {
	Languages []language.Spec        `yaml:"languages"`
	Compile   language.CompileConfig `yaml:"compile"`
}

// RateLimitConfig bounds submissions per client ip. Zero disables the limit.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	SubmitPerIP int           `yaml:"submitPerIP"`
	Timeout     time.Duration `yaml:"timeout"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Queue     QueueConfig         `yaml:"queue"`
	Kafka     KafkaConfig         `yaml:"kafka"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Source    SourceConfig        `yaml:"source"`
	Worker    WorkerConfig        `yaml:"worker"`
	Status    StatusConfig        `yaml:"status"`
	Judge     JudgeConfig         `yaml:"judge"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Language  LanguageConfig      `yaml:"language"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	RateLimit RateLimitConfig     `yaml:"rateLimit"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	cfg.Redis.ApplyDefaults()

	cfg.Queue.Driver = strings.ToLower(cfg.Queue.Driver)
	switch cfg.Queue.Driver {
	case "":
		cfg.Queue.Driver = queueDriverKafka
		fallthrough
	case queueDriverKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	case queueDriverMemory:
	default:
		return fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
	if cfg.Kafka.Topics.Jobs == "" {
		cfg.Kafka.Topics.Jobs = "judge.jobs"
	}
	if cfg.Kafka.Topics.Cancel == "" {
		cfg.Kafka.Topics.Cancel = "judge.cancel"
	}
	if cfg.Kafka.Topics.Verdicts == "" {
		cfg.Kafka.Topics.Verdicts = "judge.verdicts"
	}
	if cfg.Kafka.Topics.DeadLetter == "" {
		cfg.Kafka.Topics.DeadLetter = "judge.dead"
	}
	if cfg.Kafka.CancelGroup == "" {
		host, _ := os.Hostname()
		cfg.Kafka.CancelGroup = fmt.Sprintf("kurooj-cancel-%s-%d", host, os.Getpid())
	}
	if cfg.Kafka.MaxRedeliveries == 0 {
		cfg.Kafka.MaxRedeliveries = 2
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Source.Bucket == "" {
		cfg.Source.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Judge.WorkRoot == "" {
		cfg.Judge.WorkRoot = defaultWorkRoot
	}
	if len(cfg.Language.Languages) == 0 {
		cfg.Language.Languages = language.DefaultSpecs()
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s SandboxConfig) toEngineConfig(j JudgeConfig) engine.Config {
	return engine.Config{
		HelperPath:         s.HelperPath,
		SeccompProfile:     s.SeccompProfile,
		EnableSeccomp:      s.EnableSeccomp,
		CgroupRoot:         s.CgroupRoot,
		EnableCgroup:       s.EnableCgroup,
		DefaultOutputBytes: j.OutputBytes,
		DefaultStderrBytes: j.StderrBytes,
		MemoryPollInterval: s.MemoryPollInterval,
		WaitDelay:          s.WaitDelay,
	}
}

func (j JudgeConfig) toWorkspaceConfig() workspace.Config {
	return workspace.Config{
		Root:          j.WorkRoot,
		MinFreeBytes:  j.MinFreeBytes,
		MinFreeInodes: j.MinFreeInodes,
	}
}

func (j JudgeConfig) toPipelineConfig(compile language.CompileConfig) sandbox.Config {
	return sandbox.Config{
		CompileTimeout:  compile.Timeout,
		PerTestOverhead: j.PerTestOverhead,
		MaxJobDuration:  j.MaxJobDuration,
		OutputBytes:     j.OutputBytes,
		StderrBytes:     j.StderrBytes,
		StackMB:         j.StackMB,
		PIDs:            j.PIDs,
		Limits: sandbox.Limits{
			MaxSourceBytes:   j.Limits.MaxSourceBytes,
			MaxTestCases:     j.Limits.MaxTestCases,
			MaxTimeLimitMs:   j.Limits.MaxTimeLimitMs,
			MaxMemoryLimitMB: j.Limits.MaxMemoryLimitMB,
			MaxOutputBytes:   j.Limits.MaxOutputBytes,
		},
	}
}
