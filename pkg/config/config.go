package config

import "time"

// Config is the root application configuration. yaml tags drive parsing,
// validate tags document the accepted ranges.

type Config struct {
	Logger     LoggerConfig     `yaml:"logger" validate:"required"`
	Server     ServerConfig     `yaml:"http-server" validate:"required"`
	Table      TableConfig      `yaml:"table" validate:"required"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"required,min=1,max=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TableConfig covers one table's storage engine: memory buffer sizing,
// segment layout and compaction behavior. Durations arrive already parsed;
// the human-readable grammar is the config loader's concern, not the engine's.
type TableConfig struct {
	RootPath           string           `yaml:"path" validate:"required,dir"`
	Name               string           `yaml:"name" validate:"required"`
	SchemaIdentifier   string           `yaml:"schema_identifier"`
	IncrementalBackups bool             `yaml:"incremental_backups"`
	Memtable           MemtableConfig   `yaml:"memtable" validate:"required"`
	Segment            SegmentConfig    `yaml:"segment" validate:"required"`
	Compaction         CompactionConfig `yaml:"compaction" validate:"required"`
}

type MemtableConfig struct {
	FlushThresholdBytes uint64 `yaml:"flush_threshold" validate:"required,min=1"`
	FlushQueueSize      int    `yaml:"flush_queue_size" validate:"required,min=1"`
}

type SegmentConfig struct {
	BloomFPRate     float64 `yaml:"bloom_fp_rate" validate:"required,gt=0,lt=1"`
	TargetSizeBytes int64   `yaml:"target_size" validate:"required,min=1"`
}

type CompactionConfig struct {
	MinThreshold     int           `yaml:"min_threshold" validate:"required,min=2"`
	MaxThreshold     int           `yaml:"max_threshold" validate:"required,min=2"`
	TombstoneGCGrace time.Duration `yaml:"tombstone_gc_grace"`
	FlushRetries     int           `yaml:"flush_retries" validate:"min=0"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
}

// LimitConfig is a warn/fail threshold pair for one guarded metric.
// -1 disables the corresponding limit.
type LimitConfig struct {
	WarnThreshold int64 `yaml:"warn_threshold"`
	FailThreshold int64 `yaml:"fail_threshold"`
}

type GuardrailsConfig struct {
	Enabled        bool        `yaml:"enabled"`
	MutationSize   LimitConfig `yaml:"mutation_size"`
	PartitionCells LimitConfig `yaml:"partition_cells"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Table: DefaultTable(),
		Guardrails: GuardrailsConfig{
			Enabled:        false,
			MutationSize:   LimitConfig{WarnThreshold: -1, FailThreshold: -1},
			PartitionCells: LimitConfig{WarnThreshold: -1, FailThreshold: -1},
		},
	}
}

// DefaultTable returns a baseline per-table config.
func DefaultTable() TableConfig {
	return TableConfig{
		RootPath:         "./data",
		Name:             "standard1",
		SchemaIdentifier: "standard1-v1",
		Memtable: MemtableConfig{
			FlushThresholdBytes: 4 * 1024 * 1024,
			FlushQueueSize:      4,
		},
		Segment: SegmentConfig{
			BloomFPRate:     0.01,
			TargetSizeBytes: 64 * 1024 * 1024,
		},
		Compaction: CompactionConfig{
			MinThreshold:     4,
			MaxThreshold:     32,
			TombstoneGCGrace: 10 * 24 * time.Hour,
			FlushRetries:     3,
			RetryBackoff:     100 * time.Millisecond,
		},
	}
}
