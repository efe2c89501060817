// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Storage, Indexer, Search, Ingest, Redis, Postgres, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Search   SearchConfig   `yaml:"search"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StorageConfig locates the record store and the trie files. Relative file
// names are resolved against DataDir.
type StorageConfig struct {
	DataDir     string            `yaml:"dataDir"`
	RecordStore string            `yaml:"recordStore"`
	Frozen      map[string]string `yaml:"frozen"`
	Delta       map[string]string `yaml:"delta"`
}

// RecordStorePath returns the absolute-or-relative path of the record store.
func (s StorageConfig) RecordStorePath() string {
	return s.resolve(s.RecordStore)
}

// FrozenPath returns the frozen trie file for the named field.
func (s StorageConfig) FrozenPath(field string) string {
	name, ok := s.Frozen[field]
	if !ok {
		name = field + "_trie.bin"
	}
	return s.resolve(name)
}

// DeltaPath returns the delta trie file for the named field.
func (s StorageConfig) DeltaPath(field string) string {
	name, ok := s.Delta[field]
	if !ok {
		name = field + "_memory_trie.bin"
	}
	return s.resolve(name)
}

func (s StorageConfig) resolve(name string) string {
	if filepath.IsAbs(name) || s.DataDir == "" {
		return name
	}
	return filepath.Join(s.DataDir, name)
}

// IndexerConfig controls the index build.
type IndexerConfig struct {
	Parallelism int `yaml:"parallelism"`
	// CheckEvery is how many records a build task scans between context checks.
	CheckEvery int `yaml:"checkEvery"`
}

// SearchConfig controls query defaults.
type SearchConfig struct {
	Prefix     bool `yaml:"prefix"`
	Or         bool `yaml:"or"`
	MaxResults int  `yaml:"maxResults"`
}

// IngestConfig describes the two source spreadsheets joined into the record
// store.
type IngestConfig struct {
	SalaryDelimiter  string `yaml:"salaryDelimiter"`
	SalaryHasHeader  bool   `yaml:"salaryHasHeader"`
	InfoDelimiter    string `yaml:"infoDelimiter"`
	InfoHasHeader    bool   `yaml:"infoHasHeader"`
	Encoding         string `yaml:"encoding"`
	MissingRoleLabel string `yaml:"missingRoleLabel"`
	ProgressEvery    int    `yaml:"progressEvery"`
	// RawSalaryDelimiter is the delimiter of the salary spreadsheet as
	// published, before PrepareSalary sorts and rewrites it. Its first row
	// is always a header.
	RawSalaryDelimiter string `yaml:"rawSalaryDelimiter"`
}

// ConsumerConfig controls the Kafka record consumer.
type ConsumerConfig struct {
	InsertsPerSecond float64       `yaml:"insertsPerSecond"`
	Burst            int           `yaml:"burst"`
	HealthPort       int           `yaml:"healthPort"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	NewRecords  string `yaml:"newRecords"`
	IndexEvents string `yaml:"indexEvents"`
}

// SnapshotConfig selects where index generations are exported to.
type SnapshotConfig struct {
	// Backend is "local" or "minio".
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Secure    bool   `yaml:"secure"`
	// Codec is "zstd", "lz4" or "none".
	Codec string `yaml:"codec"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	if c.Storage.RecordStore == "" {
		return fmt.Errorf("storage.recordStore must not be empty")
	}
	if c.Indexer.Parallelism < 1 {
		return fmt.Errorf("indexer.parallelism must be at least 1, got %d", c.Indexer.Parallelism)
	}
	switch c.Ingest.Encoding {
	case "utf-8", "latin1":
	default:
		return fmt.Errorf("ingest.encoding must be utf-8 or latin1, got %q", c.Ingest.Encoding)
	}
	switch c.Snapshot.Codec {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("snapshot.codec must be zstd, lz4 or none, got %q", c.Snapshot.Codec)
	}
	return nil
}

// Default returns a Config that works out of the current directory with
// every optional integration switched off.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:     ".",
			RecordStore: "database.bin",
			Frozen:      map[string]string{},
			Delta:       map[string]string{},
		},
		Indexer: IndexerConfig{
			Parallelism: 3,
			CheckEvery:  4096,
		},
		Search: SearchConfig{
			MaxResults: 10000,
		},
		Ingest: IngestConfig{
			SalaryDelimiter:  ",",
			SalaryHasHeader:  false,
			InfoDelimiter:    ";",
			InfoHasHeader:    true,
			Encoding:         "utf-8",
			MissingRoleLabel: "Sem informação",
			ProgressEvery:    40000,

			RawSalaryDelimiter: ";",
		},
		Consumer: ConsumerConfig{
			InsertsPerSecond: 50,
			Burst:            10,
			HealthPort:       8090,
			ProbeTimeout:     3 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "fwb",
			User:            "fwb",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "fwb-indexer",
			Topics: KafkaTopics{
				NewRecords:  "records.new",
				IndexEvents: "index.events",
			},
		},
		Snapshot: SnapshotConfig{
			Backend: "local",
			Dir:     "snapshots",
			Bucket:  "fwb-snapshots",
			Codec:   "zstd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads FWB_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FWB_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FWB_RECORD_STORE"); v != "" {
		cfg.Storage.RecordStore = v
	}
	if v := os.Getenv("FWB_INDEXER_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Indexer.Parallelism = n
		}
	}
	if v := os.Getenv("FWB_INGEST_ENCODING"); v != "" {
		cfg.Ingest.Encoding = v
	}
	if v := os.Getenv("FWB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("FWB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FWB_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("FWB_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("FWB_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("FWB_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("FWB_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
		cfg.Snapshot.Backend = "minio"
	}
	if v := os.Getenv("FWB_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("FWB_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}
	if v := os.Getenv("FWB_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FWB_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FWB_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
			cfg.Metrics.Enabled = true
		}
	}
}
