// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Source FHIR, Sink FHIR, Warehouse, Jdbc, Kafka, Redis, Pipeline,
// Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Source    SourceFhirConfig `yaml:"source"`
	SinkFhir  SinkFhirConfig   `yaml:"sinkFhir"`
	Warehouse WarehouseConfig  `yaml:"warehouse"`
	Jdbc      JdbcConfig       `yaml:"jdbc"`
	Kafka     KafkaConfig      `yaml:"kafka"`
	Redis     RedisConfig      `yaml:"redis"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Schema    SchemaConfig     `yaml:"schema"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Retry     RetryConfig      `yaml:"retry"`
}

// SourceFhirConfig holds the source FHIR server endpoint and credentials.
type SourceFhirConfig struct {
	ServerURL   string        `yaml:"serverUrl"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	BearerToken string        `yaml:"bearerToken"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SinkFhirConfig holds the optional mirror FHIR server endpoint. An empty
// ServerURL disables mirroring.
type SinkFhirConfig struct {
	ServerURL string        `yaml:"serverUrl"`
	User      string        `yaml:"user"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
}

// WarehouseConfig controls the Parquet warehouse output.
type WarehouseConfig struct {
	OutputPath   string `yaml:"outputPath"`
	RowGroupSize int64  `yaml:"rowGroupSizeForParquetFiles"`
}

// JdbcConfig holds parameters for the direct-database fetch mode. Only the
// Postgres driver is bundled; DriverClass exists for compatibility with older
// deployment configs and must name it.
type JdbcConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	DriverClass     string        `yaml:"driverClass"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MinIdleConns    int           `yaml:"minIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	TableFhirMap    string        `yaml:"tableFhirMapPath"`
}

// DSN returns a lib/pq-compatible data source name. An explicit URL wins over
// the discrete host/port fields.
func (j JdbcConfig) DSN() string {
	if j.URL != "" {
		return j.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		j.Host, j.Port, j.User, j.Password, j.Database, j.SSLMode,
	)
}

// KafkaConfig holds broker and topic settings for the change-data-capture
// listener.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	TopicPrefix   string   `yaml:"topicPrefix"`
	DeadLetter    string   `yaml:"deadLetterTopic"`
}

// RedisConfig holds the optional watermark store connection. An empty Addr
// disables watermark tracking.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// PipelineConfig controls extraction parallelism and sizing.
type PipelineConfig struct {
	Resources       []string      `yaml:"resources"`
	BatchSize       int           `yaml:"batchSize"`
	FetchSize       int           `yaml:"fetchSize"`
	WorkerCount     int           `yaml:"workerCount"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	Incremental     bool          `yaml:"incremental"`
}

// SchemaConfig controls FHIR-to-Avro schema resolution.
type SchemaConfig struct {
	FhirVersion          string `yaml:"fhirVersion"`
	StructureDefinitions string `yaml:"structureDefinitionsPath"`
	RecursiveDepth       int    `yaml:"recursiveDepth"`
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

// RetryConfig controls backoff for transient remote errors.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with defaults suitable for extracting from a
// local HAPI server into a local warehouse.
func defaultConfig() *Config {
	return &Config{
		Source: SourceFhirConfig{
			ServerURL: "http://localhost:8098/fhir",
			Timeout:   60 * time.Second,
		},
		SinkFhir: SinkFhirConfig{
			Timeout: 30 * time.Second,
		},
		Warehouse: WarehouseConfig{
			OutputPath:   "dwh",
			RowGroupSize: 32 * 1024 * 1024,
		},
		Jdbc: JdbcConfig{
			DriverClass:     "org.postgresql.Driver",
			Host:            "localhost",
			Port:            5432,
			Database:        "openmrs",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MinIdleConns:    3,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "fhir-pipes-cdc",
			TopicPrefix:   "EmrCdc",
			DeadLetter:    "fhir-pipes-dead-letter",
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Pipeline: PipelineConfig{
			Resources:       []string{"Patient", "Encounter", "Observation"},
			BatchSize:       100,
			FetchSize:       100,
			WorkerCount:     8,
			ShutdownTimeout: 30 * time.Second,
		},
		Schema: SchemaConfig{
			FhirVersion:    "R4",
			RecursiveDepth: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// applyEnvOverrides reads FP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FP_SOURCE_URL"); v != "" {
		cfg.Source.ServerURL = v
	}
	if v := os.Getenv("FP_SOURCE_USER"); v != "" {
		cfg.Source.User = v
	}
	if v := os.Getenv("FP_SOURCE_PASSWORD"); v != "" {
		cfg.Source.Password = v
	}
	if v := os.Getenv("FP_SINK_FHIR_URL"); v != "" {
		cfg.SinkFhir.ServerURL = v
	}
	if v := os.Getenv("FP_SINK_FHIR_USER"); v != "" {
		cfg.SinkFhir.User = v
	}
	if v := os.Getenv("FP_SINK_FHIR_PASSWORD"); v != "" {
		cfg.SinkFhir.Password = v
	}
	if v := os.Getenv("FP_OUTPUT_PARQUET_PATH"); v != "" {
		cfg.Warehouse.OutputPath = v
	}
	if v := os.Getenv("FP_JDBC_URL"); v != "" {
		cfg.Jdbc.URL = v
	}
	if v := os.Getenv("FP_DB_USER"); v != "" {
		cfg.Jdbc.User = v
	}
	if v := os.Getenv("FP_DB_PASSWORD"); v != "" {
		cfg.Jdbc.Password = v
	}
	if v := os.Getenv("FP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FP_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.WorkerCount = n
		}
	}
	if v := os.Getenv("FP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FP_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
		}
	}
}

// Validate checks cross-field constraints that cannot be expressed by
// defaults alone.
func (c *Config) Validate() error {
	if c.Source.ServerURL == "" {
		return fmt.Errorf("source FHIR server URL must be set")
	}
	if c.Warehouse.OutputPath == "" {
		return fmt.Errorf("warehouse output path must be set")
	}
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Pipeline.WorkerCount)
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.FetchSize <= 0 {
		return fmt.Errorf("fetch size must be positive, got %d", c.Pipeline.FetchSize)
	}
	if c.Pipeline.Incremental {
		if c.Redis.Addr == "" {
			return fmt.Errorf("incremental mode requires the watermark store (redis addr)")
		}
		if c.Jdbc.Enabled {
			return fmt.Errorf("incremental mode applies to search extraction, not jdbc mode")
		}
	}
	if c.Jdbc.Enabled {
		if c.Jdbc.TableFhirMap == "" {
			return fmt.Errorf("jdbc mode requires a table-FHIR map path")
		}
		if !strings.Contains(c.Jdbc.DriverClass, "postgresql") && c.Jdbc.DriverClass != "postgres" {
			return fmt.Errorf("unsupported jdbc driver class %q: only the Postgres driver is bundled", c.Jdbc.DriverClass)
		}
	}
	switch strings.ToUpper(c.Schema.FhirVersion) {
	case "R4", "DSTU3":
	default:
		return fmt.Errorf("unsupported FHIR version %q", c.Schema.FhirVersion)
	}
	return nil
}
