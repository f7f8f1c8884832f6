package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.WorkerCount != 8 {
		t.Errorf("expected default worker count 8, got %d", cfg.Pipeline.WorkerCount)
	}
	if cfg.Warehouse.RowGroupSize != 32*1024*1024 {
		t.Errorf("unexpected default row group size %d", cfg.Warehouse.RowGroupSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	content := `
source:
  serverUrl: http://fhir.example.org/fhir
  timeout: 10s
pipeline:
  resources: [Patient, Observation]
  workerCount: 4
warehouse:
  outputPath: /data/dwh
  rowGroupSizeForParquetFiles: 1048576
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source.ServerURL != "http://fhir.example.org/fhir" {
		t.Errorf("unexpected source URL %q", cfg.Source.ServerURL)
	}
	if cfg.Source.Timeout != 10*time.Second {
		t.Errorf("unexpected timeout %v", cfg.Source.Timeout)
	}
	if len(cfg.Pipeline.Resources) != 2 || cfg.Pipeline.Resources[0] != "Patient" {
		t.Errorf("unexpected resources %v", cfg.Pipeline.Resources)
	}
	if cfg.Warehouse.RowGroupSize != 1048576 {
		t.Errorf("unexpected row group size %d", cfg.Warehouse.RowGroupSize)
	}
	// Untouched fields keep defaults.
	if cfg.Pipeline.BatchSize != 100 {
		t.Errorf("expected default batch size, got %d", cfg.Pipeline.BatchSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FP_SOURCE_URL", "http://override:8080/fhir")
	t.Setenv("FP_WORKER_COUNT", "16")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source.ServerURL != "http://override:8080/fhir" {
		t.Errorf("env override not applied: %q", cfg.Source.ServerURL)
	}
	if cfg.Pipeline.WorkerCount != 16 {
		t.Errorf("env override not applied: %d", cfg.Pipeline.WorkerCount)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no source", func(c *Config) { c.Source.ServerURL = "" }},
		{"no output", func(c *Config) { c.Warehouse.OutputPath = "" }},
		{"zero workers", func(c *Config) { c.Pipeline.WorkerCount = 0 }},
		{"zero batch", func(c *Config) { c.Pipeline.BatchSize = 0 }},
		{"jdbc without map", func(c *Config) { c.Jdbc.Enabled = true; c.Jdbc.TableFhirMap = "" }},
		{"bad driver class", func(c *Config) {
			c.Jdbc.Enabled = true
			c.Jdbc.TableFhirMap = "map.json"
			c.Jdbc.DriverClass = "com.mysql.jdbc.Driver"
		}},
		{"bad fhir version", func(c *Config) { c.Schema.FhirVersion = "R5" }},
		{"incremental without redis", func(c *Config) { c.Pipeline.Incremental = true }},
		{"incremental with jdbc", func(c *Config) {
			c.Pipeline.Incremental = true
			c.Redis.Addr = "localhost:6379"
			c.Jdbc.Enabled = true
			c.Jdbc.TableFhirMap = "map.json"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestJdbcDSN(t *testing.T) {
	j := JdbcConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "openmrs", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=openmrs sslmode=disable"
	if got := j.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
	j.URL = "postgres://u:p@db/openmrs"
	if got := j.DSN(); got != j.URL {
		t.Errorf("explicit URL should win, got %q", got)
	}
}
