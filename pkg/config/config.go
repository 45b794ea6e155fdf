// Package config loads the task agent configuration from YAML, .env files and
// the environment, and wires the configured providers and stores together.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Protocol-Lattice/go-taskagent/pkg/backup"
)

// GeneratorConfig selects the text-generation provider used for extraction.
type GeneratorConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	PromptPrefix string `yaml:"prompt_prefix"`
	// CacheSize > 0 memoises completions; CachePath persists them across runs.
	CacheSize    int    `yaml:"cache_size"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs"`
	CachePath    string `yaml:"cache_path"`
}

// EmbedderConfig selects the embedding provider.
type EmbedderConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	CacheSize    int    `yaml:"cache_size"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs"`
}

// RecordsConfig selects the relational store.
type RecordsConfig struct {
	Driver     string `yaml:"driver"` // sqlite, postgres or memory
	Path       string `yaml:"path"`
	DSN        string `yaml:"dsn"`
	SchemaPath string `yaml:"schema_path"`
}

type QdrantConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// VectorsConfig selects the vector index.
type VectorsConfig struct {
	Driver string        `yaml:"driver"` // memory, qdrant, pgvector, mongodb or neo4j
	DSN    string        `yaml:"dsn"`    // pgvector; defaults to records.dsn
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
	Mongo  *MongoConfig  `yaml:"mongodb,omitempty"`
	Neo4j  *Neo4jConfig  `yaml:"neo4j,omitempty"`
}

// ExtractConfig tunes the extraction loop.
type ExtractConfig struct {
	MaxAttempts        int     `yaml:"max_attempts"`
	AttemptTimeoutSecs int     `yaml:"attempt_timeout_secs"`
	MaxInFlight        int64   `yaml:"max_in_flight"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	Burst              int     `yaml:"burst"`
	RequirePriority    *bool   `yaml:"require_priority,omitempty"`
}

// SnapshotsConfig selects where snapshots are kept. An empty driver disables them.
type SnapshotsConfig struct {
	Driver string              `yaml:"driver"` // local or minio
	Dir    string              `yaml:"dir"`
	Minio  *backup.MinioConfig `yaml:"minio,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// AppConfig is the root configuration structure.
type AppConfig struct {
	Generator GeneratorConfig `yaml:"generator"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Records   RecordsConfig   `yaml:"records"`
	Vectors   VectorsConfig   `yaml:"vectors"`
	Extract   ExtractConfig   `yaml:"extract"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Log       LogConfig       `yaml:"log"`
}

// Load reads .env (if present), then the YAML file at path, then applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	applyEnv(cfg, os.LookupEnv)
	applyConfigDefaults(cfg)
	return cfg, nil
}

// Save writes the config to path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultPath is ./taskagent.yaml when it exists, else ~/.config/taskagent/config.yaml.
func DefaultPath() string {
	const local = "taskagent.yaml"
	if _, err := os.Stat(local); err == nil {
		return local
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return local
	}
	return filepath.Join(home, ".config", "taskagent", "config.yaml")
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Generator: GeneratorConfig{Provider: "ollama", Model: "llama3.1"},
		Embedder:  EmbedderConfig{Provider: "hash", CacheSize: 1024},
		Records:   RecordsConfig{Driver: "sqlite", Path: "tasks.db"},
		Vectors:   VectorsConfig{Driver: "memory"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Records.Driver == "" {
		cfg.Records.Driver = "sqlite"
	}
	if cfg.Records.Driver == "sqlite" && cfg.Records.Path == "" {
		cfg.Records.Path = "tasks.db"
	}
	if cfg.Vectors.Driver == "" {
		cfg.Vectors.Driver = "memory"
	}
	if cfg.Vectors.Driver == "pgvector" && cfg.Vectors.DSN == "" {
		cfg.Vectors.DSN = cfg.Records.DSN
	}
	if cfg.Vectors.Driver == "qdrant" && cfg.Vectors.Qdrant == nil {
		cfg.Vectors.Qdrant = &QdrantConfig{}
	}
	if q := cfg.Vectors.Qdrant; q != nil {
		if q.URL == "" {
			q.URL = "http://localhost:6333"
		}
		if q.Collection == "" {
			q.Collection = "tasks"
		}
	}
	if cfg.Vectors.Driver == "mongodb" && cfg.Vectors.Mongo == nil {
		cfg.Vectors.Mongo = &MongoConfig{}
	}
	if m := cfg.Vectors.Mongo; m != nil {
		if m.URI == "" {
			m.URI = "mongodb://localhost:27017"
		}
		if m.Database == "" {
			m.Database = "taskagent"
		}
		if m.Collection == "" {
			m.Collection = "task_vectors"
		}
	}
	if cfg.Vectors.Driver == "neo4j" && cfg.Vectors.Neo4j == nil {
		cfg.Vectors.Neo4j = &Neo4jConfig{}
	}
	if n := cfg.Vectors.Neo4j; n != nil {
		if n.URI == "" {
			n.URI = "neo4j://localhost:7687"
		}
		if n.Username == "" {
			n.Username = "neo4j"
		}
	}
	if cfg.Snapshots.Driver == "local" && cfg.Snapshots.Dir == "" {
		cfg.Snapshots.Dir = "snapshots"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv overlays TASKAGENT_* variables and the usual service variables.
func applyEnv(cfg *AppConfig, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("TASKAGENT_GENERATOR", &cfg.Generator.Provider)
	str("TASKAGENT_MODEL", &cfg.Generator.Model)
	str("TASKAGENT_EMBEDDER", &cfg.Embedder.Provider)
	str("TASKAGENT_EMBED_MODEL", &cfg.Embedder.Model)
	str("TASKAGENT_DB_DRIVER", &cfg.Records.Driver)
	str("TASKAGENT_DB_PATH", &cfg.Records.Path)
	str("TASKAGENT_DB_DSN", &cfg.Records.DSN)
	str("TASKAGENT_VECTOR_DRIVER", &cfg.Vectors.Driver)
	str("TASKAGENT_VECTOR_DSN", &cfg.Vectors.DSN)
	str("TASKAGENT_SNAPSHOT_DRIVER", &cfg.Snapshots.Driver)
	str("TASKAGENT_SNAPSHOT_DIR", &cfg.Snapshots.Dir)
	str("TASKAGENT_LOG_LEVEL", &cfg.Log.Level)
	str("TASKAGENT_LOG_FORMAT", &cfg.Log.Format)
	num("TASKAGENT_MAX_ATTEMPTS", &cfg.Extract.MaxAttempts)
	num("TASKAGENT_ATTEMPT_TIMEOUT_SECS", &cfg.Extract.AttemptTimeoutSecs)

	if v, ok := lookup("QDRANT_URL"); ok && v != "" {
		if cfg.Vectors.Qdrant == nil {
			cfg.Vectors.Qdrant = &QdrantConfig{}
		}
		cfg.Vectors.Qdrant.URL = v
	}
	if v, ok := lookup("QDRANT_API_KEY"); ok && v != "" && cfg.Vectors.Qdrant != nil {
		cfg.Vectors.Qdrant.APIKey = v
	}
	if v, ok := lookup("NEO4J_PASSWORD"); ok && v != "" && cfg.Vectors.Neo4j != nil {
		cfg.Vectors.Neo4j.Password = v
	}
	if m := cfg.Snapshots.Minio; m != nil {
		str("MINIO_ENDPOINT", &m.Endpoint)
		str("MINIO_ACCESS_KEY", &m.AccessKey)
		str("MINIO_SECRET_KEY", &m.SecretKey)
	}
}
