// Package config provides configuration management for the engine: coded
// defaults merged with a JSON settings file and environment-variable
// overrides, following the teacher's config.go layering exactly.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultRPCConcurrency is the rolling concurrency cap on the RPC
	// dispatcher (spec §4.1).
	DefaultRPCConcurrency = 10
	// DefaultRPCTimeoutMS is the default per-call timeout (spec §4.1).
	DefaultRPCTimeoutMS = 30_000
)

// Config holds process-wide settings for the engine (spec's ambient config
// layer, extended with the domain-stack fields SPEC_FULL.md wires in).
type Config struct {
	DataDir  string `json:"data_dir"`
	DBPath   string `json:"db_path"`
	MaxConns int    `json:"max_conns"`
	WALMode  bool   `json:"wal_mode"`

	RPCConcurrency int `json:"rpc_concurrency"`
	RPCTimeoutMS   int `json:"rpc_timeout_ms"`

	EmbeddingProvider   string `json:"embedding_provider"` // "local-minilm" | "remote-http"
	EmbeddingAPIKey     string `json:"-"`                  // never serialized; env-only
	EmbeddingBaseURL    string `json:"embedding_base_url"`
	EmbeddingModelName  string `json:"embedding_model_name"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	EmbeddingBatchSize  int    `json:"embedding_batch_size"`

	CacheMemoryTTLSeconds     int `json:"cache_memory_ttl_seconds"`
	CacheMemoryMaxEntries     int `json:"cache_memory_max_entries"`
	CachePersistentTTLSeconds int `json:"cache_persistent_ttl_seconds"`
	CacheDatabaseTTLSeconds   int `json:"cache_database_ttl_seconds"`

	QueueDefaultBatchSize int `json:"queue_default_batch_size"`
	QueueMaxRetries       int `json:"queue_max_retries"`

	LikeBranchEnabled   bool `json:"like_branch_enabled"`
	LikeBranchMinLength int  `json:"like_branch_min_length"`
	LikeBranchMaxRows   int  `json:"like_branch_max_rows"`

	HTTPPort int `json:"http_port"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// HomeDataDir returns the default data directory path (~/.engram).
func HomeDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".engram")
}

// SettingsPath returns the settings file path under DataDir.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, "settings.json")
}

// EnsureDataDir creates the data directory (owner-only permissions).
func EnsureDataDir(dataDir string) error {
	return os.MkdirAll(dataDir, 0o700)
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dataDir := HomeDataDir()
	return &Config{
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "engram.db"),
		MaxConns: 4,
		WALMode:  true,

		RPCConcurrency: DefaultRPCConcurrency,
		RPCTimeoutMS:   DefaultRPCTimeoutMS,

		EmbeddingProvider:   "local-minilm",
		EmbeddingBaseURL:    "",
		EmbeddingModelName:  "",
		EmbeddingDimensions: 0,
		EmbeddingBatchSize:  8,

		CacheMemoryTTLSeconds:     120,
		CacheMemoryMaxEntries:     1000,
		CachePersistentTTLSeconds: 6 * 3600,
		CacheDatabaseTTLSeconds:   7 * 24 * 3600,

		QueueDefaultBatchSize: 25,
		QueueMaxRetries:       3,

		LikeBranchEnabled:   false,
		LikeBranchMinLength: 3,
		LikeBranchMaxRows:   100,

		HTTPPort: 37780,
	}
}

// Load reads the settings file, merging onto defaults, and applies the
// ENGRAM_EMBEDDING_API_KEY and ENGRAM_HTTP_PORT environment overrides (credentials never live in the
// settings file, only in the process environment).
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath(cfg.DataDir))
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		applyEnv(cfg)
		return cfg, nil // defaults on parse error, matching teacher's Load()
	}

	merge(cfg, settings)
	applyEnv(cfg)
	return cfg, nil
}

func merge(cfg *Config, settings map[string]any) {
	if v, ok := settings["db_path"].(string); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := settings["max_conns"].(float64); ok && v > 0 {
		cfg.MaxConns = int(v)
	}
	if v, ok := settings["wal_mode"].(bool); ok {
		cfg.WALMode = v
	}
	if v, ok := settings["rpc_concurrency"].(float64); ok && v > 0 {
		cfg.RPCConcurrency = int(v)
	}
	if v, ok := settings["rpc_timeout_ms"].(float64); ok && v > 0 {
		cfg.RPCTimeoutMS = int(v)
	}
	if v, ok := settings["embedding_provider"].(string); ok && v != "" {
		cfg.EmbeddingProvider = v
	}
	if v, ok := settings["embedding_base_url"].(string); ok && v != "" {
		cfg.EmbeddingBaseURL = v
	}
	if v, ok := settings["embedding_model_name"].(string); ok && v != "" {
		cfg.EmbeddingModelName = v
	}
	if v, ok := settings["embedding_dimensions"].(float64); ok && v > 0 {
		cfg.EmbeddingDimensions = int(v)
	}
	if v, ok := settings["embedding_batch_size"].(float64); ok && v > 0 {
		cfg.EmbeddingBatchSize = int(v)
	}
	if v, ok := settings["cache_memory_ttl_seconds"].(float64); ok && v > 0 {
		cfg.CacheMemoryTTLSeconds = int(v)
	}
	if v, ok := settings["cache_memory_max_entries"].(float64); ok && v > 0 {
		cfg.CacheMemoryMaxEntries = int(v)
	}
	if v, ok := settings["queue_default_batch_size"].(float64); ok && v > 0 {
		cfg.QueueDefaultBatchSize = int(v)
	}
	if v, ok := settings["queue_max_retries"].(float64); ok && v >= 0 {
		cfg.QueueMaxRetries = int(v)
	}
	if v, ok := settings["like_branch_enabled"].(bool); ok {
		cfg.LikeBranchEnabled = v
	}
	if v, ok := settings["http_port"].(float64); ok && v > 0 {
		cfg.HTTPPort = int(v)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ENGRAM_EMBEDDING_API_KEY"); v != "" {
		cfg.EmbeddingAPIKey = v
	}
	if v := os.Getenv("ENGRAM_HTTP_PORT"); v != "" {
		var p int
		if err := json.Unmarshal([]byte(v), &p); err == nil && p > 0 {
			cfg.HTTPPort = p
		}
	}
}

// Get returns the process-wide configuration, loading it once.
func Get() *Config {
	configOnce.Do(func() {
		var err error
		globalConfig, err = Load()
		if err != nil {
			globalConfig = Default()
			applyEnv(globalConfig)
		}
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
