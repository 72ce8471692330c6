package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Node configuration
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`

	// Storage configuration
	StoragePath string `yaml:"storage_path"`

	// P2P configuration
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// API configuration
	APIPort   int     `yaml:"api_port"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Client configuration
	NodeURL        string `yaml:"node_url"`
	CNNAPIURL      string `yaml:"cnn_api_url"`
	ApplicationID  string `yaml:"application_id"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	OutputDir      string `yaml:"output_dir"`

	// Timeouts
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
	PredictTimeout   time.Duration `yaml:"predict_timeout"`
	RetrainTimeout   time.Duration `yaml:"retrain_timeout"`

	// Query cache windows
	CacheStaleTime time.Duration `yaml:"cache_stale_time"`
	CacheGCTime    time.Duration `yaml:"cache_gc_time"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddress:    "0.0.0.0",
		Port:             4001,
		StoragePath:      "./storage",
		APIPort:          8080,
		RateLimit:        20,
		RateBurst:        40,
		NodeURL:          "http://node1.127.0.0.1.nip.io",
		CNNAPIURL:        "http://localhost:8000",
		ApplicationID:    "medshare",
		MaxUploadBytes:   40 * 1024, // 40KB
		OutputDir:        ".",
		BootstrapTimeout: 10 * time.Second,
		PredictTimeout:   30 * time.Second,
		RetrainTimeout:   10 * time.Minute,
		CacheStaleTime:   2 * time.Minute,
		CacheGCTime:      10 * time.Minute,
	}
}

// Load starts from DefaultConfig, overlays the YAML file at path (if path is
// not empty) and then the MEDSHARE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api port: %d", c.APIPort)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid p2p port: %d", c.Port)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if c.StoragePath == "" {
		return fmt.Errorf("storage path is required")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = readEnv("MEDSHARE_LISTEN_ADDRESS", cfg.ListenAddress)
	cfg.Port = parseInt("MEDSHARE_P2P_PORT", cfg.Port)
	cfg.StoragePath = readEnv("MEDSHARE_STORAGE_PATH", cfg.StoragePath)
	cfg.BootstrapPeers = parseList("MEDSHARE_BOOTSTRAP_PEERS", cfg.BootstrapPeers)
	cfg.APIPort = parseInt("MEDSHARE_API_PORT", cfg.APIPort)
	cfg.RateLimit = parseFloat("MEDSHARE_RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = parseInt("MEDSHARE_RATE_BURST", cfg.RateBurst)
	cfg.NodeURL = readEnv("MEDSHARE_NODE_URL", cfg.NodeURL)
	cfg.CNNAPIURL = readEnv("MEDSHARE_CNN_API_URL", cfg.CNNAPIURL)
	cfg.ApplicationID = readEnv("MEDSHARE_APPLICATION_ID", cfg.ApplicationID)
	cfg.MaxUploadBytes = parseInt64("MEDSHARE_MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)
	cfg.OutputDir = readEnv("MEDSHARE_OUTPUT_DIR", cfg.OutputDir)
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
