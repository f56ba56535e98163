package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Backend BackendConfig `yaml:"backend"`
	Request RequestConfig `yaml:"request"`
	Limiter LimiterConfig `yaml:"limiter"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackendConfig locates the AI/PPT backend. Paths may contain {id} and
// {fileName} placeholders.
type BackendConfig struct {
	BaseURL             string `yaml:"base_url"`
	TemplatesPath       string `yaml:"templates_path"`
	GenerateContentPath string `yaml:"generate_content_path"`
	BuildPath           string `yaml:"build_path"`
	PreviewURLPath      string `yaml:"preview_url_path"`
	Token               string `yaml:"token"`
	TokenFile           string `yaml:"token_file"`
	UseRAG              bool   `yaml:"use_rag"`
}

type RequestConfig struct {
	TimeoutSeconds        int `yaml:"timeout_seconds"`
	PreviewTimeoutSeconds int `yaml:"preview_timeout_seconds"`
	MaxRetries            int `yaml:"max_retries"`
	BackoffMillis         int `yaml:"backoff_ms"`
}

type LimiterConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	RatePerSecond int `yaml:"rate_per_second"`
}

type SessionConfig struct {
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`
}

type StorageConfig struct {
	Type     string `yaml:"type"`
	BasePath string `yaml:"base_path"`
}

func (c RequestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c RequestConfig) PreviewTimeout() time.Duration {
	return time.Duration(c.PreviewTimeoutSeconds) * time.Second
}

func (c RequestConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMillis) * time.Millisecond
}

func (c SessionConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSeconds) * time.Second
}

func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile reads path over the defaults; a missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnvOverrides(cfg), nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return applyEnvOverrides(cfg), nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                ":8080",
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backend: BackendConfig{
			BaseURL:             "http://localhost:8000/api/v1/ppt",
			TemplatesPath:       "/templates",
			GenerateContentPath: "/templates/{id}/generate-content",
			BuildPath:           "/templates/{id}/build-from-data",
			PreviewURLPath:      "/preview-url/{fileName}",
			UseRAG:              true,
		},
		Request: RequestConfig{
			TimeoutSeconds:        180,
			PreviewTimeoutSeconds: 30,
			MaxRetries:            2,
			BackoffMillis:         2000,
		},
		Limiter: LimiterConfig{
			MaxConcurrent: 10,
			RatePerSecond: 5,
		},
		Session: SessionConfig{
			IdleTTLSeconds: 3600,
		},
		Storage: StorageConfig{
			Type:     "none",
			BasePath: "./output",
		},
	}
}

func applyEnvOverrides(cfg *Config) *Config {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
	if v := os.Getenv("BACKEND_TOKEN_FILE"); v != "" {
		cfg.Backend.TokenFile = v
	}
	if v := os.Getenv("REQUEST_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Request.MaxRetries = n
		}
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("STORAGE_BASE_PATH"); v != "" {
		cfg.Storage.BasePath = v
	}
	return cfg
}
