// Package config loads daemon settings from an optional YAML file with
// environment overrides. A .env file next to the working directory is
// loaded first so API keys stay out of the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/finchley/autoreply/internal/classify"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`

	// App identifies the watched chat application and the UI elements the
	// classifier and sender look up.
	App       classify.AppProfile `yaml:"app"`
	Backend   BackendConfig       `yaml:"backend"`
	Pipeline  PipelineConfig      `yaml:"pipeline"`
	Retention RetentionConfig     `yaml:"retention"`
}

type BackendConfig struct {
	Active      string  `yaml:"active"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

type RetentionConfig struct {
	Schedule    string   `yaml:"schedule"`
	MaxInactive Duration `yaml:"max_inactive"`
}

// Duration accepts "168h" style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func Default() Config {
	dataDir := "data"
	return Config{
		HTTPAddr: ":8087",
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "autoreply.db"),
		App: classify.AppProfile{
			PackageName:  "com.tencent.mm",
			ChatTitleID:  "com.tencent.mm:id/chat_title",
			MessageID:    "com.tencent.mm:id/message_text",
			InputID:      "com.tencent.mm:id/chat_input",
			SendButtonID: "com.tencent.mm:id/send_button",
		},
		Backend: BackendConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   100,
			Temperature: 0.7,
		},
		Pipeline: PipelineConfig{Workers: 5},
		Retention: RetentionConfig{
			Schedule:    "@daily",
			MaxInactive: Duration(7 * 24 * time.Hour),
		},
	}
}

// Load builds the config from defaults, then the YAML file at path (skipped
// when path is empty or missing), then environment variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "autoreply.db")
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 5
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("AUTOREPLY_HTTP_ADDR", cfg.HTTPAddr)
	cfg.DataDir = getEnv("AUTOREPLY_DATA_DIR", cfg.DataDir)
	cfg.DBPath = getEnv("AUTOREPLY_DB_PATH", cfg.DBPath)

	cfg.App.PackageName = getEnv("AUTOREPLY_APP_PACKAGE", cfg.App.PackageName)

	cfg.Backend.Active = getEnv("AUTOREPLY_BACKEND", cfg.Backend.Active)
	cfg.Backend.BaseURL = getEnv("AUTOREPLY_BACKEND_URL", cfg.Backend.BaseURL)
	cfg.Backend.APIKey = getEnv("AUTOREPLY_API_KEY", cfg.Backend.APIKey)
	cfg.Backend.Model = getEnv("AUTOREPLY_MODEL", cfg.Backend.Model)

	if v := os.Getenv("AUTOREPLY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}
	cfg.Retention.Schedule = getEnv("AUTOREPLY_RETENTION_SCHEDULE", cfg.Retention.Schedule)
	if v := os.Getenv("AUTOREPLY_RETENTION_MAX_INACTIVE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retention.MaxInactive = Duration(d)
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
