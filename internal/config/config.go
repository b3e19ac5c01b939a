package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Domain    string    `yaml:"domain"`
	Storage   Storage   `yaml:"storage"`
	Content   Content   `yaml:"content"`
	Sync      Sync      `yaml:"sync"`
	Tasks     Tasks     `yaml:"tasks"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

type Storage struct {
	Path string `yaml:"path" validate:"required"`
}

// Content configures how externally visible download URLs are built. An
// empty origin defers to forwarded-protocol/forwarded-host request metadata
// (or the request's own connection info) at redirect time.
type Content struct {
	Origin     string `yaml:"origin" validate:"omitempty,url"`
	PathPrefix string `yaml:"path_prefix" validate:"required,startswith=/"`
}

// Sync configures the optional periodic schedule. Repositories listed here
// are synchronized from their bound remotes on the cron schedule.
type Sync struct {
	Schedule     string   `yaml:"schedule"`
	Repositories []string `yaml:"repositories"`
	Mirror       bool     `yaml:"mirror"`
}

type Tasks struct {
	Workers int `yaml:"workers"`
	Backlog int `yaml:"backlog"`
}

type RateLimit struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type Log struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Filename   string `yaml:"filename"`    // log file path
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of backups
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`    // compress rotated files
}

var validate = validator.New()

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	return LoadFromFile("config/config.yaml")
}

// LoadFromFile loads and validates the configuration from the specified file
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{
		Domain:  "default",
		Content: Content{PathPrefix: "/pulp/content/"},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := ensureDirs(cfg.Storage.Path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureDirs creates necessary directories if they don't exist
func ensureDirs(basePath string) error {
	dirs := []string{
		filepath.Join(basePath, "crates"),
		filepath.Join(basePath, "index"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
