// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"themesync/shared/types"
)

type Config struct {
	// Server and Database configure the reference backend
	Server struct {
		Host           string            `json:"host"`
		Port           int               `json:"port"`
		Tokens         map[string]string `json:"tokens"` // bearer token -> user id; empty accepts any token
		MaxUploadBytes int64             `json:"max_upload_bytes"`
		UploadTTLSecs  int               `json:"upload_ttl_seconds"`
	} `json:"server"`

	Database struct {
		Path string `json:"path"`
	} `json:"database"`

	Remote struct {
		BaseURL        string `json:"base_url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"remote"`

	Sync struct {
		StateDir   string            `json:"state_dir"`  // version store, token file, content safe
		UserID     string            `json:"user_id"`
		Token      string            `json:"token"`
		Roots      map[string]string `json:"roots"`      // category -> content directory
		CacheSize  int               `json:"cache_size"` // content safe LRU entries
		DebounceMs int               `json:"debounce_ms"`
	} `json:"sync"`

	Environment string `json:"environment"` // dev, prod
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
}

// DefaultPath resolves the config file from THEMESYNC_CONFIG or THEMESYNC_ENV
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv("THEMESYNC_CONFIG")); p != "" {
		return p
	}
	env := os.Getenv("THEMESYNC_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadOrDefault falls back to defaults when the file does not exist
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var config Config
	config.applyEnv()
	config.applyDefaults()
	return &config, config.Validate()
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("THEMESYNC_TOKEN")); v != "" {
		c.Sync.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("THEMESYNC_REMOTE")); v != "" {
		c.Remote.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("THEMESYNC_USER")); v != "" {
		c.Sync.UserID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 10 << 20
	}
	if c.Server.UploadTTLSecs == 0 {
		c.Server.UploadTTLSecs = 900
	}
	if c.Database.Path == "" {
		c.Database.Path = "data"
	}
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = 30
	}
	if c.Sync.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Sync.StateDir = filepath.Join(home, ".themesync")
		} else {
			c.Sync.StateDir = ".themesync"
		}
	}
	if c.Sync.Roots == nil {
		c.Sync.Roots = map[string]string{}
	}
	for _, cat := range shared.Categories() {
		if c.Sync.Roots[string(cat)] == "" {
			c.Sync.Roots[string(cat)] = filepath.Join(c.Sync.StateDir, string(cat))
		}
	}
	if c.Sync.UserID == "" {
		c.Sync.UserID = "default"
	}
	if c.Sync.CacheSize == 0 {
		c.Sync.CacheSize = 256
	}
	if c.Sync.DebounceMs == 0 {
		c.Sync.DebounceMs = 500
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote base_url must be http(s), got %q", c.Remote.BaseURL)
	}
	if c.Server.MaxUploadBytes < 0 || c.Server.UploadTTLSecs < 0 {
		return fmt.Errorf("negative upload limits")
	}
	if c.Remote.TimeoutSeconds < 0 {
		return fmt.Errorf("negative remote timeout")
	}
	if c.Sync.CacheSize < 0 {
		return fmt.Errorf("negative cache size")
	}
	for name := range c.Sync.Roots {
		if _, err := shared.ParseCategory(name); err != nil {
			return fmt.Errorf("sync roots: %w", err)
		}
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

func (c *Config) UploadTTL() time.Duration {
	return time.Duration(c.Server.UploadTTLSecs) * time.Second
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMs) * time.Millisecond
}

// Root returns the content directory of a category
func (c *Config) Root(cat shared.Category) string {
	return c.Sync.Roots[string(cat)]
}

func (c *Config) VersionFile() string {
	return filepath.Join(c.Sync.StateDir, "versions.json")
}

func (c *Config) TokenFile() string {
	return filepath.Join(c.Sync.StateDir, "token")
}

func (c *Config) SafeDir() string {
	return filepath.Join(c.Sync.StateDir, "safe")
}
