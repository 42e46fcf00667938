package server

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/export"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/fault"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/traffic"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "/etc/faultdash/config.yaml"

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	// Device link
	Device DeviceConfig `yaml:"device" json:"device"`

	// Retrieval pacing and retries
	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`

	// Traffic log
	Logging traffic.Config `yaml:"logging" json:"logging"`

	// Export documents
	Export ExportConfig `yaml:"export" json:"export"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type     string            `yaml:"type" json:"type"`          // "serial", "remote" or "demo"
	PortPath string            `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyS1
	BaudRate int               `yaml:"baud_rate" json:"baudRate"`
	URL      string            `yaml:"url" json:"url"`     // panel base URL for "remote"
	Token    string            `yaml:"token" json:"token"` // bearer token for "remote"
	Demo     device.DemoConfig `yaml:"demo" json:"demo"`
}

type RetrievalConfig struct {
	RequestTimeoutMs  int `yaml:"request_timeout_ms" json:"requestTimeoutMs"`
	MaxAttempts       int `yaml:"max_attempts" json:"maxAttempts"`
	AttemptUnitMs     int `yaml:"attempt_unit_ms" json:"attemptUnitMs"` // attempt n waits n×unit
	PacingMs          int `yaml:"pacing_ms" json:"pacingMs"`
	FailureStreak     int `yaml:"failure_streak" json:"failureStreak"`
	RecoveryBackoffMs int `yaml:"recovery_backoff_ms" json:"recoveryBackoffMs"`
}

// Options converts the retrieval section into controller options.
func (r RetrievalConfig) Options() fault.Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return fault.Options{
		MaxAttempts:     r.MaxAttempts,
		AttemptUnit:     ms(r.AttemptUnitMs),
		Pacing:          ms(r.PacingMs),
		FailureStreak:   r.FailureStreak,
		RecoveryBackoff: ms(r.RecoveryBackoffMs),
		RequestTimeout:  ms(r.RequestTimeoutMs),
	}
}

type ExportConfig struct {
	Prefix  string `yaml:"prefix" json:"prefix"`
	Title   string `yaml:"title" json:"title"`
	Author  string `yaml:"author" json:"author"`
	Company string `yaml:"company" json:"company"`
}

// SheetMeta returns the document properties for spreadsheet exports.
func (e ExportConfig) SheetMeta(created time.Time) export.SheetMeta {
	return export.SheetMeta{Title: e.Title, Author: e.Author, Company: e.Company, Created: created}
}

type ServerConfig struct {
	ListenAddr       string `yaml:"listen_addr" json:"listenAddr"`
	StatusIntervalMs int    `yaml:"status_interval_ms" json:"statusIntervalMs"` // progress frames during a run
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:     "demo",
			PortPath: "/dev/ttyS1",
			BaudRate: device.DefaultBaudRate,
			Demo: device.DemoConfig{
				Records:  25,
				DropRate: 0.1,
			},
		},
		Retrieval: RetrievalConfig{
			RequestTimeoutMs:  int(device.DefaultTimeout / time.Millisecond),
			MaxAttempts:       3,
			AttemptUnitMs:     100,
			PacingMs:          100,
			FailureStreak:     3,
			RecoveryBackoffMs: 500,
		},
		Logging: traffic.Config{
			Enabled: false,
			Path:    "/var/log/faultdash",
			MaxRows: 50_000,
		},
		Export: ExportConfig{
			Prefix: export.DefaultPrefix,
		},
		Server: ServerConfig{
			ListenAddr:       ":8080",
			StatusIntervalMs: 500,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config first, then CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, DEVICE_URL, DEVICE_TOKEN,
// REQUEST_TIMEOUT_MS, FETCH_MAX_ATTEMPTS, FETCH_PACING_MS, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH, EXPORT_PREFIX
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.PortPath = v
	}
	envInt("DEVICE_BAUD", &c.Device.BaudRate)
	if v := os.Getenv("DEVICE_URL"); v != "" {
		c.Device.URL = v
	}
	if v := os.Getenv("DEVICE_TOKEN"); v != "" {
		c.Device.Token = v
	}
	envInt("REQUEST_TIMEOUT_MS", &c.Retrieval.RequestTimeoutMs)
	envInt("FETCH_MAX_ATTEMPTS", &c.Retrieval.MaxAttempts)
	envInt("FETCH_PACING_MS", &c.Retrieval.PacingMs)
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("EXPORT_PREFIX"); v != "" {
		c.Export.Prefix = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

// ExportSettings returns a copy of the export section.
func (c *Config) ExportSettings() ExportConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Export
}

// RetrievalSettings returns a copy of the retrieval section.
func (c *Config) RetrievalSettings() RetrievalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Retrieval
}

// LoggingSettings returns a copy of the traffic log section.
func (c *Config) LoggingSettings() traffic.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// ServerSettings returns a copy of the server section.
func (c *Config) ServerSettings() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
}

const maskedToken = "********"

// ToJSON serializes config for the API. The device token is masked.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := struct {
		Device    DeviceConfig    `json:"device"`
		Retrieval RetrievalConfig `json:"retrieval"`
		Logging   traffic.Config  `json:"logging"`
		Export    ExportConfig    `json:"export"`
		Server    ServerConfig    `json:"server"`
	}{c.Device, c.Retrieval, c.Logging, c.Export, c.Server}
	if view.Device.Token != "" {
		view.Device.Token = maskedToken
	}
	return json.Marshal(view)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal current config")
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return errors.Wrap(err, "unmarshal current config")
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return errors.Wrap(err, "unmarshal patch")
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return errors.Wrap(err, "marshal merged config")
	}
	token := c.Device.Token
	if err := json.Unmarshal(merged, c); err != nil {
		return errors.Wrap(err, "apply merged config")
	}
	// a GET-then-POST round trip carries the mask back
	if c.Device.Token == maskedToken {
		c.Device.Token = token
	}
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
