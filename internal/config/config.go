package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/NamanBalaji/bdm/internal/downloader"
	"github.com/NamanBalaji/bdm/internal/engine"
	httpProto "github.com/NamanBalaji/bdm/pkg/protocol/http"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	appDir         = "bdm"
	configFileName = "config.yaml"
)

const (
	maxConcurrentDownloads = engine.DefaultMaxConcurrentDownloads
	downloadDir            = "downloads"

	chunkSize      = httpProto.DefaultChunkSize
	maxRetries     = 5
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
	retryJitter    = 0.2
	timeout        = 30 * time.Second

	resumeStore      = "file"
	progressInterval = downloader.DefaultProgressInterval
	summaryInterval  = engine.DefaultSummaryInterval

	logMaxSizeMB  = 10
	logMaxBackups = 3
)

// Config holds the configuration options for the application.
type Config struct {
	MaxConcurrentDownloads int           `yaml:"maxConcurrentDownloads,omitempty"`
	DownloadDir            string        `yaml:"downloadDir,omitempty"`
	HTTP                   *HTTPConfig   `yaml:"http,omitempty"`
	Resume                 *ResumeConfig `yaml:"resume,omitempty"`
	Events                 *EventsConfig `yaml:"events,omitempty"`
	Log                    *LogConfig    `yaml:"log,omitempty"`
	API                    *APIConfig    `yaml:"api,omitempty"`
}

// HTTPConfig holds configuration options for HTTP transfers.
type HTTPConfig struct {
	ChunkSize      int           `yaml:"chunkSize,omitempty"`
	MaxRetries     int           `yaml:"maxRetries,omitempty"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay,omitempty"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay,omitempty"`
	RetryJitter    float64       `yaml:"retryJitter,omitempty"`
	// Timeout bounds the wait for response headers and for each body read.
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
	UserAgent string            `yaml:"userAgent,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	// RateLimit caps combined throughput in bytes per second. 0 means unlimited.
	RateLimit int64 `yaml:"rateLimit,omitempty"`
}

// ResumeConfig selects where resume state is kept.
type ResumeConfig struct {
	Store                 string `yaml:"store,omitempty"`
	DBPath                string `yaml:"dbPath,omitempty"`
	RemovePartialOnCancel *bool  `yaml:"removePartialOnCancel,omitempty"`
	ResumeToFront         bool   `yaml:"resumeToFront,omitempty"`
}

type EventsConfig struct {
	ProgressInterval time.Duration `yaml:"progressInterval,omitempty"`
	SummaryInterval  time.Duration `yaml:"summaryInterval,omitempty"`
}

type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
}

// APIConfig enables the status API when Listen is set.
type APIConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Dir returns the directory holding the config file, log and database.
func Dir() string {
	return filepath.Join(xdg.ConfigHome, appDir)
}

// Path returns the location of the config file.
func Path() string {
	return filepath.Join(Dir(), configFileName)
}

// GetConfig reads the configuration file and returns a Config struct.
// A missing or empty file yields the defaults. Callers apply flag
// overrides and then call Validate.
func GetConfig() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is GetConfig reading from path instead of the default location.
func LoadFile(path string) (*Config, error) {
	defaults := DefaultConfig()

	var cfg Config

	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	httpCfg := zeroOr(cfg.HTTP, defaults.HTTP)
	resumeCfg := zeroOr(cfg.Resume, defaults.Resume)
	eventsCfg := zeroOr(cfg.Events, defaults.Events)
	logCfg := zeroOr(cfg.Log, defaults.Log)
	apiCfg := zeroOr(cfg.API, defaults.API)

	conf := Config{
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		DownloadDir:            zeroOr(cfg.DownloadDir, defaults.DownloadDir),
		HTTP: &HTTPConfig{
			ChunkSize:      zeroOr(httpCfg.ChunkSize, defaults.HTTP.ChunkSize),
			MaxRetries:     zeroOr(httpCfg.MaxRetries, defaults.HTTP.MaxRetries),
			RetryBaseDelay: zeroOr(httpCfg.RetryBaseDelay, defaults.HTTP.RetryBaseDelay),
			RetryMaxDelay:  zeroOr(httpCfg.RetryMaxDelay, defaults.HTTP.RetryMaxDelay),
			RetryJitter:    zeroOr(httpCfg.RetryJitter, defaults.HTTP.RetryJitter),
			Timeout:        zeroOr(httpCfg.Timeout, defaults.HTTP.Timeout),
			UserAgent:      zeroOr(httpCfg.UserAgent, defaults.HTTP.UserAgent),
			Headers:        httpCfg.Headers,
			RateLimit:      httpCfg.RateLimit,
		},
		Resume: &ResumeConfig{
			Store:                 zeroOr(resumeCfg.Store, defaults.Resume.Store),
			DBPath:                zeroOr(resumeCfg.DBPath, defaults.Resume.DBPath),
			RemovePartialOnCancel: zeroOr(resumeCfg.RemovePartialOnCancel, defaults.Resume.RemovePartialOnCancel),
			ResumeToFront:         resumeCfg.ResumeToFront,
		},
		Events: &EventsConfig{
			ProgressInterval: zeroOr(eventsCfg.ProgressInterval, defaults.Events.ProgressInterval),
			SummaryInterval:  zeroOr(eventsCfg.SummaryInterval, defaults.Events.SummaryInterval),
		},
		Log: &LogConfig{
			File:       zeroOr(logCfg.File, defaults.Log.File),
			MaxSizeMB:  zeroOr(logCfg.MaxSizeMB, defaults.Log.MaxSizeMB),
			MaxBackups: zeroOr(logCfg.MaxBackups, defaults.Log.MaxBackups),
		},
		API: &APIConfig{
			Listen: apiCfg.Listen,
		},
	}

	return &conf, nil
}

func DefaultConfig() Config {
	removePartial := true
	return Config{
		MaxConcurrentDownloads: maxConcurrentDownloads,
		DownloadDir:            downloadDir,
		HTTP: &HTTPConfig{
			ChunkSize:      chunkSize,
			MaxRetries:     maxRetries,
			RetryBaseDelay: retryBaseDelay,
			RetryMaxDelay:  retryMaxDelay,
			RetryJitter:    retryJitter,
			Timeout:        timeout,
			UserAgent:      httpProto.DefaultUserAgent,
		},
		Resume: &ResumeConfig{
			Store:                 resumeStore,
			DBPath:                filepath.Join(Dir(), "bdm.db"),
			RemovePartialOnCancel: &removePartial,
		},
		Events: &EventsConfig{
			ProgressInterval: progressInterval,
			SummaryInterval:  summaryInterval,
		},
		Log: &LogConfig{
			File:       filepath.Join(Dir(), "bdm.log"),
			MaxSizeMB:  logMaxSizeMB,
			MaxBackups: logMaxBackups,
		},
		API: &APIConfig{},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}

// Validate reports ErrInvalidConfig for values no component can run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentDownloads <= 0 || c.DownloadDir == "" {
		return ErrInvalidConfig
	}

	if err := c.HTTP.validate(); err != nil {
		return err
	}

	return c.Resume.validate()
}

func (h *HTTPConfig) validate() error {
	if h.ChunkSize <= 0 || h.MaxRetries < 0 || h.RateLimit < 0 {
		return ErrInvalidConfig
	}
	if h.RetryBaseDelay <= 0 || h.RetryMaxDelay < h.RetryBaseDelay {
		return ErrInvalidConfig
	}
	// keeps successive delays non-decreasing with a factor of 2
	if h.RetryJitter < 0 || h.RetryJitter > 1.0/3 {
		return ErrInvalidConfig
	}

	return nil
}

func (r *ResumeConfig) validate() error {
	switch r.Store {
	case "file":
	case "bolt":
		if r.DBPath == "" {
			return ErrInvalidConfig
		}
	default:
		return ErrInvalidConfig
	}

	return nil
}

// EngineConfig converts c into the settings of a download manager.
func (c *Config) EngineConfig() *engine.Config {
	cfg := engine.DefaultConfig()
	cfg.MaxConcurrentDownloads = c.MaxConcurrentDownloads
	cfg.Retry = downloader.RetryPolicy{
		MaxRetries: c.HTTP.MaxRetries,
		BaseDelay:  c.HTTP.RetryBaseDelay,
		MaxDelay:   c.HTTP.RetryMaxDelay,
		Factor:     2,
		Jitter:     c.HTTP.RetryJitter,
	}
	if c.Resume.RemovePartialOnCancel != nil {
		cfg.RemovePartialOnCancel = *c.Resume.RemovePartialOnCancel
	}
	cfg.ResumeToFront = c.Resume.ResumeToFront
	cfg.ProgressInterval = c.Events.ProgressInterval
	cfg.SummaryInterval = c.Events.SummaryInterval
	return cfg
}

// ClientConfig converts c into the settings of the HTTP client.
func (c *Config) ClientConfig() *httpProto.ClientConfig {
	cfg := httpProto.DefaultConfig()
	cfg.ChunkSize = c.HTTP.ChunkSize
	cfg.ResponseHeaderTimeout = c.HTTP.Timeout
	cfg.ReadTimeout = c.HTTP.Timeout
	cfg.RateLimit = c.HTTP.RateLimit
	if c.HTTP.UserAgent != "" {
		cfg.DefaultHeaders["User-Agent"] = c.HTTP.UserAgent
	}
	for k, v := range c.HTTP.Headers {
		cfg.DefaultHeaders[k] = v
	}
	return cfg
}
