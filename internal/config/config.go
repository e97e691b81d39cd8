// Package config loads the story engine's application configuration from a
// YAML file, overridable by environment variables, following the same
// viper + yaml.v3 pattern used throughout the Cortex codebase.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/model"
)

// Config holds all application configuration for the story engine. It is
// passed explicitly to every constructor that needs it — there are no
// package-level config globals. Fields are tagged for yaml.v3 only; Load
// points viper's decoder at the same tag name so a single set of tags
// (matching model.QueueConfig's existing yaml tags) covers both paths.
type Config struct {
	App                 AppConfig                   `yaml:"app"`
	Cache               CacheConfig                 `yaml:"cache"`
	Queues              map[string]model.QueueConfig `yaml:"queues"`
	RequestID           RequestIDConfig              `yaml:"request_id"`
	Providers           ProvidersConfig              `yaml:"providers"`
	NarratorVoiceID     string                       `yaml:"narrator_voice_id"`
	ResourceWaitTimeout time.Duration                `yaml:"resource_wait_timeout"`
	DownloadConcurrency int64                        `yaml:"download_concurrency"`
}

// AppConfig carries application identity and the debug switch.
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Debug   bool   `yaml:"debug"`
}

// CacheConfig holds the Redis connection parameters, mirrored into
// cache.Config by the caller.
type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// RequestIDConfig controls how a request ID is generated when a caller
// (CLI, HTTP handler) doesn't supply one of its own.
type RequestIDConfig struct {
	Prefix string `yaml:"prefix"`
}

// ProvidersConfig addresses the external services the engine consumes:
// the planning/scripting chatflow, the image generation workflow host, the
// TTS endpoint, and the voice/sound media library (§4.5).
type ProvidersConfig struct {
	Prompt        ProviderEndpoint `yaml:"prompt"`
	ImageWorkflow ProviderEndpoint `yaml:"image_workflow"`
	TTS           ProviderEndpoint `yaml:"tts"`
	MediaLibrary  ProviderEndpoint `yaml:"media_library"`
}

// ProviderEndpoint is the host/credential pair shared by every external
// provider client.
type ProviderEndpoint struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Default returns a Config with sensible defaults for local development:
// a single Redis instance on localhost, one queue per resource kind, and
// the timeouts named in the external interface spec.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:    "storyengine",
			Version: "dev",
			Debug:   false,
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Queues: map[string]model.QueueConfig{
			"image_generation": {
				Name: "image_generation", MaxConcurrent: 4,
				JobTimeout: 60 * time.Second, KeepResult: time.Hour,
				MaxTries: 3, RetryDelays: []int{5, 15, 60},
			},
			"tts": {
				Name: "tts", MaxConcurrent: 8,
				JobTimeout: 30 * time.Second, KeepResult: time.Hour,
				MaxTries: 3, RetryDelays: []int{5, 15, 60},
			},
			"audio_search": {
				Name: "audio_search", MaxConcurrent: 4,
				JobTimeout: 30 * time.Second, KeepResult: time.Hour,
				MaxTries: 3, RetryDelays: []int{5, 15, 60},
			},
		},
		RequestID:           RequestIDConfig{Prefix: "req"},
		ResourceWaitTimeout: 3600 * time.Second,
		DownloadConcurrency: 10,
	}
}

// Load reads configuration from path, merges in environment overrides
// (prefix SNE_, "." replaced with "_" so e.g. cache.addr becomes
// SNE_CACHE_ADDR), and applies defaults for anything left unset. A missing
// file is not an error: Load falls back to Default() plus env overrides,
// since the engine is equally at home driven entirely by environment in a
// container.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults := Default()
	defaultsYAML, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config defaults: %w", err)
	}
	if err := v.ReadConfig(strings.NewReader(string(defaultsYAML))); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("SNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for the inconsistencies that would
// otherwise surface as a confusing runtime failure deep in the task queue
// or tracker.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name cannot be empty")
	}
	if c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr cannot be empty")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue must be configured")
	}
	for name, q := range c.Queues {
		if q.MaxConcurrent <= 0 {
			return fmt.Errorf("queues.%s.max_concurrent must be positive", name)
		}
		if q.JobTimeout <= 0 {
			return fmt.Errorf("queues.%s.job_timeout must be positive", name)
		}
		if q.MaxTries <= 0 {
			return fmt.Errorf("queues.%s.max_tries must be positive", name)
		}
	}
	if c.ResourceWaitTimeout <= 0 {
		return fmt.Errorf("resource_wait_timeout must be positive")
	}
	if c.DownloadConcurrency <= 0 {
		return fmt.Errorf("download_concurrency must be positive")
	}
	return nil
}

// QueueConfigs returns the configured queues as a slice, the shape
// taskqueue.New expects.
func (c *Config) QueueConfigs() []model.QueueConfig {
	out := make([]model.QueueConfig, 0, len(c.Queues))
	for _, q := range c.Queues {
		out = append(out, q)
	}
	return out
}

// ToCacheConfig converts the config section into the shape cache.New
// expects.
func (c CacheConfig) ToCacheConfig() cache.Config {
	return cache.Config{Addr: c.Addr, Password: c.Password, DB: c.DB}
}
