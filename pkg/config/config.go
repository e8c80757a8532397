package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Identity struct {
		Enable          bool `yaml:"enable"`
		AutoDetect      bool `yaml:"auto_detect"`
		MaxNicknames    int  `yaml:"max_nicknames"`
		CacheExpiryDays int  `yaml:"cache_expiry_days"`
	} `yaml:"identity"`
	Annotation struct {
		Position       string       `yaml:"position"`
		SystemPrompt   bool         `yaml:"system_prompt"`
		GenderLabels   GenderValues `yaml:"gender_labels"`
		DefaultAddress GenderValues `yaml:"default_address"`
	} `yaml:"annotation"`
	Persistence struct {
		Backend              string  `yaml:"backend"`
		DataDir              string  `yaml:"data_dir"`
		RedisPrefix          string  `yaml:"redis_prefix"`
		SurrealTable         string  `yaml:"surreal_table"`
		FlushIntervalSeconds float64 `yaml:"flush_interval_seconds"`
		SweepIntervalHours   float64 `yaml:"sweep_interval_hours"`
	} `yaml:"persistence"`
	Platform struct {
		LookupTimeoutSeconds  float64 `yaml:"lookup_timeout_seconds"`
		LookupCacheSize       int     `yaml:"lookup_cache_size"`
		LookupCacheTTLMinutes float64 `yaml:"lookup_cache_ttl_minutes"`
		// PronounRoles maps a guild role name (case-insensitive) to male or female.
		PronounRoles map[string]string `yaml:"pronoun_roles"`
	} `yaml:"platform"`
	ModelSettings struct {
		BaseURL        string   `yaml:"base_url"`
		Model          string   `yaml:"model"`
		FallbackModels []string `yaml:"fallback_models"`
		Temperature    float64  `yaml:"temperature"`
		TopP           float64  `yaml:"top_p"`
		MaxTokens      int64    `yaml:"max_tokens"`
	} `yaml:"model_settings"`
	Log struct {
		Level string `yaml:"level"`
		Debug bool   `yaml:"debug"`
	} `yaml:"log"`
	Metrics struct {
		Address string `yaml:"address"`
	} `yaml:"metrics"`
}

type GenderValues struct {
	Male    string `yaml:"male"`
	Female  string `yaml:"female"`
	Unknown string `yaml:"unknown"`
}

// Default returns the configuration used when no file exists. A file only
// needs to set the values it changes.
func Default() *Config {
	config := &Config{}

	config.Identity.Enable = true
	config.Identity.AutoDetect = true
	config.Identity.MaxNicknames = 5
	config.Identity.CacheExpiryDays = 30

	config.Annotation.Position = "prefix"
	config.Annotation.SystemPrompt = true
	config.Annotation.GenderLabels = GenderValues{Male: "male", Female: "female", Unknown: "gender unknown"}
	config.Annotation.DefaultAddress = GenderValues{Male: "先生", Female: "女士", Unknown: "朋友"}

	config.Persistence.Backend = "file"
	config.Persistence.DataDir = "data"
	config.Persistence.RedisPrefix = "namecard"
	config.Persistence.SurrealTable = "identity_snapshots"
	config.Persistence.FlushIntervalSeconds = 30
	config.Persistence.SweepIntervalHours = 1

	config.Platform.LookupTimeoutSeconds = 2
	config.Platform.LookupCacheSize = 1024
	config.Platform.LookupCacheTTLMinutes = 30
	config.Platform.PronounRoles = map[string]string{
		"he/him":    "male",
		"she/her":   "female",
		"they/them": "unknown",
	}

	config.ModelSettings.BaseURL = "https://integrate.api.nvidia.com/v1"
	config.ModelSettings.Model = "meta/llama-3.3-70b-instruct"
	config.ModelSettings.Temperature = 1
	config.ModelSettings.TopP = 1
	config.ModelSettings.MaxTokens = 1024

	config.Log.Level = "info"
	return config
}

func LoadConfig(path string) (*Config, error) {
	config := Default()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return config, nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(file, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Identity.MaxNicknames < 1 {
		errs = append(errs, fmt.Errorf("identity.max_nicknames must be at least 1, got %d", c.Identity.MaxNicknames))
	}
	switch strings.ToLower(c.Annotation.Position) {
	case "prefix", "suffix":
	default:
		errs = append(errs, fmt.Errorf("annotation.position must be prefix or suffix, got %q", c.Annotation.Position))
	}
	switch c.Persistence.Backend {
	case "file", "redis", "surreal":
	default:
		errs = append(errs, fmt.Errorf("persistence.backend must be file, redis or surreal, got %q", c.Persistence.Backend))
	}
	if c.Persistence.Backend == "file" && c.Persistence.DataDir == "" {
		errs = append(errs, errors.New("persistence.data_dir is required for the file backend"))
	}
	if c.Persistence.FlushIntervalSeconds <= 0 {
		errs = append(errs, errors.New("persistence.flush_interval_seconds must be positive"))
	}
	if c.Persistence.SweepIntervalHours <= 0 {
		errs = append(errs, errors.New("persistence.sweep_interval_hours must be positive"))
	}
	for role, gender := range c.Platform.PronounRoles {
		switch gender {
		case "male", "female", "unknown":
		default:
			errs = append(errs, fmt.Errorf("platform.pronoun_roles[%q]: unknown gender %q", role, gender))
		}
	}
	return errors.Join(errs...)
}

// LogLevel folds the debug switch into the level.
func (c *Config) LogLevel() string {
	if c.Log.Debug {
		return "debug"
	}
	return c.Log.Level
}

func (c *Config) FlushInterval() time.Duration {
	return seconds(c.Persistence.FlushIntervalSeconds)
}

func (c *Config) SweepInterval() time.Duration {
	return seconds(c.Persistence.SweepIntervalHours * 3600)
}

func (c *Config) LookupTimeout() time.Duration {
	return seconds(c.Platform.LookupTimeoutSeconds)
}

func (c *Config) LookupCacheTTL() time.Duration {
	return seconds(c.Platform.LookupCacheTTLMinutes * 60)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
