package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Tuning holds the runtime constants spec'd for match lifecycle and
// matchmaking behavior, each with the documented default.
type Tuning struct {
	EloRange          int `json:"eloRange"`
	TurnTimeoutMs     int `json:"turnTimeoutMs"`
	QueueTTLMs        int `json:"queueTtlMs"`
	FeaturedCacheMs   int `json:"featuredCacheMs"`
	IdempotencyMax    int `json:"idempotencyMax"`
	EventBufferMax    int `json:"eventBufferMax"`
	SSEWriteTimeoutMs int `json:"sseWriteTimeoutMs"`
}

func (t Tuning) TurnTimeout() time.Duration      { return time.Duration(t.TurnTimeoutMs) * time.Millisecond }
func (t Tuning) QueueTTL() time.Duration         { return time.Duration(t.QueueTTLMs) * time.Millisecond }
func (t Tuning) FeaturedCacheTTL() time.Duration { return time.Duration(t.FeaturedCacheMs) * time.Millisecond }
func (t Tuning) SSEWriteTimeout() time.Duration  { return time.Duration(t.SSEWriteTimeoutMs) * time.Millisecond }

func defaultTuning() Tuning {
	return Tuning{
		EloRange:          200,
		TurnTimeoutMs:     60_000,
		QueueTTLMs:        600_000,
		FeaturedCacheMs:   10_000,
		IdempotencyMax:    200,
		EventBufferMax:    25,
		SSEWriteTimeoutMs: 5_000,
	}
}

type Config struct {
	Environment string `json:"environment"`
	Server      struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`
	Store struct {
		Path string `json:"path"`
	} `json:"store"`
	Admin struct {
		KeyHash string `json:"keyHash"` // bcrypt hash of the shared admin secret
	} `json:"admin"`
	Runner struct {
		KeyHash string `json:"keyHash"` // bcrypt hash of the shared runner secret
	} `json:"runner"`
	Tuning Tuning `json:"tuning"`
}

// Load reads configs/config.<env>.json, expands ${VAR} environment
// references, and fills in documented defaults for any tuning value left
// unset (zero) in the file. Missing config files fall back to defaults plus
// environment variables, so the server is runnable with no config on disk.
func Load(env string) (*Config, error) {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "configs"
	}

	filename := fmt.Sprintf("config.%s.json", env)
	configPath := filepath.Join(configDir, filename)

	cfg := &Config{Tuning: defaultTuning()}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Environment = env
			applyEnvFallbacks(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	configStr := expandEnvVars(string(data))
	if err := json.Unmarshal([]byte(configStr), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	fillTuningDefaults(&cfg.Tuning)
	cfg.Environment = env
	applyEnvFallbacks(cfg)
	return cfg, nil
}

func fillTuningDefaults(t *Tuning) {
	d := defaultTuning()
	if t.EloRange == 0 {
		t.EloRange = d.EloRange
	}
	if t.TurnTimeoutMs == 0 {
		t.TurnTimeoutMs = d.TurnTimeoutMs
	}
	if t.QueueTTLMs == 0 {
		t.QueueTTLMs = d.QueueTTLMs
	}
	if t.FeaturedCacheMs == 0 {
		t.FeaturedCacheMs = d.FeaturedCacheMs
	}
	if t.IdempotencyMax == 0 {
		t.IdempotencyMax = d.IdempotencyMax
	}
	if t.EventBufferMax == 0 {
		t.EventBufferMax = d.EventBufferMax
	}
	if t.SSEWriteTimeoutMs == 0 {
		t.SSEWriteTimeoutMs = d.SSEWriteTimeoutMs
	}
}

func applyEnvFallbacks(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = os.Getenv("FIGHTCLAW_STORE_PATH")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "fightclaw.db"
	}
	if cfg.Admin.KeyHash == "" {
		cfg.Admin.KeyHash = os.Getenv("FIGHTCLAW_ADMIN_KEY_HASH")
	}
	if cfg.Runner.KeyHash == "" {
		cfg.Runner.KeyHash = os.Getenv("FIGHTCLAW_RUNNER_KEY_HASH")
	}
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func GetEnv() string {
	env := os.Getenv("FIGHTCLAW_ENV")
	if env == "" {
		return "dev"
	}
	return env
}
