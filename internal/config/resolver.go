// Package config resolves settings from the config file, environment
// variables, and CLI flags, in that order of increasing precedence. Each
// resolved value remembers where it came from so `postscope config` can
// show the user why a setting has the value it has.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath     string
	CLIEmbed       string
	CLIDBPath      string
	CLICachePath   string
	CLIRedis       string
	CLIMaxSessions string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath    ResolvedValue `json:"db_path"`
	CachePath ResolvedValue `json:"cache_path"`

	EmbedProvider      ResolvedValue `json:"embed_provider"`
	EmbedEndpoint      ResolvedValue `json:"embed_endpoint"`
	EmbedAPIKey        ResolvedValue `json:"embed_api_key"`
	EmbedModelPath     ResolvedValue `json:"embed_model_path"`
	EmbedTokenizerPath ResolvedValue `json:"embed_tokenizer_path"`

	RedisAddr     ResolvedValue `json:"redis_addr"`
	RedisPassword ResolvedValue `json:"redis_password"`
	RedisDB       ResolvedValue `json:"redis_db"`

	MaxSessions ResolvedValue `json:"max_sessions"`
}

type fileConfig struct {
	DBPath    string `yaml:"db_path"`
	CachePath string `yaml:"cache_path"`
	Embed     struct {
		Provider      string `yaml:"provider"`
		Endpoint      string `yaml:"endpoint"`
		APIKey        string `yaml:"api_key"`
		ModelPath     string `yaml:"model_path"`
		TokenizerPath string `yaml:"tokenizer_path"`
	} `yaml:"embed"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       string `yaml:"db"`
	} `yaml:"redis"`
	MaxSessions string `yaml:"max_sessions"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".postscope", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.CachePath, cfg.CachePath, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		apply(&out.EmbedModelPath, cfg.Embed.ModelPath, SourceConfig, path)
		apply(&out.EmbedTokenizerPath, cfg.Embed.TokenizerPath, SourceConfig, path)
		apply(&out.RedisAddr, cfg.Redis.Addr, SourceConfig, path)
		apply(&out.RedisPassword, cfg.Redis.Password, SourceConfig, path)
		apply(&out.RedisDB, cfg.Redis.DB, SourceConfig, path)
		apply(&out.MaxSessions, cfg.MaxSessions, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "POSTSCOPE_DB")
	applyEnv(&out.DBPath, "POSTSCOPE_DB_PATH")
	applyEnv(&out.CachePath, "POSTSCOPE_CACHE")
	applyEnv(&out.EmbedProvider, "POSTSCOPE_EMBED")
	applyEnv(&out.EmbedEndpoint, "POSTSCOPE_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "POSTSCOPE_EMBED_API_KEY")
	applyEnv(&out.EmbedModelPath, "POSTSCOPE_EMBED_MODEL_PATH")
	applyEnv(&out.EmbedTokenizerPath, "POSTSCOPE_EMBED_TOKENIZER_PATH")
	applyEnv(&out.RedisAddr, "POSTSCOPE_REDIS")
	applyEnv(&out.RedisPassword, "POSTSCOPE_REDIS_PASSWORD")
	applyEnv(&out.RedisDB, "POSTSCOPE_REDIS_DB")
	applyEnv(&out.MaxSessions, "POSTSCOPE_MAX_SESSIONS")

	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.CachePath, opts.CLICachePath, SourceCLI, "--cache")
	apply(&out.RedisAddr, opts.CLIRedis, SourceCLI, "--redis")
	apply(&out.MaxSessions, opts.CLIMaxSessions, SourceCLI, "--max-sessions")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	if out.CachePath.Value != "" {
		out.CachePath.Value = expandUserPath(out.CachePath.Value)
	}

	return out, nil
}

// MaxSessionsValue parses the session cap, falling back when unset or
// invalid.
func (r ResolvedConfig) MaxSessionsValue(fallback int) int {
	v := strings.TrimSpace(r.MaxSessions.Value)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// RedisDBValue parses the Redis database number, 0 when unset or invalid.
func (r ResolvedConfig) RedisDBValue() int {
	n, err := strconv.Atoi(strings.TrimSpace(r.RedisDB.Value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
