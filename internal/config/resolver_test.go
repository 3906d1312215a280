package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `db_path: ~/.postscope/from-config.db
embed:
  provider: ollama/nomic-embed-text
  endpoint: http://config:11434/v1/embeddings
redis:
  addr: config:6379
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("POSTSCOPE_DB", "~/from-env.db")
	t.Setenv("POSTSCOPE_EMBED", "openai/text-embedding-3-small")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: cfgPath,
		CLIEmbed:   "ollama/mxbai-embed-large",
		CLIDBPath:  "~/from-cli.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI {
		t.Fatalf("expected DB path source cli, got %s", resolved.DBPath.Source)
	}
	if resolved.EmbedProvider.Source != SourceCLI || resolved.EmbedProvider.Value != "ollama/mxbai-embed-large" {
		t.Fatalf("expected embed provider from cli, got %s %q", resolved.EmbedProvider.Source, resolved.EmbedProvider.Value)
	}
	if resolved.EmbedEndpoint.Source != SourceConfig {
		t.Fatalf("expected endpoint from config, got %s", resolved.EmbedEndpoint.Source)
	}
	if resolved.RedisAddr.Value != "config:6379" {
		t.Fatalf("redis addr = %q", resolved.RedisAddr.Value)
	}
}

func TestResolveConfig_EnvOverridesConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `embed:
  api_key: config-key
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("POSTSCOPE_EMBED_API_KEY", "env-key")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.EmbedAPIKey.Value != "env-key" {
		t.Fatalf("expected env key, got %q", resolved.EmbedAPIKey.Value)
	}
	if resolved.EmbedAPIKey.Source != SourceEnv {
		t.Fatalf("expected source env, got %s", resolved.EmbedAPIKey.Source)
	}
}

func TestResolveConfig_MissingFileIsNotAnError(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if resolved.DBPath.Value != "" {
		t.Fatalf("unexpected db path %q", resolved.DBPath.Value)
	}
}

func TestResolveConfig_MalformedFile(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(":\tnot yaml"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath}); err == nil {
		t.Fatalf("malformed config accepted")
	}
}

func TestMaxSessionsValue(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", 20},
		{"50", 50},
		{"0", 20},
		{"-3", 20},
		{"lots", 20},
	}
	for _, tc := range cases {
		r := ResolvedConfig{MaxSessions: ResolvedValue{Value: tc.raw}}
		if got := r.MaxSessionsValue(20); got != tc.want {
			t.Errorf("MaxSessionsValue(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestExpandUserPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandUserPath("~/x.db"); got != filepath.Join(home, "x.db") {
		t.Fatalf("expandUserPath = %q", got)
	}
	if got := expandUserPath("/abs/x.db"); got != "/abs/x.db" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
