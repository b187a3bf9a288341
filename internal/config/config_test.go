package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testYAML = `
server:
  addr: ":9000"
log:
  level: debug
  format: json
invocation:
  timeout: 5s
providers:
  - id: openai
    api_key: "${OPENAI_API_KEY}"
    api: openai-completions
  - id: anthropic
    api_key: "${ANTHROPIC_API_KEY}"
    api: anthropic-messages
  - id: ollama
    base_url: "http://localhost:11434/v1"
cooldowns:
  initial: 30s
  max: 10m
  multiplier: 3
reasoning:
  reasoner: llm
  model: openai/gpt-4o-mini
  fallbacks:
    - anthropic/claude-haiku-4
    - ollama/llama3
  rules:
    - Always answer in English.
places:
  model: ollama/llama3
cache:
  redis_addr: "${REDIS_ADDR}"
  ttl: 12h
capabilities:
  - name: get_air_quality
    transport: http
    endpoint: "https://aq.example.com/tools/invoke"
    headers:
      Authorization: "Bearer ${AQ_TOKEN}"
    parameters:
      - name: latitude
        type: number
        required: true
  - name: get_tides
    transport: mcp
    endpoint: "http://localhost:8091/mcp"
    remote_name: tides
    disabled: true
hooks:
  audit: true
  deny: [get_tides]
  scripts: [/etc/atlas/hooks.lua]
templates:
  place-only: "{{ .name }}: {{ .latitude }}, {{ .longitude }}"
store:
  driver: sqlite
  data_dir: /var/lib/atlas
schedules:
  - name: paris-morning
    schedule: "0 7 * * *"
    text: weather in Paris
toolhost:
  grpc_addr: ":9100"
`

func TestParseConfig(t *testing.T) {
	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Invocation.Timeout != 5*time.Second {
		t.Errorf("invocation.timeout = %v", cfg.Invocation.Timeout)
	}
	if len(cfg.Providers) != 3 || cfg.Providers[1].API != "anthropic-messages" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Cooldowns.Initial != 30*time.Second || cfg.Cooldowns.Max != 10*time.Minute || cfg.Cooldowns.Multiplier != 3 {
		t.Errorf("cooldowns = %+v", cfg.Cooldowns)
	}
	if cfg.Reasoning.Reasoner != ReasonerLLM || len(cfg.Reasoning.Fallbacks) != 2 || len(cfg.Reasoning.Rules) != 1 {
		t.Errorf("reasoning = %+v", cfg.Reasoning)
	}
	if cfg.Cache.TTL != 12*time.Hour {
		t.Errorf("cache.ttl = %v", cfg.Cache.TTL)
	}
	if !cfg.Hooks.Audit || len(cfg.Hooks.Deny) != 1 || len(cfg.Hooks.Scripts) != 1 {
		t.Errorf("hooks = %+v", cfg.Hooks)
	}
	if cfg.Templates["place-only"] == "" {
		t.Error("template override missing")
	}
	if cfg.ToolHost.GRPCAddr != ":9100" || cfg.ToolHost.Name != "atlas" {
		t.Errorf("toolhost = %+v", cfg.ToolHost)
	}
}

func TestParseCapabilities(t *testing.T) {
	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Capabilities) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(cfg.Capabilities))
	}
	aq := cfg.Capabilities[0]
	if aq.Transport != "http" || len(aq.Parameters) != 1 || !aq.Parameters[0].Required {
		t.Errorf("air quality = %+v", aq)
	}
	tides := cfg.Capabilities[1]
	if !tides.Disabled || tides.RemoteName != "tides" {
		t.Errorf("tides = %+v", tides)
	}
}

func TestParseSchedules(t *testing.T) {
	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(cfg.Schedules))
	}
	s := cfg.Schedules[0]
	if s.Name != "paris-morning" || s.Schedule != "0 7 * * *" || s.Text != "weather in Paris" {
		t.Errorf("schedule = %+v", s)
	}
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-123")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("AQ_TOKEN", "aq-456")

	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers[0].APIKey != "sk-test-123" {
		t.Errorf("openai api_key = %q, want sk-test-123", cfg.Providers[0].APIKey)
	}
	if cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("redis_addr = %q", cfg.Cache.RedisAddr)
	}
	if got := cfg.Capabilities[0].Headers["Authorization"]; got != "Bearer aq-456" {
		t.Errorf("header = %q", got)
	}
}

func TestEnvSubstitutionPreservesUnsetVars(t *testing.T) {
	//nolint:errcheck // test cleanup of env var
	os.Unsetenv("ANTHROPIC_API_KEY")
	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers[1].APIKey != "${ANTHROPIC_API_KEY}" {
		t.Errorf("unset env var should be preserved, got %q", cfg.Providers[1].APIKey)
	}
}

func TestEnvSubstitutionLiteralURLs(t *testing.T) {
	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers[2].BaseURL != "http://localhost:11434/v1" {
		t.Errorf("literal URL should not be modified, got %q", cfg.Providers[2].BaseURL)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("{{invalid yaml"))
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR}", "hello"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
		{"${NONEXISTENT}", "${NONEXISTENT}"},
		{"no vars here", "no vars here"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandEnv(tt.input)
		if got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseEmptyConfig(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatal(err)
	}
	def := Defaults()
	if cfg.Server.Addr != def.Server.Addr || cfg.Invocation.Timeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Reasoning.Reasoner != ReasonerKeyword || cfg.Store.Driver != StoreSQLite {
		t.Errorf("reasoning = %+v, store = %+v", cfg.Reasoning, cfg.Store)
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, ".atlas"); cfg.Store.DataDir != want {
		t.Errorf("data_dir = %q, want %q", cfg.Store.DataDir, want)
	}
}

func TestStoreDataDirEnvSubstitution(t *testing.T) {
	t.Setenv("ATLAS_DATA_DIR", "/custom/data")
	cfg, err := Parse([]byte(`
store:
  data_dir: "${ATLAS_DATA_DIR}"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.DataDir != "/custom/data" {
		t.Errorf("data_dir = %q, want /custom/data", cfg.Store.DataDir)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Providers) != 3 {
		t.Errorf("expected 3 providers, got %d", len(cfg.Providers))
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"zero timeout", "invocation:\n  timeout: 0s\n", "invocation.timeout"},
		{"duplicate provider", "providers:\n  - id: a\n  - id: a\n", "duplicate id"},
		{"unknown api", "providers:\n  - id: a\n    api: soap\n", "unknown api"},
		{"llm without model", "reasoning:\n  reasoner: llm\n", "reasoning.model is required"},
		{"unknown reasoner", "reasoning:\n  reasoner: magic\n", "reasoning.reasoner"},
		{"unconfigured provider", "reasoning:\n  reasoner: llm\n  model: nope/gpt\n", `provider "nope"`},
		{"bad model ref", "places:\n  model: gpt\n", "invalid model ref"},
		{"bad transport", "capabilities:\n  - name: x\n    transport: smtp\n    endpoint: e\n", "transport must be"},
		{"missing endpoint", "capabilities:\n  - name: x\n", "endpoint is required"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "store.dsn"},
		{"bad driver", "store:\n  driver: mongo\n", "store.driver"},
		{"incomplete schedule", "schedules:\n  - name: x\n", "schedules[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: loud\n  format: xml\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "log.level") || !strings.Contains(err.Error(), "log.format") {
		t.Errorf("error = %v", err)
	}
}
