package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Invocation   InvocationConfig   `yaml:"invocation"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Cooldowns    CooldownConfig     `yaml:"cooldowns"`
	Reasoning    ReasoningConfig    `yaml:"reasoning"`
	Geo          GeoConfig          `yaml:"geo"`
	Weather      WeatherConfig      `yaml:"weather"`
	Places       PlacesConfig       `yaml:"places"`
	Cache        CacheConfig        `yaml:"cache"`
	Capabilities []CapabilityConfig `yaml:"capabilities"`
	Hooks        HooksConfig        `yaml:"hooks"`
	Templates    map[string]string  `yaml:"templates"`
	Store        StoreConfig        `yaml:"store"`
	Schedules    []ScheduleConfig   `yaml:"schedules"`
	ToolHost     ToolHostConfig     `yaml:"toolhost"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type InvocationConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxResultBytes int           `yaml:"max_result_bytes"`
}

type ProviderConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	API     string `yaml:"api"`
}

type CooldownConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier int           `yaml:"multiplier"`
}

const (
	ReasonerKeyword = "keyword"
	ReasonerLLM     = "llm"
)

// ReasoningConfig selects the reasoner. With "llm", the keyword classifier
// answers whenever every configured model fails.
type ReasoningConfig struct {
	Reasoner  string   `yaml:"reasoner"`
	Model     string   `yaml:"model"`
	Fallbacks []string `yaml:"fallbacks"`
	Rules     []string `yaml:"rules"`
}

type GeoConfig struct {
	BaseURL string `yaml:"base_url"`
}

type WeatherConfig struct {
	BaseURL string `yaml:"base_url"`
}

// PlacesConfig enables get_place_details when Model is set.
type PlacesConfig struct {
	Model     string   `yaml:"model"`
	Fallbacks []string `yaml:"fallbacks"`
	MaxTokens int      `yaml:"max_tokens"`
}

type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type CapabilityConfig struct {
	Name        string            `yaml:"name"`
	Transport   string            `yaml:"transport"`
	Endpoint    string            `yaml:"endpoint"`
	RemoteName  string            `yaml:"remote_name"`
	Description string            `yaml:"description"`
	Parameters  []ParameterConfig `yaml:"parameters"`
	Headers     map[string]string `yaml:"headers"`
	Disabled    bool              `yaml:"disabled"`
}

type ParameterConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

type HooksConfig struct {
	Audit   bool     `yaml:"audit"`
	Deny    []string `yaml:"deny"`
	Scripts []string `yaml:"scripts"`
}

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	DataDir      string        `yaml:"data_dir"`
	DSN          string        `yaml:"dsn"`
	HistoryLimit int           `yaml:"history_limit"`
	Retention    time.Duration `yaml:"retention"`
}

type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Text     string `yaml:"text"`
}

type ToolHostConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Defaults returns the configuration used for anything a file leaves out.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Log:        LogConfig{Level: "info", Format: "console"},
		Invocation: InvocationConfig{Timeout: 10 * time.Second, MaxResultBytes: 64 * 1024},
		Cooldowns:  CooldownConfig{Initial: time.Minute, Max: time.Hour, Multiplier: 5},
		Reasoning:  ReasoningConfig{Reasoner: ReasonerKeyword},
		Places:     PlacesConfig{MaxTokens: 512},
		Cache:      CacheConfig{TTL: 24 * time.Hour},
		Store:      StoreConfig{Driver: StoreSQLite, DataDir: defaultDataDir(), HistoryLimit: 100},
		ToolHost:   ToolHostConfig{Name: "atlas", Addr: ":8090"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atlas"
	}
	return filepath.Join(home, ".atlas")
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

// expandEnv replaces ${VAR} with its value. Unset variables are left as is.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	for i := range cfg.Providers {
		cfg.Providers[i].BaseURL = expandEnv(cfg.Providers[i].BaseURL)
		cfg.Providers[i].APIKey = expandEnv(cfg.Providers[i].APIKey)
	}
	for i := range cfg.Capabilities {
		c := &cfg.Capabilities[i]
		c.Endpoint = expandEnv(c.Endpoint)
		for k, v := range c.Headers {
			c.Headers[k] = expandEnv(v)
		}
	}
	cfg.Cache.RedisAddr = expandEnv(cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = expandEnv(cfg.Cache.RedisPassword)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)
	cfg.Store.DataDir = expandEnv(cfg.Store.DataDir)
	cfg.Geo.BaseURL = expandEnv(cfg.Geo.BaseURL)
	cfg.Weather.BaseURL = expandEnv(cfg.Weather.BaseURL)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data over Defaults, expands ${VAR} references and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(cfg)
	if strings.HasPrefix(cfg.Store.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.DataDir = filepath.Join(home, cfg.Store.DataDir[2:])
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	apiTypes   = map[string]bool{"": true, "openai-completions": true, "anthropic-messages": true}
	transports = map[string]bool{"http": true, "mcp": true, "grpc": true}
)

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Invocation.Timeout <= 0 {
		add("invocation.timeout must be positive")
	}

	providers := map[string]bool{}
	for i, p := range c.Providers {
		switch {
		case p.ID == "":
			add("providers[%d]: id is required", i)
		case providers[p.ID]:
			add("providers[%d]: duplicate id %q", i, p.ID)
		}
		providers[p.ID] = true
		if !apiTypes[p.API] {
			add("providers[%d]: unknown api %q", i, p.API)
		}
	}
	checkModel := func(field, ref string) {
		id, model, ok := strings.Cut(ref, "/")
		if !ok || id == "" || model == "" {
			add("%s: invalid model ref %q, expected provider/model", field, ref)
			return
		}
		if !providers[id] {
			add("%s: provider %q is not configured", field, id)
		}
	}

	switch c.Reasoning.Reasoner {
	case ReasonerKeyword:
	case ReasonerLLM:
		if c.Reasoning.Model == "" {
			add("reasoning.model is required when reasoner is llm")
		} else {
			checkModel("reasoning.model", c.Reasoning.Model)
		}
		for _, f := range c.Reasoning.Fallbacks {
			checkModel("reasoning.fallbacks", f)
		}
	default:
		add("reasoning.reasoner must be %s or %s, got %q", ReasonerKeyword, ReasonerLLM, c.Reasoning.Reasoner)
	}
	if c.Places.Model != "" {
		checkModel("places.model", c.Places.Model)
		for _, f := range c.Places.Fallbacks {
			checkModel("places.fallbacks", f)
		}
	}

	names := map[string]bool{}
	for i, cp := range c.Capabilities {
		if cp.Name == "" {
			add("capabilities[%d]: name is required", i)
		} else if names[cp.Name] {
			add("capabilities[%d]: duplicate name %q", i, cp.Name)
		}
		names[cp.Name] = true
		if cp.Transport != "" && !transports[cp.Transport] {
			add("capabilities[%d]: transport must be http, mcp or grpc, got %q", i, cp.Transport)
		}
		if cp.Endpoint == "" {
			add("capabilities[%d]: endpoint is required", i)
		}
	}

	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for postgres")
		}
	default:
		add("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver)
	}

	jobs := map[string]bool{}
	for i, s := range c.Schedules {
		if s.Name == "" || s.Schedule == "" || s.Text == "" {
			add("schedules[%d]: name, schedule and text are required", i)
		}
		if jobs[s.Name] {
			add("schedules[%d]: duplicate name %q", i, s.Name)
		}
		jobs[s.Name] = true
	}
	return errors.Join(errs...)
}
