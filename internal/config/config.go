// Package config loads praxis configuration from TOML with env overrides.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Run       RunConfig       `toml:"run"`
	Summarize SummarizeConfig `toml:"summarize"`
	Approval  ApprovalConfig  `toml:"approval"`
	Workers   []WorkerConfig  `toml:"workers"`
	Workflow  WorkflowConfig  `toml:"workflow"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Database  DatabaseConfig  `toml:"database"`
	Observer  ObserverConfig  `toml:"observer"`
	Skills    SkillsConfig    `toml:"skills"`
}

type LLMConfig struct {
	// DefaultModel is a "provider/model" string, e.g. "openai/gpt-4o-mini".
	DefaultModel string `toml:"default_model"`
	// ModelRing lists fallback backends in rotation order. When empty the
	// ring is just DefaultModel.
	ModelRing             []string          `toml:"model_ring"`
	RetryAttempts         int               `toml:"retry_attempts"`
	RetryBackoffBase      time.Duration     `toml:"retry_backoff_base"`
	PerBackendTimeout     time.Duration     `toml:"per_backend_timeout"`
	PerBackendConcurrency int               `toml:"per_backend_concurrency"`
	APIKeys               map[string]string `toml:"api_keys"`
	// BaseURLs overrides the default endpoint per provider, e.g. for a
	// self-hosted OpenAI-compatible server.
	BaseURLs map[string]string `toml:"base_urls"`
}

type RunConfig struct {
	CycleCap      int           `toml:"cycle_cap"`
	RequestBudget time.Duration `toml:"request_budget"`
}

type SummarizeConfig struct {
	TriggerTokens int    `toml:"trigger_tokens"`
	KeepMessages  int    `toml:"keep_messages"`
	Model         string `toml:"model"`
}

type ApprovalConfig struct {
	TTL               time.Duration `toml:"ttl"`
	SweepInterval     time.Duration `toml:"sweep_interval"`
	SensitivePatterns []string      `toml:"sensitive_patterns"`
}

type WorkerConfig struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Directive   string `toml:"directive"`
}

type WorkflowConfig struct {
	// TemplatesPath points at a directory of YAML workflow templates.
	// Empty means only the embedded templates are available.
	TemplatesPath string `toml:"templates_path"`
}

type BridgeConfig struct {
	// ConfigPath points at the JSON file enumerating external tool servers.
	ConfigPath string `toml:"config_path"`
}

type DatabaseConfig struct {
	// Driver selects the checkpoint store: "sqlite" or "postgres".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type SkillsConfig struct {
	Dir     string `toml:"dir"`
	AutoDir string `toml:"auto_dir"`
}

// knownProviders enumerates the providers whose API keys can be supplied
// through PRAXIS_<PROVIDER>_API_KEY env vars.
var knownProviders = []string{"openai", "groq", "deepseek", "together", "mistral", "ollama"}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			DefaultModel:          "openai/gpt-4o-mini",
			RetryAttempts:         3,
			RetryBackoffBase:      time.Second,
			PerBackendTimeout:     60 * time.Second,
			PerBackendConcurrency: 8,
			APIKeys:               map[string]string{},
			BaseURLs:              map[string]string{},
		},
		Run:       RunConfig{CycleCap: 25, RequestBudget: 10 * time.Minute},
		Summarize: SummarizeConfig{TriggerTokens: 4000, KeepMessages: 20},
		Approval:  ApprovalConfig{TTL: time.Hour, SweepInterval: time.Minute},
		Bridge:    BridgeConfig{ConfigPath: "bridges.json"},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "praxis.db"},
		Skills:    SkillsConfig{Dir: "skills"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "praxis.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if cfg.LLM.APIKeys == nil {
		cfg.LLM.APIKeys = map[string]string{}
	}
	for _, p := range knownProviders {
		if v := os.Getenv("PRAXIS_" + strings.ToUpper(p) + "_API_KEY"); v != "" {
			cfg.LLM.APIKeys[p] = v
		}
	}
	if v := os.Getenv("PRAXIS_DEFAULT_MODEL"); v != "" {
		cfg.LLM.DefaultModel = v
	}
	if v := os.Getenv("PRAXIS_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("PRAXIS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if len(cfg.LLM.ModelRing) == 0 {
		cfg.LLM.ModelRing = []string{cfg.LLM.DefaultModel}
	}
	if cfg.Summarize.Model == "" {
		cfg.Summarize.Model = cfg.LLM.DefaultModel
	}
	if cfg.Skills.AutoDir == "" && cfg.Skills.Dir != "" {
		cfg.Skills.AutoDir = cfg.Skills.Dir + "/_auto"
	}

	return cfg
}
