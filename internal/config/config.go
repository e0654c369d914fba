package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the CLI looks for a config file when --config is
// not given.
const DefaultConfigPath = "recall.yaml"

// ErrMissingAPIKey is returned by Validate when no credential was found for the
// selected provider.
var ErrMissingAPIKey = errors.New("LLM API key not configured")

// Config holds all recall configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Consensus loop parameters
	Extraction ExtractionConfig `yaml:"extraction"`

	// Output artifacts and run journal
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the generative service.
type LLMConfig struct {
	Provider string      `yaml:"provider"` // anthropic, gemini
	APIKey   string      `yaml:"api_key"`
	Model    string      `yaml:"model"`
	BaseURL  string      `yaml:"base_url"`
	Timeouts LLMTimeouts `yaml:"timeouts"`
}

// ExtractionConfig configures the consensus loop.
type ExtractionConfig struct {
	MaxIterations    int    `yaml:"max_iterations"`
	NumRequests      int    `yaml:"num_requests"`      // samples per attempt
	ConsensusPercent int    `yaml:"consensus_percent"` // share of num_requests that must agree
	MaxTokens        int    `yaml:"max_tokens"`        // per-request budget, reset every iteration
	MinTokens        int    `yaml:"min_tokens"`        // adaptive floor
	Adaptive         bool   `yaml:"adaptive"`
	LoopMinLength    int    `yaml:"loop_min_length"` // runes
	Parallelism      int    `yaml:"parallelism"`     // 1 = sequential
	Seed             string `yaml:"seed"`
	SeedFile         string `yaml:"seed_file"`
}

// StorageConfig configures persisted artifacts.
type StorageConfig struct {
	OutputDir   string `yaml:"output_dir"`
	JournalPath string `yaml:"journal_path"` // empty = <output_dir>/journal.db
	Debug       bool   `yaml:"debug"`        // write raw samples and the transcript
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			BaseURL:  "https://api.anthropic.com/v1",
			Timeouts: DefaultLLMTimeouts(),
		},

		Extraction: ExtractionConfig{
			MaxIterations:    100,
			NumRequests:      5,
			ConsensusPercent: 50,
			MaxTokens:        120,
			MinTokens:        20,
			Adaptive:         false,
			LoopMinLength:    50,
			Parallelism:      1,
		},

		Storage: StorageConfig{
			OutputDir: "output",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file. The API key is never written.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out := *c
	out.LLM.APIKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("RECALL_PROVIDER"); p != "" {
		c.SetProvider(p)
	}
	c.applyProviderKey()

	if model := os.Getenv("RECALL_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if dir := os.Getenv("RECALL_OUTPUT_DIR"); dir != "" {
		c.Storage.OutputDir = dir
	}
}

// applyProviderKey loads the credential of the selected provider from the
// environment, if set.
func (c *Config) applyProviderKey() {
	switch c.LLM.Provider {
	case "anthropic", "":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	case "gemini":
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	}
}

// DefaultModels maps each provider to the model used when none is configured.
var DefaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"gemini":    "gemini-2.5-pro",
}

// SetProvider switches provider. A model that is another provider's default
// is replaced by the new provider's default, and the new provider's
// credential is read from the environment.
func (c *Config) SetProvider(provider string) {
	if provider == c.LLM.Provider {
		return
	}
	for _, m := range DefaultModels {
		if c.LLM.Model == m {
			c.LLM.Model = DefaultModels[provider]
			break
		}
	}
	c.LLM.Provider = provider
	c.LLM.APIKey = ""
	c.applyProviderKey()
}

// JournalFile returns the journal database path.
func (c *Config) JournalFile() string {
	if c.Storage.JournalPath != "" {
		return c.Storage.JournalPath
	}
	return filepath.Join(c.Storage.OutputDir, "journal.db")
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"anthropic", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("%w (set ANTHROPIC_API_KEY or GEMINI_API_KEY)", ErrMissingAPIKey)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("LLM model not configured")
	}
	if err := c.LLM.Timeouts.Validate(); err != nil {
		return err
	}
	return c.Extraction.Validate()
}

// Validate checks the consensus loop parameters.
func (e ExtractionConfig) Validate() error {
	var problems []string
	if e.MaxIterations < 1 {
		problems = append(problems, "max_iterations must be at least 1")
	}
	if e.NumRequests < 1 {
		problems = append(problems, "num_requests must be at least 1")
	}
	if e.ConsensusPercent < 1 || e.ConsensusPercent > 100 {
		problems = append(problems, "consensus_percent must be between 1 and 100")
	}
	if e.MaxTokens < 1 {
		problems = append(problems, "max_tokens must be at least 1")
	}
	if e.MinTokens < 1 || e.MinTokens > e.MaxTokens {
		problems = append(problems, "min_tokens must be between 1 and max_tokens")
	}
	if e.LoopMinLength < 1 {
		problems = append(problems, "loop_min_length must be at least 1")
	}
	if e.Parallelism < 1 {
		problems = append(problems, "parallelism must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid extraction config: %s", strings.Join(problems, "; "))
	}
	return nil
}
