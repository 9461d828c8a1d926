package engine

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/germanamz/relay/pkg/modeladapter"
	"github.com/germanamz/relay/pkg/observability"
	"github.com/germanamz/relay/pkg/tools/builtin"
	"github.com/germanamz/relay/pkg/tools/mcpclient"
	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// DefaultListen is the address served when the config leaves listen empty.
const DefaultListen = ":8080"

// Config is the top-level relay configuration.
type Config struct {
	Listen string `yaml:"listen"`
	// AllowedOrigins lists the host patterns allowed to open the events
	// websocket from a browser.
	AllowedOrigins []string `yaml:"allowed_origins"`

	SystemPrompt string                      `yaml:"system_prompt"`
	MaxSteps     int                         `yaml:"max_steps"`
	Provider     ProviderConfig              `yaml:"provider"`
	Store        StoreConfig                 `yaml:"store"`
	Tools        ToolsConfig                 `yaml:"tools"`
	MCPServers   []mcpclient.Server          `yaml:"mcp_servers"`
	Telemetry    observability.TracingConfig `yaml:"telemetry"`
	Log          LogConfig                   `yaml:"log"`
}

// ProviderConfig describes the model provider.
type ProviderConfig struct {
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"` //nolint:gosec // configuration field, not a hardcoded secret
	Model   string `yaml:"model"`

	// SearchGrounding enables web search grounding on providers that
	// support it (gemini).
	SearchGrounding bool                       `yaml:"search_grounding"`
	Temperature     float64                    `yaml:"temperature"`
	MaxTokens       int                        `yaml:"max_tokens"`
	RateLimit       modeladapter.RateLimitOpts `yaml:"rate_limit"`
}

// StoreConfig selects where conversations are kept.
type StoreConfig struct {
	Kind string `yaml:"kind"` // memory (default), file or sqlite.
	Path string `yaml:"path"` // Directory for file, database file for sqlite.
}

// ToolsConfig selects the builtin tools and which tools need confirmation.
type ToolsConfig struct {
	// Builtin lists the enabled builtin tools. Nil enables all of them.
	Builtin []string `yaml:"builtin"`
	// ConfirmationRequired lists tools gated behind a human decision. Nil
	// gates the enabled tools of builtin.DefaultGated.
	ConfirmationRequired []string `yaml:"confirmation_required"`
	// Timeout bounds every tool call (default 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads a YAML file and returns a Config with defaults applied.
// Environment variables referenced as ${VAR} or $VAR are expanded before
// parsing, so API keys can live in the environment or a .env file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("engine: load config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes. See LoadConfig.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreMemory
	}
	if c.Tools.Builtin == nil {
		c.Tools.Builtin = slices.Clone(builtin.Names)
	}
	if c.Tools.ConfirmationRequired == nil {
		c.Tools.ConfirmationRequired = []string{}
		for _, name := range builtin.DefaultGated {
			if slices.Contains(c.Tools.Builtin, name) {
				c.Tools.ConfirmationRequired = append(c.Tools.ConfirmationRequired, name)
			}
		}
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = 30 * time.Second
	}
	if c.Provider.Model == "" {
		c.Provider.Model = defaultModels[c.Provider.Kind]
	}
}

// Validate checks that the configuration is internally consistent. All
// problems are joined into one error.
func (c Config) Validate() error {
	var errs []error

	if c.MaxSteps < 0 {
		errs = append(errs, errors.New("engine: config: max_steps must not be negative"))
	}

	p := c.Provider
	switch {
	case p.Kind == "":
		errs = append(errs, errors.New("engine: config: provider kind is required"))
	case !hasFactory(p.Kind):
		errs = append(errs, fmt.Errorf("engine: config: unknown provider kind %q", p.Kind))
	}
	if p.APIKey == "" && p.BaseURL == "" {
		errs = append(errs, fmt.Errorf("engine: config: provider %q: api_key is required", p.Kind))
	}
	if p.Model == "" {
		errs = append(errs, fmt.Errorf("engine: config: provider %q: model is required", p.Kind))
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("engine: config: store %q: path is required", c.Store.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("engine: config: unknown store kind %q", c.Store.Kind))
	}

	for _, name := range c.Tools.Builtin {
		if !slices.Contains(builtin.Names, name) {
			errs = append(errs, fmt.Errorf("engine: config: unknown builtin tool %q", name))
		}
	}

	mcpNames := make(map[string]struct{}, len(c.MCPServers))
	for _, m := range c.MCPServers {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("engine: config: %w", err))
			continue
		}
		if _, dup := mcpNames[m.Name]; dup {
			errs = append(errs, fmt.Errorf("engine: config: duplicate mcp server name %q", m.Name))
		}
		mcpNames[m.Name] = struct{}{}
	}

	// MCP tool names are only known after connecting; a gated name is
	// accepted here when it carries a server prefix and checked again by
	// toolbox.Validate at startup.
	for _, name := range c.Tools.ConfirmationRequired {
		if slices.Contains(c.Tools.Builtin, name) || hasServerPrefix(name, mcpNames) {
			continue
		}
		errs = append(errs, fmt.Errorf("engine: config: confirmation_required names unknown tool %q", name))
	}

	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("engine: config: %w", err))
	}

	return errors.Join(errs...)
}

func hasServerPrefix(tool string, servers map[string]struct{}) bool {
	for name := range servers {
		if strings.HasPrefix(tool, name+"_") {
			return true
		}
	}
	return false
}
