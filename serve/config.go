package serve

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	vigil "github.com/MooreSA/vigil"
	"github.com/MooreSA/vigil/llm"
)

// Config holds the server's runtime configuration. Values come from
// defaults, an optional YAML file, and VIGIL_-prefixed environment
// variables, loaded in that order; each source overrides the ones
// before it.
type Config struct {
	DBPath        string `koanf:"db_path"`
	Port          int    `koanf:"port"`
	LogLevel      string `koanf:"log_level"`
	APIKey        string `koanf:"api_key"`
	ChatModel     string `koanf:"chat_model"`
	EmbedModel    string `koanf:"embed_model"`
	MaxIterations int    `koanf:"max_iterations"`
	PushEndpoint  string `koanf:"push_endpoint"`
	PushChannel   string `koanf:"push_channel"`
	MapsAPIKey    string `koanf:"maps_api_key"`
	AppURL        string `koanf:"app_url"`
}

// LoadConfig reads configuration. configFile may be empty.
func LoadConfig(configFile string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]any{
		"port":           3000,
		"log_level":      "info",
		"chat_model":     llm.DefaultChatModel,
		"embed_model":    llm.DefaultEmbedModel,
		"max_iterations": 25,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("VIGIL_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "VIGIL_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return vigil.Validationf("db_path is required (VIGIL_DB_PATH)")
	}
	if c.APIKey == "" {
		return vigil.Validationf("api_key is required (VIGIL_API_KEY)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return vigil.Validationf("port %d out of range", c.Port)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
