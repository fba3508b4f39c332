// Package config loads and validates all runtime configuration for the
// proxy.
//
// Configuration is read either from a YAML/JSON file (--config-file) or from
// the full JSON blob held in a named environment variable
// (--config-env-var), with individual fields overridable by env vars.
// UPPER_SNAKE_CASE env vars mirror the lower_snake_case YAML keys they
// override.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	Port     int    // TCP port the HTTP server listens on. Default: 80.
	LogLevel string // one of debug, info, warn, error. Default: info.

	AOAI                  AOAIConfig
	Clients               []ClientConfig
	Plugins               []PluginConfig
	OpensourceDeployments []string

	Redis RedisConfig // optional remote backend for LimitUsage
	Entra EntraConfig // optional client-credentials source for the TokenSource
}

// EntraConfig configures acquisition of a bearer token the proxy itself
// presents to upstream endpoints whose target carries no endpoint_key. All
// fields empty means no Entra-backed endpoint is configured; Load does not
// require this section.
type EntraConfig struct {
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Scope        string // defaults to "https://cognitiveservices.azure.com/.default" if empty
}

// AOAIConfig groups everything under the top-level "aoai" key.
type AOAIConfig struct {
	Endpoints    []EndpointConfig
	MockResponse *MockResponseConfig
}

// MockResponseConfig short-circuits the target registry to a single
// in-process handler.
type MockResponseConfig struct {
	Body    map[string]any
	DelayMs int
}

// EndpointConfig is one upstream Azure-OpenAI-compatible endpoint.
type EndpointConfig struct {
	Name                 string
	URL                  string
	Key                  string
	VirtualDeployments   []VirtualDeploymentConfig `mapstructure:"virtual_deployments"`
	NonStreamingFraction *float64                  `mapstructure:"non_streaming_fraction"`
	Connections          ConnectionsConfig
}

// VirtualDeploymentConfig names a logical deployment and its standins.
type VirtualDeploymentConfig struct {
	Name     string
	Standins []StandinConfig
}

// StandinConfig is one concrete upstream deployment serving a virtual one.
type StandinConfig struct {
	Name                 string
	NonStreamingFraction *float64 `mapstructure:"non_streaming_fraction"`
}

// ConnectionsConfig groups pool limits and timeouts for one endpoint.
type ConnectionsConfig struct {
	Limits   ConnectionLimits
	Timeouts ConnectionTimeouts
}

// ConnectionLimits caps one endpoint's connection pool. Defaults: 100 max,
// 20 keepalive, 5s keepalive expiry.
type ConnectionLimits struct {
	MaxConns         int     `mapstructure:"max_conns"`
	MaxKeepalive     int     `mapstructure:"max_keepalive"`
	KeepaliveExpiryS float64 `mapstructure:"keepalive_expiry_s"`
}

// ConnectionTimeouts bounds one endpoint's dial/read/write/pool waits.
// Defaults: connect 15s, read/write/pool 120s.
type ConnectionTimeouts struct {
	ConnectS float64 `mapstructure:"connect_s"`
	ReadS    float64 `mapstructure:"read_s"`
	WriteS   float64 `mapstructure:"write_s"`
	PoolS    float64 `mapstructure:"pool_s"`
}

// ClientConfig is one configured caller identity.
type ClientConfig struct {
	Name            string
	APIKeys         []string       `mapstructure:"api_keys"`
	UsesEntraIDAuth bool           `mapstructure:"uses_entra_id_auth"`
	Settings        map[string]any // plugin-specific settings, e.g. deployments_allowed
}

// PluginConfig names one configured plugin instance and its own settings.
type PluginConfig struct {
	Name   string
	Config map[string]any
}

// RedisConfig holds the optional remote backend connection.
type RedisConfig struct {
	URL string
}

// Options control how Load locates its source.
type Options struct {
	ConfigFile   string // --config-file
	ConfigEnvVar string // --config-env-var
	Port         int    // --port, 0 means "unset, use default/config value"
}

// Load reads configuration per Options and returns both the typed Config and
// a raw dotted-path View over the same data (see internal/config.View).
func Load(opts Options) (*Config, *View, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetDefault("port", 80)
	v.SetDefault("log_level", "info")

	switch {
	case opts.ConfigEnvVar != "":
		blob := os.Getenv(opts.ConfigEnvVar)
		if blob == "" {
			return nil, nil, fmt.Errorf("config: env var %s is empty", opts.ConfigEnvVar)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(strings.NewReader(blob)); err != nil {
			return nil, nil, fmt.Errorf("config: parsing %s: %w", opts.ConfigEnvVar, err)
		}
	case opts.ConfigFile != "":
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("config: reading %s: %w", opts.ConfigFile, err)
		}
	default:
		return nil, nil, fmt.Errorf("config: one of --config-file or --config-env-var is required")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Port:                  v.GetInt("port"),
		LogLevel:              strings.ToLower(v.GetString("log_level")),
		OpensourceDeployments: v.GetStringSlice("opensource_deployments"),
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}

	if err := v.UnmarshalKey("aoai.endpoints", &cfg.AOAI.Endpoints); err != nil {
		return nil, nil, fmt.Errorf("config: aoai.endpoints: %w", err)
	}
	if v.IsSet("aoai.mock_response") {
		var mr MockResponseConfig
		if err := v.UnmarshalKey("aoai.mock_response", &mr); err != nil {
			return nil, nil, fmt.Errorf("config: aoai.mock_response: %w", err)
		}
		cfg.AOAI.MockResponse = &mr
	}
	if err := v.UnmarshalKey("clients", &cfg.Clients); err != nil {
		return nil, nil, fmt.Errorf("config: clients: %w", err)
	}
	if err := v.UnmarshalKey("plugins", &cfg.Plugins); err != nil {
		return nil, nil, fmt.Errorf("config: plugins: %w", err)
	}
	cfg.Redis.URL = v.GetString("redis.url")
	if err := v.UnmarshalKey("entra", &cfg.Entra); err != nil {
		return nil, nil, fmt.Errorf("config: entra: %w", err)
	}

	applyConnectionDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	view, err := newView(v)
	if err != nil {
		return nil, nil, fmt.Errorf("config: building view: %w", err)
	}

	return cfg, view, nil
}

// applyConnectionDefaults fills zero-valued connection limits/timeouts with
// the package defaults documented on ConnectionLimits and ConnectionTimeouts.
func applyConnectionDefaults(cfg *Config) {
	for i := range cfg.AOAI.Endpoints {
		e := &cfg.AOAI.Endpoints[i]
		if e.Connections.Limits.MaxConns == 0 {
			e.Connections.Limits.MaxConns = 100
		}
		if e.Connections.Limits.MaxKeepalive == 0 {
			e.Connections.Limits.MaxKeepalive = 20
		}
		if e.Connections.Limits.KeepaliveExpiryS == 0 {
			e.Connections.Limits.KeepaliveExpiryS = 5
		}
		if e.Connections.Timeouts.ConnectS == 0 {
			e.Connections.Timeouts.ConnectS = 15
		}
		if e.Connections.Timeouts.ReadS == 0 {
			e.Connections.Timeouts.ReadS = 120
		}
		if e.Connections.Timeouts.WriteS == 0 {
			e.Connections.Timeouts.WriteS = 120
		}
		if e.Connections.Timeouts.PoolS == 0 {
			e.Connections.Timeouts.PoolS = 120
		}
		if e.NonStreamingFraction == nil {
			full := 1.0
			e.NonStreamingFraction = &full
		}
	}
}

// validate checks semantic constraints defaults cannot express.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.AOAI.MockResponse == nil && len(c.AOAI.Endpoints) == 0 {
		return fmt.Errorf("config: aoai.endpoints must not be empty unless aoai.mock_response is set")
	}

	seen := map[string]bool{}
	for _, cl := range c.Clients {
		if cl.Name == "" {
			return fmt.Errorf("config: client entries require a name")
		}
		if seen[cl.Name] {
			return fmt.Errorf("config: duplicate client name %q", cl.Name)
		}
		seen[cl.Name] = true
	}

	entraClients := 0
	for _, cl := range c.Clients {
		if cl.UsesEntraIDAuth {
			entraClients++
		}
	}
	if entraClients > 1 {
		return fmt.Errorf("config: at most one client may set uses_entra_id_auth")
	}

	return nil
}

// APIKeyToClient returns a lookup map from configured API key to client name.
func (c *Config) APIKeyToClient() map[string]string {
	m := make(map[string]string)
	for _, cl := range c.Clients {
		for _, k := range cl.APIKeys {
			m[k] = cl.Name
		}
	}
	return m
}

// EntraClient returns the name of the single client configured with
// uses_entra_id_auth, if any.
func (c *Config) EntraClient() (string, bool) {
	for _, cl := range c.Clients {
		if cl.UsesEntraIDAuth {
			return cl.Name, true
		}
	}
	return "", false
}

// ClientByName returns the client config for name, if configured.
func (c *Config) ClientByName(name string) (ClientConfig, bool) {
	for _, cl := range c.Clients {
		if cl.Name == name {
			return cl, true
		}
	}
	return ClientConfig{}, false
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	return gotenv.Load(path)
}
