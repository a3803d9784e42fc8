// Package config provides configuration parsing and validation for both
// the gatekeeperd server and the gatekeeper-cli client.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gatekeeperd server configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Listen    ListenConfig    `yaml:"listen"`
	Auth      AuthConfig      `yaml:"auth"`
	Abuse     AbuseConfig     `yaml:"abuse"`
	Driver    DriverConfig    `yaml:"driver"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig carries process-wide ambient settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ListenConfig is the primary TCP control-channel listener.
type ListenConfig struct {
	// Address is the listen host, e.g. "0.0.0.0" (any IPv4); it is joined
	// with Port as "Address:Port".
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AuthConfig holds the shared access key and secure-mode switch.
type AuthConfig struct {
	// AccessKey is the operator secret (minimum 32 printable octets).
	AccessKey string `yaml:"access_key"`
	// Secure enables the key-exchange and chained-cipher wire format.
	// When false, the control channel is plaintext (login digest still
	// required).
	Secure bool `yaml:"secure"`
	// LoginErrorLimit is normalized to >= 3 by internal/abuse.
	LoginErrorLimit int `yaml:"login_error_limit"`
	// Version is reported back to clients on a successful login.
	Version string `yaml:"version"`
}

// AbuseConfig configures the per-address offence tracker.
type AbuseConfig struct {
	// BlockingTime is normalized to >= 1 minute by internal/abuse.
	BlockingTime time.Duration `yaml:"blocking_time"`
}

// DriverConfig selects and configures the firewall driver.
type DriverConfig struct {
	// Kind selects the driver implementation: "mock" or "cli".
	Kind string `yaml:"kind"`
	// AllowedPorts restricts block/unblock/accept to this set, unless
	// AllowAllPorts is true. Empty with AllowAllPorts false means every
	// mutating operation is declined.
	AllowedPorts []int `yaml:"allowed_ports"`
	AllowAllPorts bool  `yaml:"allow_all_ports"`
	// Sudo prefixes the CLI driver's invocations with sudo when the
	// process is not already running as root. Ignored by the mock
	// driver.
	Sudo bool `yaml:"sudo"`
	// Binary is the packet-filter CLI executable the CLI driver shells
	// out to (default "nft").
	Binary string `yaml:"binary"`
}

// RateLimitConfig bounds the accept loop's rate of new connections.
type RateLimitConfig struct {
	// PerSecond is the token-bucket refill rate. 0 disables limiting.
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// WebSocketConfig configures the optional secondary ingress.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
	// BasicAuthUser/BasicAuthPassword gate the WebSocket upgrade with
	// HTTP Basic Auth in front of the control channel's own login.
	BasicAuthUser     string `yaml:"basic_auth_user"`
	BasicAuthPassword string `yaml:"basic_auth_password"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listen: ListenConfig{
			Address: "0.0.0.0",
			Port:    7443,
		},
		Auth: AuthConfig{
			Secure:          true,
			LoginErrorLimit: 5,
			Version:         "1.0",
		},
		Abuse: AbuseConfig{
			BlockingTime: 10 * time.Minute,
		},
		Driver: DriverConfig{
			Kind:          "cli",
			AllowedPorts:  []int{},
			AllowAllPorts: false,
			Binary:        "nft",
		},
		RateLimit: RateLimitConfig{
			PerSecond: 50,
			Burst:     100,
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Path:    "/gatekeeper",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR}/$VAR
// environment references before unmarshaling, and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors, aggregating every
// violation rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("agent.log_level: invalid value %q (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("agent.log_format: invalid value %q (must be text or json)", c.Agent.LogFormat))
	}

	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, "listen.port must be between 1 and 65535")
	}

	if len(c.Auth.AccessKey) < 32 {
		errs = append(errs, "auth.access_key must be at least 32 octets")
	}

	for _, p := range c.Driver.AllowedPorts {
		if p < 10 {
			errs = append(errs, fmt.Sprintf("driver.allowed_ports: invalid port %d (must be >= 10)", p))
		}
	}
	if c.Driver.Kind != "mock" && c.Driver.Kind != "cli" {
		errs = append(errs, fmt.Sprintf("driver.kind: invalid value %q (must be mock or cli)", c.Driver.Kind))
	}

	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, "rate_limit.per_second must not be negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, "rate_limit.burst must be positive when rate_limit.per_second is set")
	}

	if c.WebSocket.Enabled && c.WebSocket.Address == "" {
		errs = append(errs, "websocket.address is required when websocket.enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AllowedPortSet returns the configured allowed-port list as a set, the
// shape internal/driver and internal/session expect.
func (c *Config) AllowedPortSet() map[int]struct{} {
	set := make(map[int]struct{}, len(c.Driver.AllowedPorts))
	for _, p := range c.Driver.AllowedPorts {
		set[p] = struct{}{}
	}
	return set
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

const redactedValue = "[REDACTED]"

// String returns a YAML rendering of the config with the access key and
// WebSocket basic-auth password redacted. Safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a YAML rendering of the config including the
// access key in the clear. Never log this.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Redacted returns a copy of the config with sensitive fields replaced
// by a placeholder.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Auth.AccessKey != "" {
		cp.Auth.AccessKey = redactedValue
	}
	if cp.WebSocket.BasicAuthPassword != "" {
		cp.WebSocket.BasicAuthPassword = redactedValue
	}
	return &cp
}

// ClientConfig is the configuration for the gatekeeper-cli client
// entrypoint: where to connect and how to authenticate.
type ClientConfig struct {
	Server    ClientServerConfig `yaml:"server"`
	AccessKey string             `yaml:"access_key"`
	Secure    bool               `yaml:"secure"`
}

// ClientServerConfig identifies the gatekeeperd instance to control.
type ClientServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DefaultClient returns a ClientConfig with default values.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Server: ClientServerConfig{
			Address: "127.0.0.1",
			Port:    7443,
		},
		Secure: true,
	}
}

// LoadClient reads and parses a client configuration file.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseClient(data)
}

// ParseClient parses client configuration from YAML bytes.
func ParseClient(data []byte) (*ClientConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultClient()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration for errors. AccessKey is
// intentionally not required here: the CLI can prompt for it
// interactively when absent.
func (c *ClientConfig) Validate() error {
	var errs []string
	if c.Server.Address == "" {
		errs = append(errs, "server.address is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Redacted returns a copy of the client config with the access key
// replaced by a placeholder.
func (c *ClientConfig) Redacted() *ClientConfig {
	cp := *c
	if cp.AccessKey != "" {
		cp.AccessKey = redactedValue
	}
	return &cp
}
