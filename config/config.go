// Package config loads statusync settings from YAML with environment
// overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration reads "5s" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	ServerURL         string   `yaml:"server_url"`
	APIBaseURL        string   `yaml:"api_base_url,omitempty"`
	EndpointPath      string   `yaml:"endpoint_path"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay Duration `yaml:"max_reconnect_delay,omitempty"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	PollPeriod        Duration `yaml:"poll_period"`
	Token             string   `yaml:"token,omitempty"`

	// dev server
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{
		ServerURL:      "http://localhost:8080",
		EndpointPath:   "/ws",
		ReconnectDelay: Duration(5 * time.Second),
		ConnectTimeout: Duration(10 * time.Second),
		PollPeriod:     Duration(time.Second),
		Listen:         ":8080",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} references, unset variables become empty.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// Load reads path on top of Default and then applies STATUSYNC_* variables.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"STATUSYNC_SERVER_URL":    &c.ServerURL,
		"STATUSYNC_API_BASE_URL":  &c.APIBaseURL,
		"STATUSYNC_ENDPOINT_PATH": &c.EndpointPath,
		"STATUSYNC_TOKEN":         &c.Token,
		"STATUSYNC_LISTEN":        &c.Listen,
		"STATUSYNC_JWT_SECRET":    &c.JWTSecret,
		"STATUSYNC_LOG_LEVEL":     &c.LogLevel,
		"STATUSYNC_LOG_FORMAT":    &c.LogFormat,
	}
	for key, field := range strs {
		if v, ok := lookup(key); ok {
			*field = v
		}
	}

	durations := map[string]*Duration{
		"STATUSYNC_RECONNECT_DELAY":     &c.ReconnectDelay,
		"STATUSYNC_MAX_RECONNECT_DELAY": &c.MaxReconnectDelay,
		"STATUSYNC_CONNECT_TIMEOUT":     &c.ConnectTimeout,
		"STATUSYNC_POLL_PERIOD":         &c.PollPeriod,
	}
	for key, field := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*field = Duration(d)
	}
	return nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server_url %q", c.ServerURL)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	if c.MaxReconnectDelay != 0 && c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max_reconnect_delay must not be below reconnect_delay")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Endpoint is the messaging URL: the server URL with its scheme switched to
// ws(s) and the endpoint path appended.
func (c Config) Endpoint() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	return u.JoinPath(c.EndpointPath).String()
}

// APIBase is the task control plane root, the server URL unless overridden.
func (c Config) APIBase() string {
	if c.APIBaseURL != "" {
		return c.APIBaseURL
	}
	return c.ServerURL
}
