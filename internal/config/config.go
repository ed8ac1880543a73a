// Package config resolves the agent configuration from built-in defaults, an
// optional config file, the local settings store, environment variables, and
// command-line overrides, in that order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/fleetlink/internal/auth"
)

// Setting keys. They match the flat key-value schema persisted by the local
// store and accepted in config files.
const (
	KeyURL              = "URL"
	KeyServerURL        = "SERVER_URL"
	KeyAPIKey           = "API_KEY"
	KeySecretKey        = "SECRET_KEY"
	KeyAutoRegistration = "AUTO_REGISTRATION"
	KeyCheckSSL         = "CHECK_SSL"
	KeyTimeout          = "TIMEOUT"
	KeyLongPollTimeout  = "LONG_POLL_TIMEOUT"
	KeyPollMinCycle     = "POLL_MIN_CYCLE"
	KeyProxy            = "PROXY"
	KeyCapabilities     = "CAPABILITIES"
	KeyWatchdog         = "WATCHDOG"
	KeyLogLevel         = "LOG_LEVEL"
	KeyLogFormat        = "LOG_FORMAT"
	KeyAPICalls         = "API_CALLS"
	KeyActions          = "ACTIONS"
	KeyTunnelUser       = "TUNNEL_USER"
	KeyTunnelLocal      = "TUNNEL_LOCAL"
	KeyTunnelSSH        = "TUNNEL_SSH"
	KeyTunnelKey        = "TUNNEL_KEY"
	KeyTunnelInterval   = "TUNNEL_INTERVAL"
	KeyTunnelGrace      = "TUNNEL_GRACE"
	KeyStatusListen     = "STATUS_LISTEN"
	KeyDBPath           = "DB_PATH"
	KeyHistoryRetention = "HISTORY_RETENTION"
)

// EnvPrefix prefixes every setting key when read from the environment.
const EnvPrefix = "FLEETLINK_"

const (
	defaultURL              = "https://fleetmanager"
	defaultTimeout          = 10 * time.Second
	defaultLongPollTimeout  = 300 * time.Second
	defaultPollMinCycle     = 5 * time.Second
	defaultTunnelUser       = "tunnel"
	defaultTunnelLocal      = "127.0.0.1:443"
	defaultTunnelSSH        = "ssh"
	defaultTunnelKeyName    = "fleetlink-client-key"
	defaultTunnelInterval   = 10 * time.Second
	defaultTunnelGrace      = 5 * time.Second
	defaultHistoryRetention = 7 * 24 * time.Hour
)

// SettingsStore persists the flat key-value settings that override the
// config file. SetSettings must apply all pairs atomically.
type SettingsStore interface {
	Settings(ctx context.Context) (map[string]string, error)
	SetSettings(ctx context.Context, values map[string]string) error
}

// Endpoint describes one server API call.
type Endpoint struct {
	Method    string `json:"method" yaml:"method"`
	Path      string `json:"url" yaml:"url"`
	Anonymous bool   `json:"anonymous,omitempty" yaml:"anonymous,omitempty"`
}

// Action configures a subprocess handler for a server action.
type Action struct {
	Command []string      `json:"command" yaml:"command"`
	Timeout time.Duration `json:"-" yaml:"-"`
}

// TunnelConfig holds the reverse tunnel settings.
type TunnelConfig struct {
	User     string
	Local    string
	SSH      string
	KeyPath  string
	Interval time.Duration
	Grace    time.Duration
}

// Config is the resolved agent configuration. Credentials and URL are
// guarded by a mutex because they can be rotated at runtime by registration
// or the SETUP command while the poll loop and tunnel supervisor read them;
// every other field is fixed after Load.
type Config struct {
	mu    sync.RWMutex
	url   string
	creds auth.Credentials

	ServerURL        string
	AutoRegistration bool
	CheckSSL         bool
	Timeout          time.Duration
	LongPollTimeout  time.Duration
	PollMinCycle     time.Duration
	Proxy            string
	Capabilities     []string
	Watchdog         bool
	LogLevel         string
	LogFormat        string
	Endpoints        map[string]Endpoint
	Actions          map[string]Action
	Tunnel           TunnelConfig
	StatusListen     string
	DBPath           string
	HistoryRetention time.Duration

	store SettingsStore
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Config{
		url:              defaultURL,
		AutoRegistration: true,
		CheckSSL:         true,
		Timeout:          defaultTimeout,
		LongPollTimeout:  defaultLongPollTimeout,
		PollMinCycle:     defaultPollMinCycle,
		LogLevel:         "info",
		LogFormat:        "text",
		Endpoints:        DefaultEndpoints(),
		Actions:          map[string]Action{},
		Tunnel: TunnelConfig{
			User:     defaultTunnelUser,
			Local:    defaultTunnelLocal,
			SSH:      defaultTunnelSSH,
			KeyPath:  filepath.Join(home, ".ssh", defaultTunnelKeyName),
			Interval: defaultTunnelInterval,
			Grace:    defaultTunnelGrace,
		},
		DBPath:           filepath.Join(home, ".fleetlink", "agent.db"),
		HistoryRetention: defaultHistoryRetention,
	}
}

// DefaultEndpoints returns the server API table.
func DefaultEndpoints() map[string]Endpoint {
	return map[string]Endpoint{
		"PING":               {Method: "GET", Path: "/api/", Anonymous: true},
		"TIME":               {Method: "GET", Path: "/api/time/", Anonymous: true},
		"INFO":               {Method: "GET", Path: "/api/info/", Anonymous: true},
		"LONG_POLLING":       {Method: "GET", Path: "/remote-event/v3"},
		"SET_COMMAND_STATUS": {Method: "POST", Path: "/api/v3/fleet/control/set-command-status/"},
		"GET_INFO":           {Method: "GET", Path: "/api/v3/fleet/systems/get-info/"},
		"SET_INFO":           {Method: "POST", Path: "/api/v3/fleet/systems/set-info/"},
		"SET_STATUS":         {Method: "POST", Path: "/api/v3/fleet/systems/set-status/"},
		"SET_SCREENSHOT":     {Method: "POST", Path: "/api/v3/fleet/systems/set-screenshot/"},
		"REGISTER_SYSTEM":    {Method: "POST", Path: "/api/v3/fleet/systems/register/", Anonymous: true},
		"PREPARE_TUNNEL":     {Method: "POST", Path: "/api/v3/fleet/systems/prepare-tunnel/"},
	}
}

// LoadOptions controls where Load reads overrides from.
type LoadOptions struct {
	// Path is an optional config file (.json, .jsonc, .yaml or .yml).
	Path string
	// Store holds persisted settings; nil disables persistence.
	Store SettingsStore
	// Getenv reads environment variables; defaults to os.Getenv.
	Getenv func(string) string
}

// Load resolves the configuration. Command-line overrides are applied by the
// caller afterwards with Set, followed by Validate.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg := Default()
	cfg.store = opts.Store

	if strings.TrimSpace(opts.Path) != "" {
		values, err := readFile(opts.Path)
		if err != nil {
			return nil, err
		}
		if err := cfg.applyAll(values); err != nil {
			return nil, fmt.Errorf("config file %s: %w", opts.Path, err)
		}
	}
	if opts.Store != nil {
		stored, err := opts.Store.Settings(ctx)
		if err != nil {
			return nil, fmt.Errorf("load stored settings: %w", err)
		}
		values := make(map[string]any, len(stored))
		for k, v := range stored {
			values[k] = v
		}
		if err := cfg.applyAll(values); err != nil {
			return nil, fmt.Errorf("stored settings: %w", err)
		}
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, key := range knownKeys() {
		if v := strings.TrimSpace(getenv(EnvPrefix + key)); v != "" {
			if err := cfg.Set(key, v); err != nil {
				return nil, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	return cfg, nil
}

// Validate checks cross-field consistency after all overrides are applied.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL())
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid %s %q: expected http(s)://host[:port]", KeyURL, c.URL())
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%s must be > 0", KeyTimeout)
	}
	if c.LongPollTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", KeyLongPollTimeout)
	}
	if c.Tunnel.Interval <= 0 {
		return fmt.Errorf("%s must be > 0", KeyTunnelInterval)
	}
	for name, ep := range c.Endpoints {
		if strings.TrimSpace(ep.Path) == "" {
			return fmt.Errorf("%s.%s: missing url", KeyAPICalls, name)
		}
	}
	for name, a := range c.Actions {
		if len(a.Command) == 0 {
			return fmt.Errorf("%s.%s: missing command", KeyActions, name)
		}
	}
	creds := c.Credentials()
	if (creds.APIKey == "") != (creds.SecretKey == "") {
		return errors.New("API_KEY and SECRET_KEY must be set together")
	}
	return nil
}

// URL returns the server base URL without a trailing slash.
func (c *Config) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// TunnelServer returns the URL the reverse tunnel connects to.
func (c *Config) TunnelServer() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	return c.URL()
}

// Credentials returns a copy of the current credentials.
func (c *Config) Credentials() auth.Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// SetCredentials persists and installs a new credential pair. Both values
// are written in one store transaction and replace the previous pair.
func (c *Config) SetCredentials(ctx context.Context, creds auth.Credentials) error {
	if !creds.Present() {
		return errors.New("both api key and secret key are required")
	}
	return c.Update(ctx, map[string]string{
		KeyAPIKey:    strings.TrimSpace(creds.APIKey),
		KeySecretKey: strings.TrimSpace(creds.SecretKey),
	})
}

// Update persists the given settings and applies them in memory. Values are
// validated before anything is written.
func (c *Config) Update(ctx context.Context, values map[string]string) error {
	scratch := &Config{}
	for k, v := range values {
		if err := scratch.Set(k, v); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	if c.store != nil {
		if err := c.store.SetSettings(ctx, values); err != nil {
			return fmt.Errorf("persist settings: %w", err)
		}
	}
	for k, v := range values {
		if err := c.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}
