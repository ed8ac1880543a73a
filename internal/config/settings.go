package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type setter func(c *Config, v any) error

var setters = map[string]setter{
	KeyURL: func(c *Config, v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.url = normalizeURL(s)
		c.mu.Unlock()
		return nil
	},
	KeyServerURL: stringField(func(c *Config, s string) { c.ServerURL = normalizeURL(s) }),
	KeyAPIKey: func(c *Config, v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.creds.APIKey = strings.TrimSpace(s)
		c.mu.Unlock()
		return nil
	},
	KeySecretKey: func(c *Config, v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.creds.SecretKey = strings.TrimSpace(s)
		c.mu.Unlock()
		return nil
	},
	KeyAutoRegistration: boolField(func(c *Config, b bool) { c.AutoRegistration = b }),
	KeyCheckSSL:         boolField(func(c *Config, b bool) { c.CheckSSL = b }),
	KeyWatchdog:         boolField(func(c *Config, b bool) { c.Watchdog = b }),
	KeyTimeout:          durationField(func(c *Config, d time.Duration) { c.Timeout = d }),
	KeyLongPollTimeout:  durationField(func(c *Config, d time.Duration) { c.LongPollTimeout = d }),
	KeyPollMinCycle:     durationField(func(c *Config, d time.Duration) { c.PollMinCycle = d }),
	KeyTunnelInterval:   durationField(func(c *Config, d time.Duration) { c.Tunnel.Interval = d }),
	KeyTunnelGrace:      durationField(func(c *Config, d time.Duration) { c.Tunnel.Grace = d }),
	KeyHistoryRetention: durationField(func(c *Config, d time.Duration) { c.HistoryRetention = d }),
	KeyProxy:            stringField(func(c *Config, s string) { c.Proxy = s }),
	KeyLogLevel:         stringField(func(c *Config, s string) { c.LogLevel = strings.ToLower(s) }),
	KeyLogFormat:        stringField(func(c *Config, s string) { c.LogFormat = strings.ToLower(s) }),
	KeyTunnelUser:       stringField(func(c *Config, s string) { c.Tunnel.User = s }),
	KeyTunnelLocal:      stringField(func(c *Config, s string) { c.Tunnel.Local = s }),
	KeyTunnelSSH:        stringField(func(c *Config, s string) { c.Tunnel.SSH = s }),
	KeyTunnelKey:        stringField(func(c *Config, s string) { c.Tunnel.KeyPath = expandHome(s) }),
	KeyStatusListen:     stringField(func(c *Config, s string) { c.StatusListen = s }),
	KeyDBPath:           stringField(func(c *Config, s string) { c.DBPath = expandHome(s) }),
	KeyCapabilities: func(c *Config, v any) error {
		caps, err := asCapabilities(v)
		if err != nil {
			return err
		}
		c.Capabilities = caps
		return nil
	},
	KeyAPICalls: func(c *Config, v any) error {
		var calls map[string]struct {
			Method    string `json:"method"`
			Path      string `json:"url"`
			Anonymous *bool  `json:"anonymous"`
		}
		if err := decodeStructured(v, &calls); err != nil {
			return err
		}
		if c.Endpoints == nil {
			c.Endpoints = map[string]Endpoint{}
		}
		for name, ep := range calls {
			name = strings.ToUpper(strings.TrimSpace(name))
			cur := c.Endpoints[name]
			if ep.Method != "" {
				cur.Method = strings.ToUpper(ep.Method)
			}
			if ep.Path != "" {
				cur.Path = ep.Path
			}
			if ep.Anonymous != nil {
				cur.Anonymous = *ep.Anonymous
			}
			if cur.Method == "" {
				cur.Method = "GET"
			}
			c.Endpoints[name] = cur
		}
		return nil
	},
	KeyActions: func(c *Config, v any) error {
		var raw map[string]struct {
			Command []string `json:"command" yaml:"command"`
			Timeout float64  `json:"timeout" yaml:"timeout"`
		}
		if err := decodeStructured(v, &raw); err != nil {
			return err
		}
		if c.Actions == nil {
			c.Actions = map[string]Action{}
		}
		for name, a := range raw {
			c.Actions[strings.ToUpper(strings.TrimSpace(name))] = Action{
				Command: a.Command,
				Timeout: time.Duration(a.Timeout * float64(time.Second)),
			}
		}
		return nil
	},
}

func knownKeys() []string {
	return slices.Sorted(maps.Keys(setters))
}

// Set applies one setting by key. Strings are coerced to the field type, so
// the same path serves files, stored settings, env and flags.
func (c *Config) Set(key string, value any) error {
	key = strings.ToUpper(strings.TrimSpace(key))
	fn, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	if err := fn(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func (c *Config) applyAll(values map[string]any) error {
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if err := c.Set(key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	values := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return values, nil
}

func stringField(set func(*Config, string)) setter {
	return func(c *Config, v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		set(c, strings.TrimSpace(s))
		return nil
	}
}

func boolField(set func(*Config, bool)) setter {
	return func(c *Config, v any) error {
		switch t := v.(type) {
		case bool:
			set(c, t)
			return nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return fmt.Errorf("expected boolean, got %q", t)
			}
			set(c, b)
			return nil
		default:
			return fmt.Errorf("expected boolean, got %T", v)
		}
	}
}

// durationField accepts seconds as a number or numeric string, or a Go
// duration string such as "1m30s".
func durationField(set func(*Config, time.Duration)) setter {
	return func(c *Config, v any) error {
		var secs float64
		switch t := v.(type) {
		case int:
			secs = float64(t)
		case int64:
			secs = float64(t)
		case float64:
			secs = t
		case string:
			s := strings.TrimSpace(t)
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				secs = f
				break
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("expected seconds or duration, got %q", t)
			}
			if d < 0 {
				return fmt.Errorf("negative duration %q", t)
			}
			set(c, d)
			return nil
		default:
			return fmt.Errorf("expected seconds, got %T", v)
		}
		if secs < 0 {
			return fmt.Errorf("negative duration %v", secs)
		}
		set(c, time.Duration(secs*float64(time.Second)))
		return nil
	}
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	case int, int64, float64, bool:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

// asCapabilities accepts a list, a space or comma separated string, a JSON
// array string, or a mapping whose keys are the capability names.
func asCapabilities(v any) ([]string, error) {
	var out []string
	switch t := v.(type) {
	case nil:
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("parse capability list: %w", err)
			}
			break
		}
		out = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	case []string:
		out = append(out, t...)
	case []any:
		for _, item := range t {
			s, err := asString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
	case map[string]any:
		out = slices.Sorted(maps.Keys(t))
	default:
		return nil, fmt.Errorf("expected capability list, got %T", v)
	}
	caps := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			caps = append(caps, s)
		}
	}
	return caps, nil
}

// decodeStructured accepts an already decoded mapping or a JSON string (as
// stored settings and env values are) and decodes it into dst.
func decodeStructured(v any, dst any) error {
	var data []byte
	switch t := v.(type) {
	case string:
		data = jsonc.ToJSON([]byte(t))
	default:
		b, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return err
		}
		data = b
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// normalizeYAML converts map[any]any nodes, which encoding/json cannot
// marshal, into map[string]any.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func normalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return strings.TrimRight(s, "/")
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
