// Package config loads evhub settings from defaults, an optional YAML file and
// EVHUB_ environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/and161185/evhub/internal/errs"
)

// EnvPrefix is the prefix of environment overrides: EVHUB_AUTH_KEY -> auth.key.
const EnvPrefix = "EVHUB_"

// Config is the full server configuration.
type Config struct {
	WS     WS     `koanf:"ws"`
	GRPC   GRPC   `koanf:"grpc"`
	DB     DB     `koanf:"db"`
	Notify Notify `koanf:"notify"`
	Auth   Auth   `koanf:"auth"`
	Alert  Alert  `koanf:"alert"`
	Log    Log    `koanf:"log"`
}

// WS configures the websocket transport.
type WS struct {
	Listen  string  `koanf:"listen"`
	Path    string  `koanf:"path"`
	Queue   int     `koanf:"queue"`   // per-connection outbound frames
	Rate    float64 `koanf:"rate"`    // auth messages per second per connection
	Burst   int     `koanf:"burst"`   // auth message burst per connection
	Origins string  `koanf:"origins"` // comma separated; empty allows same host only
}

// GRPC configures the health endpoint. Empty Listen disables it.
type GRPC struct {
	Listen string `koanf:"listen"`
}

// DB configures PostgreSQL.
type DB struct {
	DSN string `koanf:"dsn"`
}

// Notify configures the LISTEN/NOTIFY event feed.
type Notify struct {
	Channel string `koanf:"channel"`
}

// Auth configures the handshake authenticator.
type Auth struct {
	Key     string        `koanf:"key"` // hex master key sealing api key secrets
	Timeout time.Duration `koanf:"timeout"`
	Window  time.Duration `koanf:"window"`
	Fails   int           `koanf:"fails"`
	Lockout time.Duration `koanf:"lockout"`
}

// Alert configures failure mail. Empty SMTP disables mail.
type Alert struct {
	SMTP string `koanf:"smtp"`
	User string `koanf:"user"`
	Pass string `koanf:"pass"`
	From string `koanf:"from"`
	To   string `koanf:"to"` // comma separated
}

// Log configures zap.
type Log struct {
	Level string `koanf:"level"`
	Dev   bool   `koanf:"dev"`
}

// Default returns the built-in settings. Vital settings stay empty.
func Default() Config {
	return Config{
		WS: WS{
			Listen: ":5000",
			Path:   "/events",
			Queue:  256,
			Rate:   5,
			Burst:  5,
		},
		Notify: Notify{Channel: "evhub_events"},
		Auth: Auth{
			Timeout: 10 * time.Second,
			Window:  15 * time.Minute,
			Fails:   5,
			Lockout: 15 * time.Minute,
		},
		Log: Log{Level: "info"},
	}
}

// Load merges defaults, the YAML file at path (if any) and the environment.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load file %s: %w", path, err)
		}
	}

	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first missing vital setting or out of range value.
func (c Config) Validate() error {
	if c.DB.DSN == "" {
		return fmt.Errorf("%w: db.dsn", errs.ErrMissingSetting)
	}
	if c.Auth.Key == "" {
		return fmt.Errorf("%w: auth.key", errs.ErrMissingSetting)
	}
	if c.WS.Queue <= 0 {
		return fmt.Errorf("ws.queue must be positive, got %d", c.WS.Queue)
	}
	if c.WS.Rate <= 0 || c.WS.Burst <= 0 {
		return fmt.Errorf("ws.rate and ws.burst must be positive")
	}
	if c.Auth.Fails <= 0 {
		return fmt.Errorf("auth.fails must be positive, got %d", c.Auth.Fails)
	}
	if c.Alert.SMTP != "" && (c.Alert.From == "" || len(c.Alert.Recipients()) == 0) {
		return fmt.Errorf("%w: alert.from and alert.to are required with alert.smtp", errs.ErrMissingSetting)
	}
	return nil
}

// Recipients splits Alert.To.
func (a Alert) Recipients() []string { return splitList(a.To) }

// AllowedOrigins splits WS.Origins.
func (w WS) AllowedOrigins() []string { return splitList(w.Origins) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
