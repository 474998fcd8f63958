// Package config loads the homeserver's own YAML configuration: listen
// addresses, the resource-store and session-store backend selection, pkarr
// transport/republisher tuning, and quota defaults. It intentionally wires
// only the core's own dependencies — no administrative TOML config, no
// signup-token management; those live outside this process (§1 Non-goals).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"

	"github.com/pubky/pubky-homeserver/pkg/log"
)

// Config is the top-level config format for cmd/homeserverd.
type Config struct {
	// ListenAddr is the address the resource/session/events HTTP API binds.
	ListenAddr string `json:"listenAddr"`
	// TelemetryAddr, if set, serves /metrics and /healthz on its own port.
	TelemetryAddr string `json:"telemetryAddr"`

	CookieSecure   bool     `json:"cookieSecure"`
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders"`

	// TokenWindow is a duration string (e.g. "45s") bounding AuthToken
	// clock skew tolerance. Empty means auth/token.DefaultWindow.
	TokenWindow string `json:"tokenWindow"`

	QuotaBytes int64 `json:"quotaBytes"`

	Storage Storage `json:"storage"`
	Session Session `json:"session"`
	Pkarr   Pkarr   `json:"pkarr"`
	Logger  Logger  `json:"logger"`
}

// Logger configures the process-wide logrus adapter.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Pkarr configures the DHT/relay transport and the republisher sweep.
type Pkarr struct {
	Relays           []string `json:"relays"`
	BootstrapNodes   []string `json:"bootstrapNodes"`
	RepublishInterval string  `json:"republishInterval"`
	Staleness        string   `json:"staleness"`
	Concurrency      int      `json:"concurrency"`
}

// Load reads and decodes path as YAML/JSON, failing on anything that isn't
// valid YAML/JSON, then applies $VAR environment substitution to the decoded
// struct.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return nil, fmt.Errorf("expand env vars in config: %w", err)
	}
	return &c, nil
}

// Validate runs the fast structural checks used before anything touches
// the network or disk, mirroring the teacher's bad/errMsg check-slice.
func (c *Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.ListenAddr == "", "no listenAddr specified in config file"},
		{c.Storage.Type == "", "no storage backend specified in config file"},
		{c.Session.Type == "", "no session backend specified in config file"},
		{c.QuotaBytes < 0, "quotaBytes must not be negative"},
	}
	if c.TokenWindow != "" {
		if _, err := time.ParseDuration(c.TokenWindow); err != nil {
			checks = append(checks, struct {
				bad    bool
				errMsg string
			}{true, fmt.Sprintf("invalid tokenWindow %q: %v", c.TokenWindow, err)})
		}
	}

	var errs []string
	for _, chk := range checks {
		if chk.bad {
			errs = append(errs, chk.errMsg)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(errs, "\n\t-\t"))
	}
	return nil
}

// NewLogger builds the production log.Logger for Logger.Level/Format.
func NewLogger(cfg Logger) (log.Logger, error) {
	logger := newLogrus(cfg.Level, cfg.Format)
	return log.NewLogrusLogger(logger), nil
}
