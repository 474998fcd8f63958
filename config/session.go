package config

import (
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pubky/pubky-homeserver/homeserver/session"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/log"
)

// SessionBackendConfig is a decoded backend-specific config capable of
// opening a session.Store.
type SessionBackendConfig interface {
	Open(logger log.Logger, clk *clock.Clock) (session.Store, error)
}

// Session is the {type, config} envelope for the session-store backend.
type Session struct {
	Type   string
	Config SessionBackendConfig
}

// MemorySession keeps sessions in an in-process map; fine for a
// single-instance deployment.
type MemorySession struct{}

func (MemorySession) Open(_ log.Logger, clk *clock.Clock) (session.Store, error) {
	return session.NewMemoryStore(clk), nil
}

// EtcdSession shares the session table across homeserver instances.
type EtcdSession struct {
	Endpoints   []string `json:"endpoints"`
	DialTimeout string   `json:"dialTimeout"`
}

func (c *EtcdSession) Open(_ log.Logger, clk *clock.Clock) (session.Store, error) {
	dialTimeout := 5 * time.Second
	if c.DialTimeout != "" {
		d, err := time.ParseDuration(c.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid session dialTimeout %q: %w", c.DialTimeout, err)
		}
		dialTimeout = d
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return session.NewEtcdStore(cli, clk), nil
}

var sessionBackends = map[string]func() SessionBackendConfig{
	"memory": func() SessionBackendConfig { return &MemorySession{} },
	"etcd":   func() SessionBackendConfig { return &EtcdSession{} },
}

// UnmarshalJSON dynamically resolves Config's type from the sessionBackends
// registry keyed by Type.
func (s *Session) UnmarshalJSON(b []byte) error {
	var envelope struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}

	f, ok := sessionBackends[envelope.Type]
	if !ok {
		return fmt.Errorf("unknown session type %q", envelope.Type)
	}

	backendConfig := f()
	if len(envelope.Config) != 0 {
		if err := json.Unmarshal(envelope.Config, backendConfig); err != nil {
			return fmt.Errorf("parse session config: %w", err)
		}
	}

	*s = Session{Type: envelope.Type, Config: backendConfig}
	return nil
}
