package config

import (
	"database/sql"
	"encoding/json"
	"fmt"

	// Blank-imported for their database/sql driver registration.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pubky/pubky-homeserver/homeserver/store"
	"github.com/pubky/pubky-homeserver/pkg/clock"
	"github.com/pubky/pubky-homeserver/pkg/log"
)

// StorageBackendConfig is a decoded backend-specific config capable of
// opening a store.Store, mirroring the teacher's StorageConfig interface.
type StorageBackendConfig interface {
	Open(logger log.Logger, clk *clock.Clock, events store.EventSink, quotaBytes int64) (store.Store, error)
}

// Storage is the {type, config} envelope; its UnmarshalJSON resolves
// Config's concrete type from Type via the storageBackends registry,
// exactly the teacher's Storage.UnmarshalJSON dispatch.
type Storage struct {
	Type   string
	Config StorageBackendConfig
}

// MemoryStorage backs the resource store with an in-process map; data is
// lost on restart. The zero value is ready to use.
type MemoryStorage struct{}

func (MemoryStorage) Open(_ log.Logger, clk *clock.Clock, events store.EventSink, quotaBytes int64) (store.Store, error) {
	return store.NewMemoryStore(quotaBytes, clk, events), nil
}

// SQLStorage backs the resource store with a database/sql-backed table
// via one of the three drivers imported above, dialect chosen by Driver.
type SQLStorage struct {
	Driver string `json:"driver"` // "postgres", "mysql", or "sqlite3"
	DSN    string `json:"dsn"`
}

func (c *SQLStorage) Open(_ log.Logger, clk *clock.Clock, events store.EventSink, quotaBytes int64) (store.Store, error) {
	dialect, err := sqlDialectFor(c.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", c.Driver, err)
	}
	return store.NewSQLStore(db, dialect, quotaBytes, clk, events), nil
}

func sqlDialectFor(driver string) (store.Dialect, error) {
	switch driver {
	case "postgres":
		return store.PostgresDialect, nil
	case "mysql":
		return store.MySQLDialect, nil
	case "sqlite3":
		return store.SQLiteDialect, nil
	default:
		return nil, fmt.Errorf("unknown sql driver %q", driver)
	}
}

var storageBackends = map[string]func() StorageBackendConfig{
	"memory": func() StorageBackendConfig { return &MemoryStorage{} },
	"sql":    func() StorageBackendConfig { return &SQLStorage{} },
}

// UnmarshalJSON dynamically resolves Config's type from the storageBackends
// registry keyed by Type, then unmarshals Config into that concrete type.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var envelope struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return fmt.Errorf("parse storage: %w", err)
	}

	f, ok := storageBackends[envelope.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", envelope.Type)
	}

	backendConfig := f()
	if len(envelope.Config) != 0 {
		if err := json.Unmarshal(envelope.Config, backendConfig); err != nil {
			return fmt.Errorf("parse storage config: %w", err)
		}
	}

	*s = Storage{Type: envelope.Type, Config: backendConfig}
	return nil
}
