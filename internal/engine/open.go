package engine

import (
	"fmt"

	"querydesk/internal/domain"
)

// AdapterConfig describes how to reach one engine. A non-empty URL selects
// the remote gateway adapter; otherwise Driver and DSN open a database/sql
// pool. An empty Driver defaults to an in-memory DuckDB.
type AdapterConfig struct {
	Driver string
	DSN    string
	URL    string
	Token  string
}

// Open builds the adapter for engine name.
func Open(name string, cfg AdapterConfig) (domain.EngineAdapter, error) {
	if cfg.URL != "" {
		if cfg.Token == "" {
			return nil, fmt.Errorf("engine %s: token is required for remote gateway", name)
		}
		return NewRemoteAdapter(name, cfg.URL, cfg.Token, nil), nil
	}
	driverName := cfg.Driver
	if driverName == "" {
		driverName = DriverDuckDB
	}
	return OpenSQLAdapter(name, driverName, cfg.DSN)
}
