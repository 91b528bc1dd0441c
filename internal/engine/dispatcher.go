// Package engine routes rendered SQL to the adapter registered for an engine
// name and normalizes engine failures.
package engine

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"querydesk/internal/domain"
	"querydesk/internal/observability"
)

// Dispatcher is the EngineDispatcher. It holds one adapter per engine name.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[string]domain.EngineAdapter
	logger   *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{adapters: make(map[string]domain.EngineAdapter), logger: logger}
}

// Register adds or replaces the adapter for adapter.Name().
func (d *Dispatcher) Register(adapter domain.EngineAdapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[adapter.Name()] = adapter
}

// Engines returns the registered engine names in sorted order.
func (d *Dispatcher) Engines() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs sql on the named engine, returning at most limit rows.
// An unregistered engine yields *domain.EngineNotSupportedError without
// touching any adapter. Adapter failures are returned as *domain.EngineError.
func (d *Dispatcher) Dispatch(ctx context.Context, engineName, sql string, limit int, timeout time.Duration) (*domain.DispatchResult, error) {
	d.mu.RLock()
	adapter, ok := d.adapters[engineName]
	d.mu.RUnlock()
	if !ok {
		return nil, &domain.EngineNotSupportedError{Engine: engineName, AllowedEngines: d.Engines()}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	columns, rows, err := d.query(ctx, adapter, sql, limit)
	elapsed := time.Since(start)
	if err == nil && ctx.Err() != nil {
		// Late return from an adapter that ignored the deadline.
		err = ctx.Err()
	}
	if err != nil {
		engErr := classify(ctx, engineName, err)
		observability.ObserveDispatch(engineName, string(engErr.Kind), elapsed)
		d.logger.Warn("engine query failed",
			"engine", engineName, "kind", engErr.Kind, "duration_ms", elapsed.Milliseconds(), "error", err)
		return nil, engErr
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	observability.ObserveDispatch(engineName, "success", elapsed)
	return &domain.DispatchResult{
		Columns:    columns,
		Rows:       rows,
		RowCount:   len(rows),
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

type queryResult struct {
	columns []string
	rows    []domain.Row
	err     error
}

// query runs adapter.Query and returns when it finishes or ctx is done,
// whichever comes first. On ctx expiry the caller's deferred cancel is the
// only signal the adapter gets; its eventual result is discarded.
func (d *Dispatcher) query(ctx context.Context, adapter domain.EngineAdapter, sql string, limit int) ([]string, []domain.Row, error) {
	done := make(chan queryResult, 1)
	go func() {
		columns, rows, err := adapter.Query(ctx, sql, limit)
		done <- queryResult{columns: columns, rows: rows, err: err}
	}()

	select {
	case res := <-done:
		return res.columns, res.rows, res.err
	case <-ctx.Done():
		d.logger.Debug("abandoning engine query at deadline", "engine", adapter.Name())
		return nil, nil, ctx.Err()
	}
}

// Close closes every registered adapter.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, a := range d.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func classify(ctx context.Context, engineName string, err error) *domain.EngineError {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		if engErr.Engine == "" {
			engErr.Engine = engineName
		}
		return engErr
	}

	kind := domain.EngineErrorQuery
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = domain.EngineErrorTimeout
	case isConnectionError(err):
		kind = domain.EngineErrorConnection
	}
	return &domain.EngineError{Engine: engineName, Kind: kind, Err: err}
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
