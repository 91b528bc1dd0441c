package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/domain"
	"querydesk/internal/testutil"
)

func TestDispatcher_UnknownEngineNeverReachesAdapter(t *testing.T) {
	t.Parallel()

	spy := &testutil.MockEngineAdapter{EngineName: domain.EngineBigQuery}
	d := NewDispatcher(nil)
	d.Register(spy)
	d.Register(&testutil.MockEngineAdapter{EngineName: domain.EngineTrino})

	_, err := d.Dispatch(context.Background(), "mysql", "SELECT 1", 10, time.Second)
	var nse *domain.EngineNotSupportedError
	require.True(t, errors.As(err, &nse))
	assert.Equal(t, "mysql", nse.Engine)
	assert.Equal(t, []string{"bigquery", "trino"}, nse.AllowedEngines)
	assert.Empty(t, spy.Calls())
}

func TestDispatcher_Success(t *testing.T) {
	t.Parallel()

	cols := []string{"id", "name"}
	spy := &testutil.MockEngineAdapter{
		EngineName: domain.EngineBigQuery,
		QueryFn: func(_ context.Context, _ string, _ int) ([]string, []domain.Row, error) {
			return cols, testutil.Rows(cols, []interface{}{1, "Alice"}, []interface{}{2, "Bob"}, []interface{}{3, "Carol"}), nil
		},
	}
	d := NewDispatcher(nil)
	d.Register(spy)

	res, err := d.Dispatch(context.Background(), domain.EngineBigQuery, "SELECT * FROM users", 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cols, res.Columns)
	assert.Equal(t, 2, res.RowCount, "dispatcher enforces the row limit")
	require.Len(t, spy.Calls(), 1)
	assert.Equal(t, testutil.EngineCall{SQL: "SELECT * FROM users", Limit: 2}, spy.Calls()[0])
}

func TestDispatcher_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		queryErr func(ctx context.Context) error
		timeout  time.Duration
		want     domain.EngineErrorKind
	}{
		{
			name: "timeout",
			queryErr: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			timeout: 20 * time.Millisecond,
			want:    domain.EngineErrorTimeout,
		},
		{
			name: "connection refused",
			queryErr: func(context.Context) error {
				return fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")})
			},
			timeout: time.Second,
			want:    domain.EngineErrorConnection,
		},
		{
			name:     "syntax error",
			queryErr: func(context.Context) error { return errors.New(`syntax error at or near "SELEC"`) },
			timeout:  time.Second,
			want:     domain.EngineErrorQuery,
		},
		{
			name: "adapter classified",
			queryErr: func(context.Context) error {
				return &domain.EngineError{Kind: domain.EngineErrorConnection, Err: errors.New("gateway down")}
			},
			timeout: time.Second,
			want:    domain.EngineErrorConnection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := NewDispatcher(nil)
			d.Register(&testutil.MockEngineAdapter{
				EngineName: domain.EngineTrino,
				QueryFn: func(ctx context.Context, _ string, _ int) ([]string, []domain.Row, error) {
					return nil, nil, tt.queryErr(ctx)
				},
			})

			_, err := d.Dispatch(context.Background(), domain.EngineTrino, "SELECT 1", 10, tt.timeout)
			var engErr *domain.EngineError
			require.True(t, errors.As(err, &engErr), "got %v", err)
			assert.Equal(t, tt.want, engErr.Kind)
			assert.Equal(t, domain.EngineTrino, engErr.Engine)
		})
	}
}

func TestDispatcher_DeadlineBeatsAdapterIgnoringContext(t *testing.T) {
	t.Parallel()

	released := make(chan struct{})
	cols := []string{"n"}
	d := NewDispatcher(nil)
	d.Register(&testutil.MockEngineAdapter{
		EngineName: domain.EngineBigQuery,
		QueryFn: func(_ context.Context, _ string, _ int) ([]string, []domain.Row, error) {
			defer close(released)
			time.Sleep(600 * time.Millisecond)
			return cols, testutil.Rows(cols, []interface{}{1}), nil
		},
	})

	start := time.Now()
	res, err := d.Dispatch(context.Background(), domain.EngineBigQuery, "SELECT 1", 10, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, res)
	var engErr *domain.EngineError
	require.True(t, errors.As(err, &engErr), "got %v", err)
	assert.Equal(t, domain.EngineErrorTimeout, engErr.Kind)
	assert.Less(t, elapsed, 400*time.Millisecond, "dispatch must return at the deadline")

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter goroutine never finished")
	}
}

func TestDispatcher_CallerCancellation(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	d.Register(&testutil.MockEngineAdapter{
		EngineName: domain.EngineTrino,
		QueryFn: func(ctx context.Context, _ string, _ int) ([]string, []domain.Row, error) {
			<-ctx.Done()
			return []string{"n"}, nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Dispatch(ctx, domain.EngineTrino, "SELECT 1", 10, time.Second)
	var engErr *domain.EngineError
	require.True(t, errors.As(err, &engErr), "got %v", err)
	assert.ErrorIs(t, engErr, context.Canceled)
}

func TestDispatcher_Close(t *testing.T) {
	t.Parallel()

	a := &testutil.MockEngineAdapter{EngineName: "a"}
	b := &testutil.MockEngineAdapter{EngineName: "b"}
	d := NewDispatcher(nil)
	d.Register(a)
	d.Register(b)

	require.NoError(t, d.Close())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}
