package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querydesk/internal/domain"
	"querydesk/internal/testutil"
)

func testConfig() Config {
	return Config{
		MaxQueryDurationSeconds: 3600,
		MaxResultRows:           10000,
		MaxResultSizeMb:         100,
		MaxFileSizeMb:           100,
		AllowedEngines:          []string{domain.EngineBigQuery, domain.EngineTrino},
		AllowedFileTypes:        []string{domain.FormatCSV, domain.FormatJSON},
		QueriesPerHour:          50,
		QueriesPerDay:           500,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type staticOverrides map[string]domain.PolicyOverride

func (s staticOverrides) Override(userID string) (domain.PolicyOverride, bool) {
	o, ok := s[userID]
	return o, ok
}

func TestService_GetPolicy(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	store := NewMemoryStore()
	svc := NewService(testConfig(), store, nil)
	svc.SetClock(fixedClock(now))

	ctx := context.Background()
	require.NoError(t, svc.CheckAndRecord(ctx, "alice"))
	require.NoError(t, svc.CheckAndRecord(ctx, "alice"))
	require.NoError(t, svc.CheckAndRecord(ctx, "bob"))

	p, err := svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3600, p.MaxQueryDurationSeconds)
	assert.Equal(t, 10000, p.MaxResultRows)
	assert.Equal(t, []string{"bigquery", "trino"}, p.AllowedEngines)
	assert.Equal(t, int64(50), p.RateLimits.QueriesPerHour)
	assert.Equal(t, int64(2), p.CurrentUsage.QueriesThisHour)
	assert.Equal(t, int64(2), p.CurrentUsage.QueriesToday)

	// Next hour: the hourly counter resets, the daily one carries over.
	svc.SetClock(fixedClock(now.Add(time.Hour)))
	p, err = svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.CurrentUsage.QueriesThisHour)
	assert.Equal(t, int64(2), p.CurrentUsage.QueriesToday)
}

func TestService_CheckAndRecord_HourlyLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.QueriesPerHour = 5
	svc := NewService(cfg, NewMemoryStore(), nil)
	svc.SetClock(fixedClock(now))

	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, svc.CheckAndRecord(ctx, "alice"), "call %d", i+1)
	}

	err := svc.CheckAndRecord(ctx, "alice")
	var rle *domain.RateLimitExceededError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, domain.LimitQueriesPerHour, rle.LimitType)
	assert.Equal(t, int64(5), rle.Limit)
	assert.Equal(t, int64(5), rle.CurrentUsage)
	assert.Equal(t, time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC), rle.ResetAt)

	// Rejection consumed nothing from the daily quota.
	p, err := svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.CurrentUsage.QueriesToday)

	// Other users are unaffected.
	require.NoError(t, svc.CheckAndRecord(ctx, "bob"))
}

func TestService_CheckAndRecord_DailyLimitRollsBackHourly(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 23, 10, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.QueriesPerHour = 10
	cfg.QueriesPerDay = 2
	svc := NewService(cfg, NewMemoryStore(), nil)
	svc.SetClock(fixedClock(now))

	ctx := context.Background()
	require.NoError(t, svc.CheckAndRecord(ctx, "alice"))
	require.NoError(t, svc.CheckAndRecord(ctx, "alice"))

	err := svc.CheckAndRecord(ctx, "alice")
	var rle *domain.RateLimitExceededError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, domain.LimitQueriesPerDay, rle.LimitType)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), rle.ResetAt)

	p, err := svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.CurrentUsage.QueriesThisHour, "hourly increment rolled back")
}

func TestService_CheckAndRecord_Concurrent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.QueriesPerHour = 20
	svc := NewService(cfg, NewMemoryStore(), nil)
	svc.SetClock(fixedClock(time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)))

	var ok atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.CheckAndRecord(context.Background(), "alice") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), ok.Load())
}

func TestService_Overrides(t *testing.T) {
	t.Parallel()

	perHour := int64(1)
	rows := 50
	svc := NewService(testConfig(), NewMemoryStore(), nil)
	svc.SetOverrides(staticOverrides{
		"carol": {
			QueriesPerHour: &perHour,
			MaxResultRows:  &rows,
			AllowedEngines: []string{"trino", "mysql"},
		},
	})

	p := svc.StaticPolicy("carol")
	assert.Equal(t, int64(1), p.RateLimits.QueriesPerHour)
	assert.Equal(t, 50, p.MaxResultRows)
	assert.Equal(t, []string{"trino"}, p.AllowedEngines, "overrides only narrow engines")

	ctx := context.Background()
	require.NoError(t, svc.CheckAndRecord(ctx, "carol"))
	assert.Error(t, svc.CheckAndRecord(ctx, "carol"))

	p = svc.StaticPolicy("dave")
	assert.Equal(t, int64(50), p.RateLimits.QueriesPerHour)
}

func TestService_UnlimitedQuota(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.QueriesPerHour = Unlimited
	cfg.QueriesPerDay = Unlimited
	store := &testutil.MockUsageStore{
		IncrementIfBelowFn: func(context.Context, domain.UsageKey, int64) (int64, bool, error) {
			t.Fatal("unlimited quotas must not touch the counter store")
			return 0, false, nil
		},
	}
	svc := NewService(cfg, store, nil)
	for range 3 {
		require.NoError(t, svc.CheckAndRecord(context.Background(), "alice"))
	}
}

func TestService_CheckAndRecord_StoreError(t *testing.T) {
	t.Parallel()

	store := &testutil.MockUsageStore{
		IncrementIfBelowFn: func(context.Context, domain.UsageKey, int64) (int64, bool, error) {
			return 0, false, errors.New("store down")
		},
	}
	svc := NewService(testConfig(), store, nil)
	err := svc.CheckAndRecord(context.Background(), "alice")
	require.Error(t, err)
	var rle *domain.RateLimitExceededError
	assert.False(t, errors.As(err, &rle))
	assert.Contains(t, err.Error(), "store down")
}

func TestMemoryStore_DeleteBefore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryStore()
	old := domain.NewUsageKey("a", domain.WindowHour, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cur := domain.NewUsageKey("a", domain.WindowHour, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	_, _, _ = m.IncrementIfBelow(ctx, old, 10)
	_, _, _ = m.IncrementIfBelow(ctx, cur, 10)

	n, err := m.DeleteBefore(ctx, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c, _ := m.Count(ctx, cur)
	assert.Equal(t, int64(1), c)
}
