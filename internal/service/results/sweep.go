package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"querydesk/internal/domain"
	"querydesk/internal/observability"
)

const (
	sweepBatchSize   = 100
	sweepParallelism = 8
	// Usage counters older than this are pruned with the artifacts.
	usageRetention = 48 * time.Hour
)

// Sweep deletes expired results, blobs first and index second. A result
// whose blobs cannot be deleted stays indexed and is retried next sweep.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	swept := 0
	skipped := make(map[string]bool)

	for {
		limit := sweepBatchSize + len(skipped)
		batch, err := s.index.ListExpired(ctx, now, limit)
		if err != nil {
			return swept, fmt.Errorf("list expired results: %w", err)
		}
		progressed := false
		for _, res := range batch {
			if skipped[res.ExecutionID] {
				continue
			}
			if err := s.deleteArtifacts(ctx, res); err != nil {
				s.logger.Warn("sweep artifact delete failed", "execution_id", res.ExecutionID, "error", err)
				skipped[res.ExecutionID] = true
				continue
			}
			if err := s.index.Delete(ctx, res.ExecutionID); err != nil {
				return swept, fmt.Errorf("delete stored result %s: %w", res.ExecutionID, err)
			}
			swept++
			progressed = true
		}
		if !progressed || len(batch) < limit {
			break
		}
	}

	if swept > 0 {
		observability.AddArtifactsSwept(swept)
		s.logger.Info("swept expired results", "count", swept)
	}
	return swept, nil
}

func (s *Service) deleteArtifacts(ctx context.Context, res *domain.StoredResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, a := range res.Artifacts {
		g.Go(func() error {
			if err := s.blobs.Delete(gctx, a.BlobKey); err != nil && !errors.Is(err, domain.ErrBlobNotFound) {
				return fmt.Errorf("delete %s: %w", a.BlobKey, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sweeper runs Sweep, and optionally usage counter pruning, on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	svc    *Service
	usage  domain.UsageCounterStore
	logger *slog.Logger
}

// NewSweeper schedules svc.Sweep with a robfig/cron spec such as
// "@every 5m". usage may be nil.
func NewSweeper(svc *Service, usage domain.UsageCounterStore, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sw := &Sweeper{cron: cron.New(), svc: svc, usage: usage, logger: logger}
	if _, err := sw.cron.AddFunc(schedule, func() { sw.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return sw, nil
}

// RunOnce performs one sweep of results and stale usage counters.
func (sw *Sweeper) RunOnce(ctx context.Context) {
	if _, err := sw.svc.Sweep(ctx); err != nil {
		sw.logger.Warn("result sweep failed", "error", err)
	}
	if sw.usage == nil {
		return
	}
	n, err := sw.usage.DeleteBefore(ctx, sw.svc.now().Add(-usageRetention))
	if err != nil {
		sw.logger.Warn("usage counter prune failed", "error", err)
		return
	}
	if n > 0 {
		sw.logger.Debug("pruned usage counters", "count", n)
	}
}

// Start begins the schedule.
func (sw *Sweeper) Start() {
	sw.cron.Start()
	sw.logger.Info("result sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
	sw.logger.Info("result sweeper stopped")
}
