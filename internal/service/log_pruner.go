package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultPruneSchedule = "@every 1h"

// LogPruner deletes resolved delivery logs older than the retention window on a
// cron schedule. Open sequences are never pruned.
type LogPruner struct {
	logs      repository.LogRepository
	schedule  cron.Schedule
	expr      string
	retention time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewLogPruner accepts standard five-field cron specs and descriptors such as
// "@daily" or "@every 30m". A zero retention disables pruning.
func NewLogPruner(
	logs repository.LogRepository,
	expr string,
	retention time.Duration,
	logger *zap.Logger,
) (*LogPruner, error) {
	if logs == nil {
		return nil, fmt.Errorf("log repository is required")
	}
	if expr == "" {
		expr = defaultPruneSchedule
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LogPruner{
		logs:      logs,
		schedule:  schedule,
		expr:      expr,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (p *LogPruner) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Start blocks until ctx is canceled and waits for a running prune to finish.
func (p *LogPruner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.retention <= 0 {
		p.logger.Info("log pruning disabled")
		<-ctx.Done()
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(p.schedule, cron.FuncJob(func() {
		if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("log prune failed", zap.Error(err))
		}
	}))
	c.Start()
	p.logger.Info("log pruner started",
		zap.String("schedule", p.expr),
		zap.Duration("retention", p.retention),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Prune removes resolved logs older than the retention window.
func (p *LogPruner) Prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}

	cutoff := p.now().UTC().Add(-p.retention)
	deleted, err := p.logs.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune delivery logs: %w", err)
	}

	p.metrics.AddLogsPruned(deleted)
	if deleted > 0 {
		p.logger.Info("delivery logs pruned",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}
