package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/buildingqa/config"
	"github.com/redis/go-redis/v9"
)

const retentionLockKey = "bqa:audit:retention:lock"

// Pruner deletes audit records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// RetentionJob prunes old audit records on a cron schedule. With several replicas a
// redis lock makes sure only one of them prunes per tick.
type RetentionJob struct {
	Pruner    Pruner
	Rdb       *redis.Client
	Retention time.Duration
	LockTTL   time.Duration
	Logger    *log.Logger
	Now       func() time.Time

	expr *cronexpr.Expression
	stop chan struct{}
}

// NewRetentionJob parses the schedule. rdb may be nil for single-instance deployments.
func NewRetentionJob(cfg config.AuditConfig, pruner Pruner, rdb *redis.Client, logger *log.Logger) (*RetentionJob, error) {
	if pruner == nil {
		return nil, fmt.Errorf("retention: pruner is required")
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("retention: retention_days must be positive")
	}
	expr, err := cronexpr.Parse(cfg.RetentionSchedule)
	if err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", cfg.RetentionSchedule, err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RetentionJob{
		Pruner:    pruner,
		Rdb:       rdb,
		Retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		LockTTL:   10 * time.Minute,
		Logger:    logger,
		Now:       time.Now,
		expr:      expr,
		stop:      make(chan struct{}),
	}, nil
}

// Next returns the next tick after t.
func (j *RetentionJob) Next(t time.Time) time.Time {
	return j.expr.Next(t)
}

// Start runs the job in the background until Stop is called or ctx ends.
func (j *RetentionJob) Start(ctx context.Context) {
	go func() {
		for {
			next := j.Next(j.Now())
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-j.stop:
				timer.Stop()
				return
			case <-timer.C:
				if _, err := j.RunOnce(ctx); err != nil {
					j.Logger.Printf("[AUDIT] warn: retention run failed: %v", err)
				}
			}
		}
	}()
}

func (j *RetentionJob) Stop() {
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
}

// RunOnce prunes records older than the retention window. It returns -1 when another
// instance holds the lock.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	if j.Rdb != nil {
		ok, err := j.Rdb.SetNX(ctx, retentionLockKey, "1", j.LockTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("retention lock: %w", err)
		}
		if !ok {
			return -1, nil
		}
		defer j.Rdb.Del(context.Background(), retentionLockKey)
	}
	cutoff := j.Now().Add(-j.Retention)
	n, err := j.Pruner.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	j.Logger.Printf("[AUDIT] pruned %d records older than %s", n, cutoff.Format(time.RFC3339))
	return n, nil
}
