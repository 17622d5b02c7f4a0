package reconcile

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/lock"
	"github.com/arkdeploy/ark/pkg/config"
)

const (
	defaultConcurrency = 4
	serverTimeout      = 10 * time.Minute
)

// Reconciler reconciles a single server without supervision.
type Reconciler interface {
	AutoReconcile(ctx context.Context, serverID string) (Report, error)
}

// ServerLister lists every registered server.
type ServerLister interface {
	ListServers(ctx context.Context) ([]domain.Server, error)
}

// Controller periodically reconciles every server.
type Controller struct {
	servers     ServerLister
	reconciler  Reconciler
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
	now         func() time.Time
}

// NewController returns nil when the interval is not positive, which
// disables background reconciliation.
func NewController(servers ServerLister, reconciler Reconciler, logger *slog.Logger, cfg config.APIConfig) *Controller {
	if servers == nil || reconciler == nil || cfg.ReconcileInterval <= 0 {
		return nil
	}
	concurrency := cfg.ReconcileConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger != nil {
		logger = logger.With("component", "reconcile")
	}
	return &Controller{
		servers:     servers,
		reconciler:  reconciler,
		logger:      logger,
		interval:    cfg.ReconcileInterval,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Run reconciles all servers immediately and then on every tick until ctx
// is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconcile controller started", "interval", c.interval, "concurrency", c.concurrency)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconcile controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

// Summary counts the outcome of one iteration.
type Summary struct {
	Servers int
	Changed int
	Busy    int
	Failed  int
}

func (c *Controller) runIteration(parent context.Context) Summary {
	var summary Summary
	servers, err := c.servers.ListServers(parent)
	if err != nil {
		c.logger.Warn("failed to list servers", "error", err)
		return summary
	}
	summary.Servers = len(servers)
	start := c.now()

	results := make([]error, len(servers))
	changed := make([]bool, len(servers))
	g, ctx := errgroup.WithContext(parent)
	g.SetLimit(c.concurrency)
	for i, srv := range servers {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, serverTimeout)
			defer cancel()
			report, err := c.reconciler.AutoReconcile(sctx, srv.ID)
			results[i] = err
			changed[i] = report.Changed()
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		switch {
		case err == nil:
			if changed[i] {
				summary.Changed++
			}
		case errors.Is(err, lock.ErrBusy):
			summary.Busy++
			c.logger.Debug("server busy, skipping reconcile", "server_id", servers[i].ID)
		default:
			summary.Failed++
			c.logger.Warn("reconcile failed", "server_id", servers[i].ID, "error", err)
		}
	}
	c.logger.Info("reconcile iteration finished",
		"servers", summary.Servers,
		"changed", summary.Changed,
		"busy", summary.Busy,
		"failed", summary.Failed,
		"duration", c.now().Sub(start),
	)
	return summary
}
