package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner trims a Journal to its newest MaxRows entries on an interval.
type Pruner struct {
	j        Journal
	maxRows  int
	interval time.Duration
	log      *zap.Logger
}

// NewPruner creates a Pruner. Call Start to begin background work.
func NewPruner(j Journal, maxRows int, interval time.Duration, log *zap.Logger) *Pruner {
	return &Pruner{j: j, maxRows: maxRows, interval: interval, log: log}
}

// Start prunes every interval; blocks until ctx is done.
func (p *Pruner) Start(ctx context.Context) error {
	p.log.Info("journal pruner starting",
		zap.Int("max_rows", p.maxRows),
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("journal pruner stopped")
			return nil
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single pass and returns the number of rows removed.
func (p *Pruner) PruneOnce(ctx context.Context) int64 {
	n, err := p.j.Prune(ctx, p.maxRows)
	if err != nil {
		p.log.Error("journal prune", zap.Error(err))
		return 0
	}
	if n > 0 {
		p.log.Debug("journal pruned", zap.Int64("rows", n))
	}
	return n
}
