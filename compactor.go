package atomix

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Compactor periodically asks every live service for a snapshot, records
// each snapshot as durable, removes services that have become destroyable
// (every session terminal, every operation compacted), and truncates the
// log beneath whatever index the log's own replication bookkeeping says
// is safe. Runs never overlap: the next tick waits for the previous run's
// futures before starting (spec section 4.4).
type Compactor struct {
	engine   *ApplyEngine
	log      LogCursor
	interval time.Duration
	logger   *zap.SugaredLogger

	stopCh   chan struct{}
	doneCh   chan struct{}
	lastDone *FutureTask[struct{}]
}

// NewCompactor constructs a Compactor that ticks every interval.
func NewCompactor(engine *ApplyEngine, log LogCursor, interval time.Duration, logger *zap.SugaredLogger) *Compactor {
	return &Compactor{
		engine:   engine,
		log:      log,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		lastDone: Resolved(struct{}{}),
	}
}

// Run ticks the compactor until Stop is called. Intended to be launched
// in its own goroutine.
func (c *Compactor) Run(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.runOnce(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop requests the compactor's loop to exit and waits for any in-flight
// run to finish.
func (c *Compactor) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// runOnce gates on the previous run's completion, then performs one
// snapshot+truncate pass. Waiting on lastDone, rather than a mutex,
// means a slow run is never overlapped by the next tick even if the
// ticker fires again in the meantime — the tick is simply absorbed.
func (c *Compactor) runOnce(ctx context.Context) {
	<-c.lastDone.Done()
	next := NewFutureTask[struct{}]()
	c.lastDone = next
	defer next.setResult(struct{}{}, nil)

	names, err := c.engine.ServiceNames(ctx)
	if err != nil {
		c.logger.Warnw("compactor could not list services", "error", err)
		return
	}

	var snapshotErrs error
	minCompacted := c.log.LastIndex()
	for _, name := range names {
		index, snap, err := c.engine.TakeServiceSnapshot(ctx, name)
		if err != nil {
			snapshotErrs = multierr.Append(snapshotErrs, err)
			minCompacted = 0
			continue
		}
		var buf bytes.Buffer
		if err := snap.Write(&buf); err != nil {
			snapshotErrs = multierr.Append(snapshotErrs, err)
			minCompacted = 0
			continue
		}
		if err := c.engine.CompleteServiceSnapshot(ctx, name, index); err != nil {
			snapshotErrs = multierr.Append(snapshotErrs, err)
			minCompacted = 0
			continue
		}
		if index < minCompacted {
			minCompacted = index
		}
	}
	if snapshotErrs != nil {
		c.logger.Warnw("one or more services failed to snapshot this round", "error", snapshotErrs)
	}

	destroyable, err := c.engine.DestroyableServices(ctx)
	if err != nil {
		c.logger.Warnw("compactor could not list destroyable services", "error", err)
	}
	for _, name := range destroyable {
		if err := c.engine.RemoveService(ctx, name); err != nil {
			c.logger.Warnw("failed removing destroyable service", "service", name, "error", err)
		}
	}

	if snapshotErrs != nil || minCompacted == 0 {
		return
	}
	if !c.log.Compactable(minCompacted) {
		c.logger.Infow("log not yet compactable beneath snapshot index", "index", minCompacted)
		return
	}
	if err := c.log.Truncate(ctx, minCompacted); err != nil {
		c.logger.Warnw("log truncation failed", "index", minCompacted, "error", err)
	}
}
