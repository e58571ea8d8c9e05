// Package sweep drives the time-based transitions: scheduled auctions
// start, due auctions end, stale negotiations expire.
package sweep

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"trading-engine/internal/clock"
	"trading-engine/internal/engine"
	"trading-engine/internal/fanout"
	"trading-engine/internal/model"
)

type Auctions interface {
	StartScheduledAuctions(ctx context.Context, now time.Time) (engine.BatchResult, error)
	EndDueAuctions(ctx context.Context, now time.Time) (engine.BatchResult, error)
}

type Negotiations interface {
	ExpireDue(ctx context.Context, now time.Time) (engine.BatchResult, error)
}

// Job runs one Tick per interval until its context is cancelled.
type Job struct {
	auctions     Auctions
	negotiations Negotiations
	pub          engine.Publisher
	clock        clock.Clock
	interval     time.Duration
	log          *log.Logger
}

func NewJob(a Auctions, n Negotiations, pub engine.Publisher, clk clock.Clock, interval time.Duration, logger *log.Logger) *Job {
	if logger == nil {
		logger = log.Default()
	}
	return &Job{
		auctions:     a,
		negotiations: n,
		pub:          pub,
		clock:        clk,
		interval:     interval,
		log:          logger.WithPrefix("sweep"),
	}
}

func (j *Job) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()
	j.log.Info("sweep started", "interval", j.interval)

	for {
		select {
		case <-ctx.Done():
			j.log.Info("sweep stopped")
			return
		case <-ticker.C():
			j.Tick(ctx, j.clock.Now())
		}
	}
}

// Tick runs the three passes in order. A failing pass or entity is
// logged and counted; the rest of the tick still runs.
func (j *Job) Tick(ctx context.Context, now time.Time) engine.BatchProcessed {
	var sum engine.BatchProcessed

	started, err := j.auctions.StartScheduledAuctions(ctx, now)
	sum.Started = started.Processed
	sum.Failed += j.failures("start", started, err)

	ended, err := j.auctions.EndDueAuctions(ctx, now)
	sum.Ended = ended.Processed
	sum.Failed += j.failures("end", ended, err)

	expired, err := j.negotiations.ExpireDue(ctx, now)
	sum.Expired = expired.Processed
	sum.Failed += j.failures("expire", expired, err)

	if sum != (engine.BatchProcessed{}) {
		j.log.Info("sweep tick", "started", sum.Started, "ended", sum.Ended, "expired", sum.Expired, "failed", sum.Failed)
	}
	if j.pub != nil {
		j.pub.Publish(fanout.RoleTopic(model.RoleAdmin), fanout.Event{
			Name: model.EventAuctionBatchProcessed,
			At:   now,
			Data: sum,
		})
	}
	return sum
}

// failures counts a pass's failed entities. A pass that could not even
// list its due entities counts as one failure.
func (j *Job) failures(pass string, res engine.BatchResult, err error) int {
	if err != nil {
		j.log.Error("sweep pass failed", "pass", pass, "err", err)
		return 1
	}
	return len(res.Failed)
}
