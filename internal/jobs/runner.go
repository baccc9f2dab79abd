package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voicebridge/internal/schedule"
	"voicebridge/internal/telemetry"
)

// Runner drives the worker loop: it promotes due jobs, reclaims expired
// leases, and feeds dequeued job ids into the processor.
type Runner struct {
	sched  *schedule.Scheduler
	proc   *Processor
	store  Store
	poll   time.Duration
	batch  int64
	logger *slog.Logger
}

// NewRunner wires the loop. A zero poll interval defaults to one second.
func NewRunner(sched *schedule.Scheduler, proc *Processor, st Store, poll time.Duration, batch int64, logger *slog.Logger) *Runner {
	if poll <= 0 {
		poll = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sched: sched, proc: proc, store: st, poll: poll, batch: batch, logger: logger}
}

// Run loops until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := r.sched.PromoteDue(ctx, now, r.batch); err != nil {
			r.logger.Warn("promote due jobs", "error", err)
		}
		if reclaimed, err := r.sched.RequeueExpired(ctx, now, r.batch); err != nil {
			r.logger.Warn("reclaim expired leases", "error", err)
		} else {
			for _, id := range reclaimed {
				// The previous worker may have died mid-run; put the
				// record back to pending so the redelivery can claim it.
				if reset, err := r.store.ResetStale(ctx, id); err != nil {
					r.logger.Warn("reset stale job", "job_id", id, "error", err)
				} else if reset {
					r.logger.Info("lease expired, job requeued", "job_id", id)
				}
			}
		}
		if depth, err := r.sched.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := r.sched.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.poll):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		if err := r.proc.ProcessJob(ctx, jobID); err != nil && !errors.Is(err, ErrAlreadyProcessed) {
			r.logger.Warn("process job", "job_id", jobID, "error", err)
		}
		// Ack regardless: terminal transitions stop here and retries were
		// already rescheduled by the processor.
		if err := r.sched.Ack(ctx, jobID); err != nil {
			r.logger.Warn("ack job", "job_id", jobID, "error", err)
		}
		telemetry.InFlightGauge.Dec()
	}
}
