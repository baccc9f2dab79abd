package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"voicebridge/internal/models"
	"voicebridge/internal/telemetry"
)

var (
	// ErrInvalidJobType is returned at submission for types outside the
	// closed enumeration.
	ErrInvalidJobType = errors.New("jobs: invalid job type")
	// ErrAlreadyProcessed is returned when a job is terminal or claimed
	// by another worker; the stored record was not mutated.
	ErrAlreadyProcessed = errors.New("jobs: job already processed or in progress")
)

// Store is the durable persistence the processor drives. Status
// transitions are guarded in the store (compare-and-swap on status) so
// concurrent workers cannot double-execute a job.
type Store interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	ClaimPending(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string, output map[string]any) error
	MarkRetry(ctx context.Context, id string, retryCount int, errMsg string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	ResetStale(ctx context.Context, id string) (bool, error)
}

// Scheduler is the delayed-task primitive used for first execution and
// retries.
type Scheduler interface {
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
}

// Processor owns the job lifecycle: submission, execution, retry with
// exponential backoff, terminal transitions, signed callback delivery,
// and completion/failure notifications.
type Processor struct {
	store      Store
	sched      Scheduler
	registry   *Registry
	notifier   *Notifier
	callbacks  *CallbackSender
	maxRetries int
	backoffMax time.Duration
	handlerTTL time.Duration
	logger     *slog.Logger

	// Now is injectable for backoff tests.
	Now func() time.Time
}

// Options tune the processor; zero values pick the standard defaults.
type Options struct {
	MaxRetries     int
	BackoffMax     time.Duration
	HandlerTimeout time.Duration
}

// NewProcessor wires the processor. callbacks may be nil: jobs without
// delivery configured simply skip the callback step.
func NewProcessor(st Store, sched Scheduler, callbacks *CallbackSender, logger *slog.Logger, opts Options) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 6 * time.Hour
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 60 * time.Second
	}
	return &Processor{
		store:      st,
		sched:      sched,
		registry:   NewRegistry(),
		notifier:   NewNotifier(),
		callbacks:  callbacks,
		maxRetries: opts.MaxRetries,
		backoffMax: opts.BackoffMax,
		handlerTTL: opts.HandlerTimeout,
		logger:     logger,
		Now:        time.Now,
	}
}

// RegisterHandler lets external code claim a job type ahead of the
// built-in handlers.
func (p *Processor) RegisterHandler(jobType string, h Handler) {
	p.registry.Register(jobType, h)
}

// RegisterBuiltin binds a default handler for a job type; external
// registrations take precedence.
func (p *Processor) RegisterBuiltin(jobType string, h Handler) {
	p.registry.registerBuiltin(jobType, h)
}

// Subscribe attaches a synchronous listener for job.completed and
// job.failed events.
func (p *Processor) Subscribe(fn func(Event)) {
	p.notifier.Subscribe(fn)
}

// QueueJob validates the type, persists a pending record, and schedules
// immediate execution. It returns the generated job id; execution is
// asynchronous from the caller's perspective.
func (p *Processor) QueueJob(ctx context.Context, jobType string, input map[string]any, callbackURL, sessionID *string) (string, error) {
	if !models.ValidType(jobType) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}
	now := p.Now().UTC()
	job := models.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Status:      models.StatusPending,
		Input:       input,
		CallbackURL: callbackURL,
		SessionID:   sessionID,
		RetryCount:  0,
		MaxRetries:  p.maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.Create(ctx, job); err != nil {
		return "", err
	}
	if err := p.sched.Schedule(ctx, job.ID, now); err != nil {
		return "", fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	telemetry.JobsQueued.Inc()
	p.logger.Info("job queued", "job_id", job.ID, "type", jobType)
	return job.ID, nil
}

// ProcessJob executes one scheduled trigger for a job. Terminal and
// in-progress jobs are rejected without side effects; the claim itself is
// an atomic status swap so two workers racing on the same id cannot both
// proceed.
func (p *Processor) ProcessJob(ctx context.Context, id string) error {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if models.TerminalStatus(job.Status) || job.Status == models.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, id, job.Status)
	}

	claimed, err := p.store.ClaimPending(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %s lost claim", ErrAlreadyProcessed, id)
	}
	job.Status = models.StatusProcessing

	handler, ok := p.registry.Resolve(job.Type)
	if !ok {
		return p.fail(ctx, job, fmt.Errorf("no handler registered for type %q", job.Type))
	}

	hctx, cancel := context.WithTimeout(ctx, p.handlerTTL)
	output, err := handler(hctx, job)
	cancel()
	if err != nil {
		return p.fail(ctx, job, err)
	}
	return p.complete(ctx, job, output)
}

func (p *Processor) complete(ctx context.Context, job models.Job, output map[string]any) error {
	if err := p.store.MarkCompleted(ctx, job.ID, output); err != nil {
		return err
	}
	telemetry.JobsCompleted.Inc()
	p.logger.Info("job completed", "job_id", job.ID, "type", job.Type)

	job.Status = models.StatusCompleted
	job.Output = output
	now := p.Now().UTC()
	job.CompletedAt = &now

	p.notifier.publish(Event{Type: EventJobCompleted, Job: job})
	p.dispatchCallback(job)
	return nil
}

func (p *Processor) fail(ctx context.Context, job models.Job, cause error) error {
	msg := cause.Error()

	if job.RetryCount < job.MaxRetries {
		next := job.RetryCount + 1
		if err := p.store.MarkRetry(ctx, job.ID, next, msg); err != nil {
			return err
		}
		delay := p.RetryDelay(next)
		if err := p.sched.Schedule(ctx, job.ID, p.Now().Add(delay)); err != nil {
			return fmt.Errorf("schedule retry for %s: %w", job.ID, err)
		}
		telemetry.JobsRetried.Inc()
		p.logger.Info("job retry scheduled",
			"job_id", job.ID, "retry_count", next, "delay", delay, "error", msg)
		return nil
	}

	if err := p.store.MarkFailed(ctx, job.ID, msg); err != nil {
		return err
	}
	telemetry.JobsFailed.Inc()
	p.logger.Error("job failed permanently",
		"job_id", job.ID, "retry_count", job.RetryCount, "error", msg)

	job.Status = models.StatusFailed
	job.LastError = &msg
	now := p.Now().UTC()
	job.CompletedAt = &now

	p.notifier.publish(Event{Type: EventJobFailed, Job: job})
	p.dispatchCallback(job)
	return nil
}

// dispatchCallback fires the signed callback without blocking the caller.
// The job is already terminal; delivery failure is logged, never retried.
func (p *Processor) dispatchCallback(job models.Job) {
	if p.callbacks == nil || job.CallbackURL == nil || *job.CallbackURL == "" {
		return
	}
	go func(j models.Job) {
		if err := p.callbacks.Send(context.Background(), j); err != nil {
			telemetry.CallbackFailures.Inc()
			p.logger.Warn("callback delivery failed", "job_id", j.ID, "error", err)
		}
	}(job)
}

// RetryDelay returns the backoff for a job that has now failed n times:
// 2^n minutes, capped at the configured maximum.
func (p *Processor) RetryDelay(n int) time.Duration {
	d := time.Duration(math.Pow(2, float64(n))) * 60 * time.Second
	if d > p.backoffMax || d <= 0 {
		d = p.backoffMax
	}
	return d
}

// Status returns the read-only job projection. Output is only exposed for
// completed jobs.
func (p *Processor) Status(ctx context.Context, id string) (models.Job, error) {
	job, err := p.store.Get(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusCompleted {
		job.Output = nil
	}
	return job, nil
}
