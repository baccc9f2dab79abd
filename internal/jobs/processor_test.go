package jobs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voicebridge/internal/models"
	"voicebridge/internal/webhook"
)

// fakeStore is an in-memory Store with the same compare-and-swap
// semantics as the Postgres implementation.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]models.Job)}
}

func (s *fakeStore) Create(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate id %s", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errors.New("not found")
	}
	return job, nil
}

func (s *fakeStore) ClaimPending(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusPending {
		return false, nil
	}
	job.Status = models.StatusProcessing
	s.jobs[id] = job
	return true, nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, id string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job.Status != models.StatusProcessing {
		return fmt.Errorf("complete %s: not processing", id)
	}
	now := time.Now()
	job.Status = models.StatusCompleted
	job.Output = output
	job.LastError = nil
	job.CompletedAt = &now
	s.jobs[id] = job
	return nil
}

func (s *fakeStore) MarkRetry(_ context.Context, id string, retryCount int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job.Status != models.StatusProcessing {
		return fmt.Errorf("retry %s: not processing", id)
	}
	job.Status = models.StatusPending
	job.RetryCount = retryCount
	job.LastError = &errMsg
	s.jobs[id] = job
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job.Status != models.StatusProcessing {
		return fmt.Errorf("fail %s: not processing", id)
	}
	now := time.Now()
	job.Status = models.StatusFailed
	job.LastError = &errMsg
	job.CompletedAt = &now
	s.jobs[id] = job
	return nil
}

func (s *fakeStore) ResetStale(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusProcessing {
		return false, nil
	}
	job.Status = models.StatusPending
	s.jobs[id] = job
	return true, nil
}

type scheduledRun struct {
	JobID string
	RunAt time.Time
}

// fakeScheduler records schedule calls instead of firing them.
type fakeScheduler struct {
	mu   sync.Mutex
	runs []scheduledRun
}

func (f *fakeScheduler) Schedule(_ context.Context, jobID string, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, scheduledRun{JobID: jobID, RunAt: runAt})
	return nil
}

func (f *fakeScheduler) calls() []scheduledRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduledRun(nil), f.runs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProcessor(t *testing.T, opts Options) (*Processor, *fakeStore, *fakeScheduler) {
	t.Helper()
	st := newFakeStore()
	sched := &fakeScheduler{}
	proc := NewProcessor(st, sched, nil, testLogger(), opts)
	return proc, st, sched
}

func TestQueueJobValidatesType(t *testing.T) {
	ctx := context.Background()
	proc, st, sched := newTestProcessor(t, Options{})

	_, err := proc.QueueJob(ctx, "mine_bitcoin", nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidJobType)
	require.Empty(t, st.jobs)

	id, err := proc.QueueJob(ctx, models.TypeTranscribe, map[string]any{"audio_url": "http://a"}, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, job.Status)
	require.Zero(t, job.RetryCount)
	require.Equal(t, 3, job.MaxRetries)

	runs := sched.calls()
	require.Len(t, runs, 1)
	require.Equal(t, id, runs[0].JobID)
}

func TestFailingJobRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	proc, st, sched := newTestProcessor(t, Options{MaxRetries: 3})

	var failures []string
	proc.Subscribe(func(e Event) {
		if e.Type == EventJobFailed {
			failures = append(failures, e.Job.ID)
		}
	})
	proc.RegisterBuiltin(models.TypeTranscribe, func(context.Context, models.Job) (map[string]any, error) {
		return nil, errors.New("provider down")
	})

	id, err := proc.QueueJob(ctx, models.TypeTranscribe, map[string]any{"audio_url": "http://a"}, nil, nil)
	require.NoError(t, err)

	// Exactly max_retries failure-triggered reschedules.
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, proc.ProcessJob(ctx, id))
		job, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, job.Status)
		require.Equal(t, attempt, job.RetryCount)
		require.NotNil(t, job.LastError)
		require.Equal(t, "provider down", *job.LastError)
	}

	// Fourth run exhausts the budget: terminal failed, no reschedule.
	require.NoError(t, proc.ProcessJob(ctx, id))
	job, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	require.Equal(t, 3, job.RetryCount)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, []string{id}, failures)

	// One initial schedule plus three retries, nothing after failure.
	runs := sched.calls()
	require.Len(t, runs, 4)

	// Backoff is monotone: each retry is scheduled further out.
	base := runs[0].RunAt
	prev := time.Duration(0)
	for _, r := range runs[1:] {
		d := r.RunAt.Sub(base)
		require.Greater(t, d, prev)
		prev = d
	}
}

func TestRetryDelayIsExponentialMinutes(t *testing.T) {
	proc, _, _ := newTestProcessor(t, Options{MaxRetries: 5, BackoffMax: 6 * time.Hour})

	require.Equal(t, 2*time.Minute, proc.RetryDelay(1))
	require.Equal(t, 4*time.Minute, proc.RetryDelay(2))
	require.Equal(t, 8*time.Minute, proc.RetryDelay(3))
	require.Equal(t, 16*time.Minute, proc.RetryDelay(4))
}

func TestRetryDelayCapped(t *testing.T) {
	proc, _, _ := newTestProcessor(t, Options{BackoffMax: 10 * time.Minute})
	require.Equal(t, 10*time.Minute, proc.RetryDelay(4))
	require.Equal(t, 10*time.Minute, proc.RetryDelay(30))
}

func TestProcessJobRejectsTerminalAndInProgress(t *testing.T) {
	ctx := context.Background()
	proc, st, _ := newTestProcessor(t, Options{})

	completed := models.Job{ID: "done", Type: models.TypeTranscribe, Status: models.StatusCompleted,
		Output: map[string]any{"transcript": "hi"}}
	require.NoError(t, st.Create(ctx, completed))

	err := proc.ProcessJob(ctx, "done")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	got, _ := st.Get(ctx, "done")
	require.Equal(t, completed.Status, got.Status)
	require.Equal(t, completed.Output, got.Output)

	running := models.Job{ID: "busy", Type: models.TypeTranscribe, Status: models.StatusProcessing}
	require.NoError(t, st.Create(ctx, running))
	err = proc.ProcessJob(ctx, "busy")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	got, _ = st.Get(ctx, "busy")
	require.Equal(t, models.StatusProcessing, got.Status)
}

func TestSuccessStoresOutputAndNotifies(t *testing.T) {
	ctx := context.Background()
	proc, st, _ := newTestProcessor(t, Options{})

	var completed []Event
	proc.Subscribe(func(e Event) { completed = append(completed, e) })
	proc.RegisterBuiltin(models.TypeTranscribe, func(context.Context, models.Job) (map[string]any, error) {
		return map[string]any{"transcript": "hello world"}, nil
	})

	id, err := proc.QueueJob(ctx, models.TypeTranscribe, map[string]any{"audio_url": "http://a"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, proc.ProcessJob(ctx, id))

	job, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, job.Status)
	require.Equal(t, "hello world", job.Output["transcript"])
	require.NotNil(t, job.CompletedAt)

	require.Len(t, completed, 1)
	require.Equal(t, EventJobCompleted, completed[0].Type)
	require.Equal(t, id, completed[0].Job.ID)
}

func TestExternalHandlerClaimsTypeFirst(t *testing.T) {
	ctx := context.Background()
	proc, st, _ := newTestProcessor(t, Options{})

	proc.RegisterBuiltin(models.TypeTranscribe, func(context.Context, models.Job) (map[string]any, error) {
		return map[string]any{"source": "builtin"}, nil
	})
	proc.RegisterHandler(models.TypeTranscribe, func(context.Context, models.Job) (map[string]any, error) {
		return map[string]any{"source": "external"}, nil
	})

	id, err := proc.QueueJob(ctx, models.TypeTranscribe, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, proc.ProcessJob(ctx, id))

	job, _ := st.Get(ctx, id)
	require.Equal(t, "external", job.Output["source"])
}

func TestStatusProjectionHidesOutputUntilCompleted(t *testing.T) {
	ctx := context.Background()
	proc, st, _ := newTestProcessor(t, Options{})

	job := models.Job{ID: "j1", Type: models.TypeTranscribe, Status: models.StatusPending,
		Output: map[string]any{"partial": true}}
	require.NoError(t, st.Create(ctx, job))

	got, err := proc.Status(ctx, "j1")
	require.NoError(t, err)
	require.Nil(t, got.Output)

	st.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusCompleted, Output: map[string]any{"done": true}}
	got, err = proc.Status(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"done": true}, got.Output)
}

func TestMissingHandlerGoesThroughRetryPath(t *testing.T) {
	ctx := context.Background()
	proc, st, _ := newTestProcessor(t, Options{MaxRetries: 1})

	id, err := proc.QueueJob(ctx, models.TypeProcessMedia, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, proc.ProcessJob(ctx, id))
	job, _ := st.Get(ctx, id)
	require.Equal(t, models.StatusPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Contains(t, *job.LastError, "no handler registered")
}

func TestEndToEndWebhookCallbackJob(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	sched := &fakeScheduler{}

	const secret = "cb-secret"
	type delivery struct {
		signature string
		body      []byte
	}
	inbound := make(chan delivery, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		inbound <- delivery{signature: r.Header.Get(SignatureHeader), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewCallbackSender(secret, 5*time.Second)
	proc := NewProcessor(st, sched, sender, testLogger(), Options{})
	RegisterBuiltins(proc, nil, nil, NewWebhookCallbackHandler(secret, 5*time.Second))

	callbackURL := srv.URL
	id, err := proc.QueueJob(ctx, models.TypeWebhookCallback, map[string]any{
		"url":     srv.URL,
		"payload": map[string]any{"event": "session.ended"},
	}, &callbackURL, nil)
	require.NoError(t, err)
	require.NoError(t, proc.ProcessJob(ctx, id))

	job, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, job.Status)
	code, ok := job.Output["status_code"].(int)
	require.True(t, ok)
	require.GreaterOrEqual(t, code, 200)
	require.Less(t, code, 300)

	// Two inbound POSTs: the job's own delivery, then the async signed
	// completion callback.
	for i := 0; i < 2; i++ {
		select {
		case d := <-inbound:
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(d.body)
			require.Equal(t, hex.EncodeToString(mac.Sum(nil)), d.signature)
		case <-time.After(5 * time.Second):
			t.Fatal("expected inbound POST")
		}
	}
}

func TestCallbackFailureDoesNotRevertJob(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	sched := &fakeScheduler{}

	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		done <- struct{}{}
	}))
	defer srv.Close()

	sender := NewCallbackSender("s", time.Second)
	proc := NewProcessor(st, sched, sender, testLogger(), Options{})
	proc.RegisterBuiltin(models.TypeTranscribe, func(context.Context, models.Job) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	callbackURL := srv.URL
	id, err := proc.QueueJob(ctx, models.TypeTranscribe, nil, &callbackURL, nil)
	require.NoError(t, err)
	require.NoError(t, proc.ProcessJob(ctx, id))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never attempted")
	}

	job, _ := st.Get(ctx, id)
	require.Equal(t, models.StatusCompleted, job.Status)
}

func TestSignBodyMatchesVerifier(t *testing.T) {
	body := []byte(`{"job_id":"x"}`)
	sig := webhook.SignBody(body, "k")
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write(body)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
}
