package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"voicebridge/internal/models"
	"voicebridge/internal/webhook"
)

// SignatureHeader carries the hex HMAC-SHA256 of the callback body so the
// receiver can verify authenticity.
const SignatureHeader = "X-Voicebridge-Signature"

type callbackPayload struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// CallbackSender POSTs signed job-completion payloads to caller-supplied
// URLs. Delivery is best-effort: the job is already terminal when Send
// runs, and a failed delivery never reverts job state.
type CallbackSender struct {
	client *http.Client
	secret string

	Now func() time.Time
}

// NewCallbackSender builds a sender with the given delivery timeout.
func NewCallbackSender(secret string, timeout time.Duration) *CallbackSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CallbackSender{
		client: &http.Client{Timeout: timeout},
		secret: secret,
		Now:    time.Now,
	}
}

// Send delivers one signed callback for a terminal job.
func (c *CallbackSender) Send(ctx context.Context, job models.Job) error {
	if job.CallbackURL == nil || *job.CallbackURL == "" {
		return nil
	}
	body, err := json.Marshal(callbackPayload{
		JobID:     job.ID,
		Status:    job.Status,
		Result:    job.Output,
		Timestamp: c.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("callback: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("callback: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, webhook.SignBody(body, c.secret))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback: post %s: %w", *job.CallbackURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("callback: %s answered %d", *job.CallbackURL, resp.StatusCode)
	}
	return nil
}
