package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"voicebridge/internal/models"
	"voicebridge/internal/webhook"
)

// WebhookCallbackHandler executes webhook_callback jobs: it POSTs the job
// payload to a target URL with a signed body, recording the response
// status as output. Non-2xx answers are failures so the normal retry
// machinery re-attempts delivery.
type WebhookCallbackHandler struct {
	httpClient *http.Client
	secret     string
}

type webhookCallbackPayload struct {
	URL     string         `json:"url"`
	Payload map[string]any `json:"payload"`
}

// NewWebhookCallbackHandler builds the handler; secret signs outbound
// bodies with the same scheme as completion callbacks.
func NewWebhookCallbackHandler(secret string, timeout time.Duration) *WebhookCallbackHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookCallbackHandler{
		httpClient: &http.Client{Timeout: timeout},
		secret:     secret,
	}
}

// Handle delivers one outbound webhook.
func (h *WebhookCallbackHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	var payload webhookCallbackPayload
	if err := decodeInput(job, &payload); err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, errors.New("url is required")
	}

	body, err := json.Marshal(payload.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, webhook.SignBody(body, h.secret))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", payload.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("target answered %d", resp.StatusCode)
	}
	return map[string]any{"status_code": resp.StatusCode, "url": payload.URL}, nil
}

// RegisterBuiltins binds the default handler set for the closed job-type
// enumeration. media and providers may be nil when their collaborators
// are not configured; the types then fail through the retry path.
func RegisterBuiltins(p *Processor, media *MediaHandler, providers *ProviderHandlers, callbacks *WebhookCallbackHandler) {
	if media != nil {
		p.RegisterBuiltin(models.TypeProcessMedia, media.Handle)
	}
	if providers != nil {
		p.RegisterBuiltin(models.TypeTranscribe, providers.Transcribe)
		p.RegisterBuiltin(models.TypeTextToSpeech, providers.TextToSpeech)
	}
	if callbacks != nil {
		p.RegisterBuiltin(models.TypeWebhookCallback, callbacks.Handle)
	}
}
