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
)

// ProviderHandlers executes transcribe and text_to_speech jobs against the
// configured voice provider endpoints. The control plane only owns the
// job envelope; the actual speech work happens behind these HTTP calls.
type ProviderHandlers struct {
	httpClient    *http.Client
	transcribeURL string
	ttsURL        string
	uploader      Uploader
}

// NewProviderHandlers builds the handlers. Empty endpoint URLs make the
// corresponding handler fail, which surfaces through the normal
// retry-then-failed path.
func NewProviderHandlers(transcribeURL, ttsURL string, uploader Uploader, timeout time.Duration) *ProviderHandlers {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ProviderHandlers{
		httpClient:    &http.Client{Timeout: timeout},
		transcribeURL: transcribeURL,
		ttsURL:        ttsURL,
		uploader:      uploader,
	}
}

type transcribePayload struct {
	AudioURL string `json:"audio_url"`
	Language string `json:"language"`
}

// Transcribe forwards the audio reference to the transcription provider
// and returns its JSON response as the job output.
func (p *ProviderHandlers) Transcribe(ctx context.Context, job models.Job) (map[string]any, error) {
	if p.transcribeURL == "" {
		return nil, errors.New("transcription endpoint not configured")
	}
	var payload transcribePayload
	if err := decodeInput(job, &payload); err != nil {
		return nil, err
	}
	if payload.AudioURL == "" {
		return nil, errors.New("audio_url is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}
	resp, err := p.post(ctx, p.transcribeURL, "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("transcription provider answered %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return out, nil
}

type ttsPayload struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

// TextToSpeech synthesizes audio through the provider and stores the
// resulting bytes via the uploader.
func (p *ProviderHandlers) TextToSpeech(ctx context.Context, job models.Job) (map[string]any, error) {
	if p.ttsURL == "" {
		return nil, errors.New("text-to-speech endpoint not configured")
	}
	if p.uploader == nil {
		return nil, errors.New("no artifact uploader configured")
	}
	var payload ttsPayload
	if err := decodeInput(job, &payload); err != nil {
		return nil, err
	}
	if payload.Text == "" {
		return nil, errors.New("text is required")
	}
	if payload.Format == "" {
		payload.Format = "mp3"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}
	resp, err := p.post(ctx, p.ttsURL, "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("tts provider answered %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("tts provider returned no audio")
	}

	key := fmt.Sprintf("tts/%s.%s", job.ID, payload.Format)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	location, err := p.uploader.Upload(ctx, key, audio, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload audio: %w", err)
	}

	return map[string]any{
		"location": location,
		"voice":    payload.Voice,
		"format":   payload.Format,
		"bytes":    len(audio),
	}, nil
}

func (p *ProviderHandlers) post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	return resp, nil
}

func decodeInput(job models.Job, v any) error {
	raw, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}
