package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"voicebridge/internal/models"
)

// MediaHandler processes process_media jobs: it downloads a source asset,
// applies resize/grayscale transforms, and uploads the result.
type MediaHandler struct {
	httpClient   *http.Client
	uploader     Uploader
	maxBytes     int64
	defaultWidth int
}

type mediaPayload struct {
	SourceURL string `json:"source_url"`
	OutputKey string `json:"output_key"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Grayscale bool   `json:"grayscale"`
}

// NewMediaHandler builds the handler. The HTTP timeout bounds the source
// download, not the whole job.
func NewMediaHandler(uploader Uploader, timeout time.Duration, maxBytes int64) *MediaHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &MediaHandler{
		httpClient:   &http.Client{Timeout: timeout},
		uploader:     uploader,
		maxBytes:     maxBytes,
		defaultWidth: 320,
	}
}

// Handle downloads, transforms, and uploads one asset, returning the
// stored location as the job output.
func (h *MediaHandler) Handle(ctx context.Context, job models.Job) (map[string]any, error) {
	payload, err := decodeMediaPayload(job)
	if err != nil {
		return nil, err
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}

	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	width, height := payload.Width, payload.Height
	if width == 0 && height == 0 {
		width = h.defaultWidth
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode media: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}

	location, err := h.uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	return map[string]any{
		"location":   location,
		"output_key": sanitizeKey(outputKey),
		"format":     formatExtension(outputFormat),
		"bytes":      buf.Len(),
	}, nil
}

func (h *MediaHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, h.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", h.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeMediaPayload(job models.Job) (mediaPayload, error) {
	payload := mediaPayload{Grayscale: false}
	raw, err := json.Marshal(job.Input)
	if err != nil {
		return payload, fmt.Errorf("marshal input: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode input: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	return payload, nil
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
