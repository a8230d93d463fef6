// Package dispatch sends captured commands to the remote command service.
//
// The dispatcher packages a voice buffer or a text command together with the
// user's current preferences, posts it, and hands back the raw response body.
// It never interprets the body (that is the classifier's job) and never
// retries: a failed round trip is reported once as a *TransportError and the
// caller decides what to do next.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nadzzz/intercom/internal/capture"
	"github.com/nadzzz/intercom/internal/message"
	"github.com/nadzzz/intercom/internal/metrics"
)

// Defaults applied by New for zero config values.
const (
	DefaultMinAudioBytes      = 100
	DefaultMaxCaptureDuration = 5 * time.Second
	DefaultTimeout            = 10 * time.Second

	maxResponseBytes = 8 << 20
)

// Config configures the dispatcher.
type Config struct {
	BaseURL            string        `mapstructure:"base_url"`
	AudioPath          string        `mapstructure:"audio_path"`
	TextPath           string        `mapstructure:"text_path"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MinAudioBytes      int           `mapstructure:"min_audio_bytes"`
	MaxCaptureDuration time.Duration `mapstructure:"max_capture_duration"`
}

// Dispatcher talks to the command service.
type Dispatcher struct {
	baseURL    string
	audioPath  string
	textPath   string
	minBytes   int
	maxCapture time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// New creates a Dispatcher from config.
func New(cfg Config) *Dispatcher {
	if cfg.AudioPath == "" {
		cfg.AudioPath = "/command/audio"
	}
	if cfg.TextPath == "" {
		cfg.TextPath = "/command/text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinAudioBytes <= 0 {
		cfg.MinAudioBytes = DefaultMinAudioBytes
	}
	if cfg.MaxCaptureDuration <= 0 {
		cfg.MaxCaptureDuration = DefaultMaxCaptureDuration
	}
	return &Dispatcher{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		audioPath:  cfg.AudioPath,
		textPath:   cfg.TextPath,
		minBytes:   cfg.MinAudioBytes,
		maxCapture: cfg.MaxCaptureDuration,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     slog.With("component", "dispatcher"),
	}
}

// MaxCaptureDuration returns the hard ceiling applied by Capture.
func (d *Dispatcher) MaxCaptureDuration() time.Duration { return d.maxCapture }

// Capture waits until stop is closed, the recording ends on its own, ctx is
// cancelled, or the capture ceiling elapses, then stops the recording and
// returns whatever was buffered. The microphone is never held past the ceiling.
func (d *Dispatcher) Capture(ctx context.Context, rec capture.Recording, stop <-chan struct{}) (message.AudioBuffer, error) {
	timer := time.NewTimer(d.maxCapture)
	defer timer.Stop()

	select {
	case <-stop:
		d.logger.Debug("capture stopped by caller")
	case <-rec.Done():
		d.logger.Debug("capture source finished")
	case <-timer.C:
		d.logger.Info("capture ceiling reached, force-stopping", "ceiling", d.maxCapture)
	case <-ctx.Done():
		d.logger.Debug("capture cancelled", "error", ctx.Err())
	}

	buf, err := rec.Stop()
	if err != nil {
		return buf, fmt.Errorf("capture: %w", err)
	}
	return buf, nil
}

// DispatchVoice posts an audio buffer with the current preferences.
// Buffers shorter than the configured minimum are rejected with an
// *EmptyCaptureError before any network call.
func (d *Dispatcher) DispatchVoice(ctx context.Context, buf message.AudioBuffer, prefs message.Preferences) (message.RawResponse, error) {
	if buf.Len() < d.minBytes {
		return nil, &EmptyCaptureError{Bytes: buf.Len(), Min: d.minBytes}
	}

	settingsJSON, err := json.Marshal(prefs)
	if err != nil {
		return nil, fmt.Errorf("marshalling preferences: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("audio_file", "recording"+buf.Extension())
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(buf.Data); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}
	if err := writer.WriteField("settingsJson", string(settingsJSON)); err != nil {
		return nil, fmt.Errorf("writing settings: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	d.logger.Debug("dispatching voice command", "bytes", buf.Len(), "mime_type", buf.MIMEType)
	return d.post(ctx, "voice", d.audioPath, writer.FormDataContentType(), body)
}

// textRequest is the JSON body of a text command.
type textRequest struct {
	TextInput string              `json:"textInput"`
	Settings  message.Preferences `json:"settings"`
}

// DispatchText posts a typed command with the current preferences.
func (d *Dispatcher) DispatchText(ctx context.Context, text string, prefs message.Preferences) (message.RawResponse, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	payload, err := json.Marshal(textRequest{TextInput: text, Settings: prefs})
	if err != nil {
		return nil, fmt.Errorf("marshalling text request: %w", err)
	}

	d.logger.Debug("dispatching text command", "text_length", len(text))
	return d.post(ctx, "text", d.textPath, "application/json", bytes.NewReader(payload))
}

func (d *Dispatcher) post(ctx context.Context, origin, path, contentType string, body io.Reader) (message.RawResponse, error) {
	start := time.Now()
	defer func() {
		metrics.DispatchLatency.WithLabelValues(origin).Observe(time.Since(start).Seconds())
	}()

	op := origin + " dispatch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if id := CommandID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200)),
		}
	}

	d.logger.Debug("command service replied", "origin", origin, "status", resp.StatusCode,
		"bytes", len(data), "duration", time.Since(start))
	return message.RawResponse(data), nil
}

// ErrEmptyText rejects blank text commands.
var ErrEmptyText = errors.New("empty text command")

// EmptyCaptureError means the captured audio was empty or too short to be
// worth a round trip.
type EmptyCaptureError struct {
	Bytes int
	Min   int
}

func (e *EmptyCaptureError) Error() string {
	return fmt.Sprintf("captured audio too short: %d bytes (minimum %d)", e.Bytes, e.Min)
}

// TransportError is a failed round trip to the command service.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type commandIDKey struct{}

// WithCommandID attaches a command id, sent as X-Request-ID.
func WithCommandID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, commandIDKey{}, id)
}

// CommandID returns the id attached by WithCommandID.
func CommandID(ctx context.Context) string {
	id, _ := ctx.Value(commandIDKey{}).(string)
	return id
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
