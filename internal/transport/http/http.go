// Package http implements the local UI API for intercom.
//
// A desktop or web front end drives the feedback controller through a small
// REST surface and renders it from the /ws stream, which pushes every state
// snapshot followed by typing frames that reveal the response text.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/intercom/internal/dispatch"
	"github.com/nadzzz/intercom/internal/feedback"
	"github.com/nadzzz/intercom/internal/message"
)

// maxBodyBytes bounds request bodies; commands and preferences are tiny.
const maxBodyBytes = 1 << 20

// Controller is the part of the feedback controller the API drives.
type Controller interface {
	State() feedback.State
	Subscribe(fn func(feedback.State)) (cancel func())
	StartVoiceCommand() error
	StopVoiceCommand()
	SendTextCommand(text string) error
	Cancel()
}

// PreferenceStore reads and writes user preferences.
type PreferenceStore interface {
	Load(ctx context.Context) message.Preferences
	Set(ctx context.Context, prefs message.Preferences) error
	Update(ctx context.Context, patch message.PreferencesPatch) (message.Preferences, error)
	Refresh(ctx context.Context) (message.Preferences, error)
}

// Options configures the listener and the typing reveal on /ws.
type Options struct {
	Host           string
	Port           int
	TypingInterval time.Duration
}

// Transport implements transport.Transport over HTTP and WebSocket.
type Transport struct {
	opts     Options
	ctrl     Controller
	prefs    PreferenceStore
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// done is closed by Close; hijacked WebSocket connections watch it
	// because http.Server.Shutdown does not track them.
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	server *http.Server
}

// New creates the UI API transport.
func New(opts Options, ctrl Controller, prefs PreferenceStore) *Transport {
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = feedback.DefaultTypingInterval
	}
	return &Transport{
		opts:  opts,
		ctrl:  ctrl,
		prefs: prefs,
		upgrader: websocket.Upgrader{
			// The API binds to loopback by default and serves a local UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.With("component", "http"),
		done:   make(chan struct{}),
	}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Handler returns the API routes.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /voice/toggle", t.handleToggle)
	mux.HandleFunc("POST /voice/stop", t.handleStop)
	mux.HandleFunc("POST /cancel", t.handleCancel)
	mux.HandleFunc("POST /text", t.handleText)
	mux.HandleFunc("GET /state", t.handleState)
	mux.HandleFunc("GET /ws", t.handleWS)

	mux.HandleFunc("GET /preferences", t.handleGetPreferences)
	mux.HandleFunc("PATCH /preferences", t.handlePatchPreferences)
	mux.HandleFunc("PUT /preferences", t.handlePutPreferences)
	mux.HandleFunc("POST /preferences/refresh", t.handleRefreshPreferences)

	// Swagger UI for the generated OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	return mux
}

// Listen starts the HTTP server. It blocks until the context is cancelled.
func (t *Transport) Listen(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port),
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.mu.Lock()
	t.server = server
	t.mu.Unlock()

	t.logger.Info("http transport listening", "addr", server.Addr)

	go func() {
		<-ctx.Done()
		t.logger.Info("http transport shutting down")
		_ = t.Close()
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Close shuts down the server and every open WebSocket stream.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	server := t.server
	t.mu.Unlock()
	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

type textRequest struct {
	Text string `json:"text" example:"打开客厅的灯"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleToggle starts a voice command, or stops the capture in progress.
//
// @Summary     Toggle voice capture
// @Description Starts listening when idle or showing a response. While listening, stops the
// @Description capture and moves the command on to processing.
// @Tags        commands
// @Produce     json
// @Success     202  {object}  feedback.State
// @Failure     409  {object}  errorResponse  "A command is being processed"
// @Router      /voice/toggle [post]
func (t *Transport) handleToggle(w http.ResponseWriter, r *http.Request) {
	if err := t.ctrl.StartVoiceCommand(); err != nil {
		t.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.ctrl.State())
}

// handleStop ends the capture in progress.
//
// @Summary     Stop voice capture
// @Tags        commands
// @Produce     json
// @Success     202  {object}  feedback.State
// @Router      /voice/stop [post]
func (t *Transport) handleStop(w http.ResponseWriter, r *http.Request) {
	t.ctrl.StopVoiceCommand()
	writeJSON(w, http.StatusAccepted, t.ctrl.State())
}

// handleCancel abandons the command in flight.
//
// @Summary     Cancel the current command
// @Description Returns to idle. A late response for the cancelled command is ignored.
// @Tags        commands
// @Produce     json
// @Success     200  {object}  feedback.State
// @Router      /cancel [post]
func (t *Transport) handleCancel(w http.ResponseWriter, r *http.Request) {
	t.ctrl.Cancel()
	writeJSON(w, http.StatusOK, t.ctrl.State())
}

// handleText dispatches a typed command.
//
// @Summary     Send a text command
// @Tags        commands
// @Accept      json
// @Produce     json
// @Param       command  body      textRequest     true  "Command text"
// @Success     202      {object}  feedback.State
// @Failure     400      {object}  errorResponse  "Invalid body or blank text"
// @Failure     409      {object}  errorResponse  "A command is already in progress"
// @Router      /text [post]
func (t *Transport) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := t.ctrl.SendTextCommand(req.Text); err != nil {
		t.writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.ctrl.State())
}

// handleState returns the current feedback state.
//
// @Summary     Current feedback state
// @Tags        commands
// @Produce     json
// @Success     200  {object}  feedback.State
// @Router      /state [get]
func (t *Transport) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, t.ctrl.State())
}

// handleGetPreferences returns the effective preferences.
//
// @Summary     Get preferences
// @Tags        preferences
// @Produce     json
// @Success     200  {object}  message.Preferences
// @Router      /preferences [get]
func (t *Transport) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, t.prefs.Load(r.Context()))
}

// handlePatchPreferences applies a partial update.
//
// @Summary     Update some preferences
// @Description Fields left out of the body keep their current values.
// @Tags        preferences
// @Accept      json
// @Produce     json
// @Param       patch  body      message.PreferencesPatch  true  "Partial preferences"
// @Success     200    {object}  message.Preferences
// @Failure     400    {object}  errorResponse
// @Failure     500    {object}  errorResponse  "Local cache write failed"
// @Router      /preferences [patch]
func (t *Transport) handlePatchPreferences(w http.ResponseWriter, r *http.Request) {
	var patch message.PreferencesPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prefs, err := t.prefs.Update(r.Context(), patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handlePutPreferences replaces the preferences.
//
// @Summary     Replace preferences
// @Tags        preferences
// @Accept      json
// @Produce     json
// @Param       preferences  body      message.Preferences  true  "Complete preferences"
// @Success     200          {object}  message.Preferences
// @Failure     400          {object}  errorResponse
// @Failure     500          {object}  errorResponse  "Local cache write failed"
// @Router      /preferences [put]
func (t *Transport) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	prefs := message.DefaultPreferences()
	if err := decodeBody(w, r, &prefs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := t.prefs.Set(r.Context(), prefs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// handleRefreshPreferences reloads preferences from the remote store.
//
// @Summary     Refresh preferences from the preference service
// @Tags        preferences
// @Produce     json
// @Success     200  {object}  message.Preferences
// @Failure     502  {object}  errorResponse  "Preference service unavailable"
// @Router      /preferences/refresh [post]
func (t *Transport) handleRefreshPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := t.prefs.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (t *Transport) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feedback.ErrBusy):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, dispatch.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err)
	default:
		t.logger.Error("command failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
