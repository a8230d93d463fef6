package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nadzzz/intercom/internal/metrics"
)

// DefaultOrigin is the backend origin used for relative paths.
const DefaultOrigin = "http://localhost:8080"

// Config configures playback.
type Config struct {
	// Origin is prefixed to relative audio paths.
	Origin string `mapstructure:"origin"`

	// PlayerCommand is the external player; "{url}" is replaced by the target.
	PlayerCommand []string `mapstructure:"player_command"`

	// TempDir holds decoded inline audio while it plays.
	TempDir string `mapstructure:"temp_dir"`

	// Disabled swaps the external player for one that plays nothing.
	Disabled bool `mapstructure:"disabled"`
}

// PlaybackError is a failed decode or playback. It is logged by the
// resolver and never returned to the feedback controller.
type PlaybackError struct {
	Kind string
	Err  error
}

func (e *PlaybackError) Error() string { return fmt.Sprintf("playback (%s): %v", e.Kind, e.Err) }

func (e *PlaybackError) Unwrap() error { return e.Err }

// PlaybackHandle is a resolved, playable resource. Transient handles own a
// BlobStore URL that is revoked by Release.
type PlaybackHandle struct {
	URL       string
	Kind      string
	Transient bool

	once    sync.Once
	release func() error
	err     error
}

// Release frees the handle's resource. Only the first call has an effect.
func (h *PlaybackHandle) Release() error {
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release()
		}
	})
	return h.err
}

// Resolver turns references into handles and plays at most one at a time.
type Resolver struct {
	origin string
	blobs  BlobStore
	player Player
	logger *slog.Logger

	busy atomic.Bool
	wg   sync.WaitGroup
}

// NewResolver creates a resolver.
func NewResolver(origin string, blobs BlobStore, player Player) *Resolver {
	if origin == "" {
		origin = DefaultOrigin
	}
	if player == nil {
		player = NopPlayer{}
	}
	return &Resolver{
		origin: strings.TrimRight(origin, "/"),
		blobs:  blobs,
		player: player,
		logger: slog.With("component", "audio"),
	}
}

// New builds a Resolver with a temp-file BlobStore and the configured player.
func New(cfg Config) (*Resolver, *TempFileStore) {
	blobs := NewTempFileStore(cfg.TempDir)
	var player Player = NewExecPlayer(cfg.PlayerCommand)
	if cfg.Disabled {
		player = NopPlayer{}
	}
	return NewResolver(cfg.Origin, blobs, player), blobs
}

// Resolve produces a playable handle for ref.
func (r *Resolver) Resolve(ref Reference) (*PlaybackHandle, error) {
	switch ref := ref.(type) {
	case Base64Payload:
		if len(ref.Data) == 0 {
			return nil, &PlaybackError{Kind: ref.Kind(), Err: fmt.Errorf("empty audio payload")}
		}
		if r.blobs == nil {
			return nil, &PlaybackError{Kind: ref.Kind(), Err: fmt.Errorf("no blob store configured")}
		}
		url, err := r.blobs.Create(ref.Data, ref.MIMEType)
		if err != nil {
			return nil, &PlaybackError{Kind: ref.Kind(), Err: err}
		}
		blobs := r.blobs
		return &PlaybackHandle{
			URL:       url,
			Kind:      ref.Kind(),
			Transient: true,
			release:   func() error { return blobs.Revoke(url) },
		}, nil

	case AbsoluteURL:
		return &PlaybackHandle{URL: ref.URL, Kind: ref.Kind()}, nil

	case RelativePath:
		return &PlaybackHandle{
			URL:  r.origin + "/" + strings.TrimLeft(ref.Path, "/"),
			Kind: ref.Kind(),
		}, nil

	default:
		return nil, &PlaybackError{Kind: "unknown", Err: fmt.Errorf("unsupported reference %T", ref)}
	}
}

// Play starts playing h in the background and reports whether it started.
// While another playback is active the request is dropped and h released.
// The handle is always released once playback ends, successfully or not.
func (r *Resolver) Play(ctx context.Context, h *PlaybackHandle) bool {
	if !r.busy.CompareAndSwap(false, true) {
		r.drop(h)
		return false
	}
	r.start(ctx, h)
	return true
}

// PlayReference parses, resolves and plays s. Every failure is logged as a
// PlaybackError and reported as false.
func (r *Resolver) PlayReference(ctx context.Context, s string) bool {
	if !r.busy.CompareAndSwap(false, true) {
		r.logger.Debug("playback busy, dropping reference")
		metrics.PlaybacksTotal.WithLabelValues("unparsed", "dropped").Inc()
		return false
	}

	ref, err := Parse(s)
	if err != nil {
		r.fail(&PlaybackError{Kind: "unparsed", Err: err})
		return false
	}
	h, err := r.Resolve(ref)
	if err != nil {
		r.fail(err)
		return false
	}
	r.start(ctx, h)
	return true
}

// PlayBuffer plays decoded audio, e.g. locally synthesized speech.
func (r *Resolver) PlayBuffer(ctx context.Context, data []byte, mimeType string) bool {
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}
	if !r.busy.CompareAndSwap(false, true) {
		metrics.PlaybacksTotal.WithLabelValues("base64", "dropped").Inc()
		return false
	}
	h, err := r.Resolve(Base64Payload{Data: data, MIMEType: mimeType})
	if err != nil {
		r.fail(err)
		return false
	}
	r.start(ctx, h)
	return true
}

// Busy reports whether a playback is active.
func (r *Resolver) Busy() bool { return r.busy.Load() }

// Wait blocks until the active playback, if any, has finished.
func (r *Resolver) Wait() { r.wg.Wait() }

// start runs playback on a goroutine. The caller must hold the busy flag.
func (r *Resolver) start(ctx context.Context, h *PlaybackHandle) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)

		err := r.player.Play(ctx, h.URL)
		if relErr := h.Release(); relErr != nil {
			r.logger.Warn("releasing audio resource", "url", h.URL, "error", relErr)
		}
		if err != nil {
			r.logger.Warn("playback failed", "error", &PlaybackError{Kind: h.Kind, Err: err}, "url", h.URL)
			metrics.PlaybacksTotal.WithLabelValues(h.Kind, "error").Inc()
			return
		}
		r.logger.Debug("playback finished", "kind", h.Kind)
		metrics.PlaybacksTotal.WithLabelValues(h.Kind, "ok").Inc()
	}()
}

func (r *Resolver) drop(h *PlaybackHandle) {
	r.logger.Debug("playback busy, dropping request", "kind", h.Kind)
	metrics.PlaybacksTotal.WithLabelValues(h.Kind, "dropped").Inc()
	if err := h.Release(); err != nil {
		r.logger.Warn("releasing dropped audio resource", "error", err)
	}
}

// fail logs err and clears the busy flag taken by the caller.
func (r *Resolver) fail(err error) {
	kind := "unknown"
	if pe, ok := err.(*PlaybackError); ok {
		kind = pe.Kind
	}
	r.logger.Warn("cannot play audio reference", "error", err)
	metrics.PlaybacksTotal.WithLabelValues(kind, "error").Inc()
	r.busy.Store(false)
}
