// Package settings keeps user preferences in a local cache and a remote
// preference store.
//
// The local cache is authoritative for the running session: every write
// lands there synchronously, and the remote store is updated afterwards on a
// goroutine. A remote failure is logged and never rolls the local value back.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadzzz/intercom/internal/message"
	"github.com/nadzzz/intercom/internal/metrics"
)

// CacheKey is the key the preference record is stored under.
const CacheKey = "voice_settings"

// ErrNoRemote is returned by Refresh when no remote store is configured.
var ErrNoRemote = errors.New("no remote preference store configured")

// Cache is a local key-value store.
type Cache interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Remote is the remote preference service.
type Remote interface {
	Fetch(ctx context.Context) (message.Preferences, error)
	Save(ctx context.Context, prefs message.Preferences) error
}

// Store merges the local cache and the remote store. All logical operations
// are serialized.
type Store struct {
	cache        Cache
	remote       Remote
	writeTimeout time.Duration
	logger       *slog.Logger

	mu sync.Mutex

	// Remote writes are numbered; a write older than the last one sent is skipped.
	wmu      sync.Mutex
	seq      uint64
	lastSent uint64
	wg       sync.WaitGroup
}

// NewStore creates a Store. remote may be nil, in which case Load falls back
// to defaults and Set only writes locally.
func NewStore(cache Cache, remote Remote, writeTimeout time.Duration) *Store {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Store{
		cache:        cache,
		remote:       remote,
		writeTimeout: writeTimeout,
		logger:       slog.With("component", "settings"),
	}
}

// Load returns the cached preferences, or fetches and caches the remote
// value, or returns the defaults when both are unavailable.
func (s *Store) Load(ctx context.Context) message.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) message.Preferences {
	if prefs, ok := s.readCache(ctx); ok {
		return prefs
	}

	if s.remote == nil {
		return message.DefaultPreferences()
	}

	prefs, err := s.remote.Fetch(ctx)
	metrics.PreferenceSyncTotal.WithLabelValues("fetch", metrics.Outcome(err)).Inc()
	if err != nil {
		s.logger.Warn("fetching remote preferences failed, using defaults", "error", err)
		return message.DefaultPreferences()
	}
	if err := s.writeCache(ctx, prefs); err != nil {
		s.logger.Warn("caching remote preferences", "error", err)
	}
	return prefs
}

// Set stores prefs locally and schedules a remote write. Only a local cache
// failure is returned.
func (s *Store) Set(ctx context.Context, prefs message.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(ctx, prefs)
}

func (s *Store) setLocked(ctx context.Context, prefs message.Preferences) error {
	if err := s.writeCache(ctx, prefs); err != nil {
		return err
	}
	s.pushRemote(ctx, prefs)
	return nil
}

// Update applies a partial change to the current preferences and stores the
// result like Set.
func (s *Store) Update(ctx context.Context, patch message.PreferencesPatch) (message.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := patch.Apply(s.loadLocked(ctx))
	if err := s.setLocked(ctx, next); err != nil {
		return message.Preferences{}, err
	}
	return next, nil
}

// Reset restores the default preferences.
func (s *Store) Reset(ctx context.Context) (message.Preferences, error) {
	prefs := message.DefaultPreferences()
	if err := s.Set(ctx, prefs); err != nil {
		return message.Preferences{}, err
	}
	return prefs, nil
}

// Refresh fetches the remote preferences and overwrites the local cache.
func (s *Store) Refresh(ctx context.Context) (message.Preferences, error) {
	if s.remote == nil {
		return message.Preferences{}, ErrNoRemote
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.remote.Fetch(ctx)
	metrics.PreferenceSyncTotal.WithLabelValues("refresh", metrics.Outcome(err)).Inc()
	if err != nil {
		return message.Preferences{}, fmt.Errorf("refreshing preferences: %w", err)
	}
	if err := s.writeCache(ctx, prefs); err != nil {
		return prefs, err
	}
	s.logger.Info("preferences refreshed from remote")
	return prefs, nil
}

// RemoteHealth reports an error while the remote store is known to be
// unreachable. Local reads and writes keep working either way.
func (s *Store) RemoteHealth(context.Context) error {
	if b, ok := s.remote.(*BreakerRemote); ok && b.Open() {
		return errors.New("preference store circuit open")
	}
	return nil
}

// Wait blocks until all scheduled remote writes have finished.
func (s *Store) Wait() { s.wg.Wait() }

// pushRemote writes prefs to the remote store in the background. Caller
// must hold s.mu.
func (s *Store) pushRemote(ctx context.Context, prefs message.Preferences) {
	if s.remote == nil {
		return
	}

	s.seq++
	seq := s.seq
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.wmu.Lock()
		defer s.wmu.Unlock()
		if seq < s.lastSent {
			s.logger.Debug("skipping superseded remote write", "seq", seq)
			return
		}
		s.lastSent = seq

		ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()

		err := s.remote.Save(ctx, prefs)
		metrics.PreferenceSyncTotal.WithLabelValues("save", metrics.Outcome(err)).Inc()
		if err != nil {
			s.logger.Warn("remote preference write failed", "seq", seq, "error", err)
			return
		}
		s.logger.Debug("remote preferences saved", "seq", seq)
	}()
}

func (s *Store) readCache(ctx context.Context) (message.Preferences, bool) {
	raw, ok, err := s.cache.Get(ctx, CacheKey)
	if err != nil {
		s.logger.Warn("reading preference cache", "error", err)
		return message.Preferences{}, false
	}
	if !ok || len(raw) == 0 {
		return message.Preferences{}, false
	}

	prefs := message.DefaultPreferences()
	if err := json.Unmarshal(raw, &prefs); err != nil {
		s.logger.Warn("discarding undecodable cached preferences", "error", err)
		return message.Preferences{}, false
	}
	return prefs, true
}

func (s *Store) writeCache(ctx context.Context, prefs message.Preferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := s.cache.Put(ctx, CacheKey, raw); err != nil {
		return fmt.Errorf("writing preference cache: %w", err)
	}
	return nil
}
