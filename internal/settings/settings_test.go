package settings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/intercom/internal/message"
)

// fakeRemote is an in-memory Remote with switchable failures.
type fakeRemote struct {
	mu        sync.Mutex
	prefs     *message.Preferences
	fetchErr  error
	saveErr   error
	fetches   int
	saves     int
	saveDelay time.Duration
}

func (f *fakeRemote) Fetch(context.Context) (message.Preferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return message.Preferences{}, f.fetchErr
	}
	if f.prefs == nil {
		return message.Preferences{}, errors.New("not found")
	}
	return *f.prefs, nil
}

func (f *fakeRemote) Save(_ context.Context, p message.Preferences) error {
	time.Sleep(f.saveDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.prefs = &p
	return nil
}

func (f *fakeRemote) stored() *message.Preferences {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefs
}

func boolPtr(b bool) *bool     { return &b }
func strPtr(s string) *string { return &s }

func TestSet_LocalWinsWhenRemoteWriteFails(t *testing.T) {
	remote := &fakeRemote{saveErr: errors.New("backend down")}
	s := NewStore(NewMemoryCache(), remote, time.Second)
	ctx := context.Background()

	prefs := s.Load(ctx)
	prefs.TTS.Enabled = false
	require.NoError(t, s.Set(ctx, prefs))

	assert.False(t, s.Load(ctx).TTS.Enabled)

	s.Wait()
	assert.Equal(t, 1, remote.saves)
	assert.False(t, s.Load(ctx).TTS.Enabled, "remote failure must not roll back")
}

func TestUpdate_PatchTTSDisabled(t *testing.T) {
	remote := &fakeRemote{saveErr: errors.New("backend down")}
	s := NewStore(NewMemoryCache(), remote, time.Second)
	ctx := context.Background()

	got, err := s.Update(ctx, message.PreferencesPatch{TTS: &message.TTSPatch{Enabled: boolPtr(false)}})
	require.NoError(t, err)
	assert.False(t, got.TTS.Enabled)
	assert.Equal(t, "pyttsx3", got.TTS.Engine)

	loaded := s.Load(ctx)
	assert.False(t, loaded.TTS.Enabled)
	assert.Equal(t, "dolphin", loaded.STT.Engine)
	s.Wait()
}

func TestLoad_FallsBackToRemoteThenDefaults(t *testing.T) {
	ctx := context.Background()

	t.Run("remote value is cached", func(t *testing.T) {
		stored := message.DefaultPreferences()
		stored.UI.Theme = "dark"
		remote := &fakeRemote{prefs: &stored}
		cache := NewMemoryCache()
		s := NewStore(cache, remote, time.Second)

		assert.Equal(t, "dark", s.Load(ctx).UI.Theme)
		assert.Equal(t, "dark", s.Load(ctx).UI.Theme)
		assert.Equal(t, 1, remote.fetches, "second load is served by the cache")

		_, ok, err := cache.Get(ctx, CacheKey)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("remote failure yields defaults", func(t *testing.T) {
		remote := &fakeRemote{fetchErr: errors.New("timeout")}
		s := NewStore(NewMemoryCache(), remote, time.Second)

		assert.Equal(t, message.DefaultPreferences(), s.Load(ctx))
		s.Load(ctx)
		assert.Equal(t, 2, remote.fetches, "defaults are not cached")
	})

	t.Run("no remote", func(t *testing.T) {
		s := NewStore(NewMemoryCache(), nil, 0)
		assert.Equal(t, message.DefaultPreferences(), s.Load(ctx))
	})

	t.Run("corrupt cache is ignored", func(t *testing.T) {
		cache := NewMemoryCache()
		require.NoError(t, cache.Put(ctx, CacheKey, []byte("{not json")))
		s := NewStore(cache, nil, 0)
		assert.Equal(t, message.DefaultPreferences(), s.Load(ctx))
	})
}

func TestRefresh_OverwritesLocal(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	s := NewStore(NewMemoryCache(), remote, time.Second)

	local := message.DefaultPreferences()
	local.STT.Language = "en-US"
	require.NoError(t, s.Set(ctx, local))
	s.Wait()

	fresh := message.DefaultPreferences()
	fresh.STT.Language = "zh-TW"
	remote.mu.Lock()
	remote.prefs = &fresh
	remote.mu.Unlock()

	got, err := s.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "zh-TW", got.STT.Language)
	assert.Equal(t, "zh-TW", s.Load(ctx).STT.Language)
}

func TestRefresh_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewStore(NewMemoryCache(), nil, 0).Refresh(ctx)
	assert.ErrorIs(t, err, ErrNoRemote)

	s := NewStore(NewMemoryCache(), &fakeRemote{fetchErr: errors.New("503")}, time.Second)
	require.NoError(t, s.Set(ctx, message.DefaultPreferences()))
	_, err = s.Refresh(ctx)
	assert.Error(t, err)
	assert.Equal(t, message.DefaultPreferences(), s.Load(ctx))
	s.Wait()
}

func TestSet_LastWriteReachesRemote(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{saveDelay: 5 * time.Millisecond}
	s := NewStore(NewMemoryCache(), remote, time.Second)

	for _, theme := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Update(ctx, message.PreferencesPatch{UI: &message.UIPatch{Theme: strPtr(theme)}})
		require.NoError(t, err)
	}
	s.Wait()

	require.NotNil(t, remote.stored())
	assert.Equal(t, "e", remote.stored().UI.Theme)
}

func TestSQLiteCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "intercom.db")

	cache, err := OpenSQLiteCache(path)
	require.NoError(t, err)

	_, ok, err := cache.Get(ctx, CacheKey)
	require.NoError(t, err)
	assert.False(t, ok)

	s := NewStore(cache, nil, 0)
	prefs := message.DefaultPreferences()
	prefs.NLU.ConfidenceThreshold = 120
	require.NoError(t, s.Set(ctx, prefs))
	require.NoError(t, s.Set(ctx, prefs))
	require.NoError(t, cache.Close())

	reopened, err := OpenSQLiteCache(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 120, NewStore(reopened, nil, 0).Load(ctx).NLU.ConfidenceThreshold)
}

func TestHTTPRemote(t *testing.T) {
	var saved message.Preferences
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/voice/settings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			prefs := message.DefaultPreferences()
			prefs.UI.Theme = "dark"
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": prefs})
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
			_, _ = w.Write([]byte(`{"status":"success","data":"Settings have been updated"}`))
		}
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL+"/api/", time.Second)
	prefs, err := remote.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dark", prefs.UI.Theme)

	prefs.TTS.Enabled = false
	require.NoError(t, remote.Save(context.Background(), prefs))
	assert.False(t, saved.TTS.Enabled)
}

func TestHTTPRemote_ErrorEnvelopeAndBareBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"status":"error","message":"Failed to update settings"}`))
			return
		}
		_, _ = w.Write([]byte(`{"stt":{"engine":"whisper","language":"en-US"}}`))
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, time.Second)
	prefs, err := remote.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "whisper", prefs.STT.Engine)
	assert.True(t, prefs.TTS.Enabled, "missing sections keep defaults")

	err = remote.Save(context.Background(), prefs)
	assert.ErrorContains(t, err, "Failed to update settings")
}

func TestBreakerRemote_OpensAfterFailures(t *testing.T) {
	inner := &fakeRemote{fetchErr: errors.New("connection refused")}
	b := NewBreakerRemote(inner, BreakerConfig{Failures: 2, OpenFor: time.Minute})

	for i := 0; i < 5; i++ {
		_, err := b.Fetch(context.Background())
		assert.Error(t, err)
	}
	assert.Equal(t, 2, inner.fetches)
	assert.Equal(t, "open", b.State())

	s := NewStore(NewMemoryCache(), b, time.Second)
	assert.Error(t, s.RemoteHealth(context.Background()))
	assert.NoError(t, NewStore(NewMemoryCache(), inner, time.Second).RemoteHealth(context.Background()))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closer, err := Open(ctx, Config{CachePath: filepath.Join(t.TempDir(), "c.db"), Remote: "none"})
	require.NoError(t, err)
	assert.Equal(t, message.DefaultPreferences(), s.Load(ctx))
	require.NoError(t, closer.Close())

	_, _, err = Open(ctx, Config{Remote: "carrier-pigeon"})
	assert.Error(t, err)

	_, _, err = Open(ctx, Config{Remote: "http"})
	assert.Error(t, err)
}

func TestRedisRemote(t *testing.T) {
	addr := os.Getenv("INTERCOM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("INTERCOM_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	remote, err := NewRedisRemote(ctx, RedisConfig{Addr: addr, Key: "intercom:test:" + t.Name()})
	require.NoError(t, err)
	defer remote.Close()
	defer remote.rdb.Del(ctx, remote.key)

	prefs := message.DefaultPreferences()
	prefs.UI.ShowFeedback = false
	require.NoError(t, remote.Save(ctx, prefs))

	got, err := remote.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs, got)
}
