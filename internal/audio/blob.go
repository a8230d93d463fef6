package audio

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nadzzz/intercom/internal/message"
	"github.com/nadzzz/intercom/internal/metrics"
)

// BlobStore turns decoded audio into a transient URL a Player can open.
// Every URL returned by Create must be passed to Revoke exactly once.
type BlobStore interface {
	Create(data []byte, mimeType string) (string, error)
	Revoke(url string) error
}

// TempFileStore is a BlobStore backed by temporary files. URLs use the
// file:// scheme and the file is removed on Revoke.
type TempFileStore struct {
	dir string

	mu    sync.Mutex
	paths map[string]string

	created atomic.Int64
	revoked atomic.Int64
}

// NewTempFileStore creates a store writing into dir (os.TempDir when empty).
func NewTempFileStore(dir string) *TempFileStore {
	return &TempFileStore{dir: dir, paths: make(map[string]string)}
}

// Create writes data to a new temporary file.
func (s *TempFileStore) Create(data []byte, mimeType string) (string, error) {
	ext := message.AudioBuffer{MIMEType: mimeType}.Extension()
	f, err := os.CreateTemp(s.dir, "intercom-tts-*"+ext)
	if err != nil {
		return "", fmt.Errorf("creating temp audio file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp audio file: %w", err)
	}

	url := "file://" + f.Name()
	s.mu.Lock()
	s.paths[url] = f.Name()
	s.mu.Unlock()

	s.created.Add(1)
	metrics.TransientURLs.Inc()
	return url, nil
}

// Revoke removes the file behind url.
func (s *TempFileStore) Revoke(url string) error {
	s.mu.Lock()
	path, ok := s.paths[url]
	delete(s.paths, url)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown transient url %q", url)
	}

	s.revoked.Add(1)
	metrics.TransientURLs.Dec()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp audio file: %w", err)
	}
	return nil
}

// Created returns how many URLs have been created.
func (s *TempFileStore) Created() int64 { return s.created.Load() }

// Revoked returns how many URLs have been revoked.
func (s *TempFileStore) Revoked() int64 { return s.revoked.Load() }

// Close revokes anything still outstanding.
func (s *TempFileStore) Close() error {
	s.mu.Lock()
	urls := make([]string, 0, len(s.paths))
	for url := range s.paths {
		urls = append(urls, url)
	}
	s.mu.Unlock()

	for _, url := range urls {
		if err := s.Revoke(url); err != nil {
			slog.Warn("revoking leftover audio file", "url", url, "error", err)
		}
	}
	return nil
}

// pathFromURL strips the file:// scheme.
func pathFromURL(url string) string {
	return strings.TrimPrefix(url, "file://")
}
