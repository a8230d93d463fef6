package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Player plays a URL to completion. Play blocks until playback ends or ctx
// is cancelled.
type Player interface {
	Play(ctx context.Context, url string) error
}

// DefaultPlayerCommand plays a URL or local file without a window.
var DefaultPlayerCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error", "{url}"}

// ExecPlayer plays audio through an external command. The "{url}" argument
// is replaced with the target; when absent, the target is appended.
type ExecPlayer struct {
	command []string
}

// NewExecPlayer creates a player. An empty command selects DefaultPlayerCommand.
func NewExecPlayer(command []string) *ExecPlayer {
	if len(command) == 0 {
		command = DefaultPlayerCommand
	}
	return &ExecPlayer{command: command}
}

// Play runs the player command and waits for it to exit.
func (p *ExecPlayer) Play(ctx context.Context, url string) error {
	if strings.HasPrefix(url, "blob:") {
		return fmt.Errorf("%w: %s", ErrUnsupported, url)
	}

	target := url
	if strings.HasPrefix(url, "file://") {
		target = pathFromURL(url)
	}

	args := make([]string, 0, len(p.command)+1)
	substituted := false
	for _, a := range p.command[1:] {
		if strings.Contains(a, "{url}") {
			a = strings.ReplaceAll(a, "{url}", target)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, target)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.command[0], args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", p.command[0], err, msg)
		}
		return fmt.Errorf("%s: %w", p.command[0], err)
	}
	return nil
}

// NopPlayer accepts every URL and plays nothing.
type NopPlayer struct{}

// Play returns immediately.
func (NopPlayer) Play(ctx context.Context, url string) error { return nil }

// FuncPlayer adapts a function to Player.
type FuncPlayer func(ctx context.Context, url string) error

// Play calls f.
func (f FuncPlayer) Play(ctx context.Context, url string) error { return f(ctx, url) }

// ErrUnsupported can be returned by a Player that cannot handle a URL scheme.
var ErrUnsupported = errors.New("unsupported audio source")
