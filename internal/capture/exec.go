package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nadzzz/intercom/internal/message"
)

// ExecConfig configures a recorder that captures audio through an external
// command writing encoded audio to stdout (arecord, sox, ffmpeg...).
type ExecConfig struct {
	Command  []string `mapstructure:"command"`
	MIMEType string   `mapstructure:"mime_type"`
}

// DefaultExecCommand records 16 kHz mono WAV with ALSA's arecord.
var DefaultExecCommand = []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "wav", "-"}

// ExecMicrophone runs a recorder process per capture.
type ExecMicrophone struct {
	command  []string
	mimeType string
	stopWait time.Duration
}

// NewExecMicrophone creates a Microphone from config.
func NewExecMicrophone(cfg ExecConfig) *ExecMicrophone {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultExecCommand
	}
	mime := cfg.MIMEType
	if mime == "" {
		mime = "audio/wav"
	}
	return &ExecMicrophone{command: command, mimeType: mime, stopWait: 2 * time.Second}
}

// Open starts the recorder process.
func (m *ExecMicrophone) Open(ctx context.Context) (Recording, error) {
	cmd := exec.Command(m.command[0], m.command[1:]...)
	rec := &execRecording{
		cmd:      cmd,
		mimeType: m.mimeType,
		stopWait: m.stopWait,
		done:     make(chan struct{}),
	}
	cmd.Stdout = &rec.buf
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &AcquisitionError{Device: m.command[0], Err: err}
	}
	slog.Debug("recorder started", "command", m.command[0], "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		rec.mu.Lock()
		rec.waitErr = err
		stopping := rec.stopping
		rec.mu.Unlock()
		if err != nil && !stopping {
			slog.Warn("recorder exited", "error", err, "stderr", stderr.String())
		}
		close(rec.done)
	}()

	// A recorder that dies immediately never got the device.
	select {
	case <-rec.done:
		rec.mu.Lock()
		err := rec.waitErr
		rec.mu.Unlock()
		if err != nil {
			return nil, &AcquisitionError{Device: m.command[0], Err: fmt.Errorf("%w: %s", err, stderr.String())}
		}
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, &AcquisitionError{Device: m.command[0], Err: ctx.Err()}
	}

	return rec, nil
}

type execRecording struct {
	cmd      *exec.Cmd
	mimeType string
	stopWait time.Duration
	done     chan struct{}

	mu       sync.Mutex
	buf      lockedBuffer
	stopping bool
	stopped  bool
	result   message.AudioBuffer
	waitErr  error
}

func (r *execRecording) Done() <-chan struct{} { return r.done }

func (r *execRecording) Stop() (message.AudioBuffer, error) {
	r.mu.Lock()
	if r.stopped {
		res := r.result
		r.mu.Unlock()
		return res, nil
	}
	r.stopping = true
	r.mu.Unlock()

	select {
	case <-r.done:
	default:
		// SIGINT lets recorders flush and finalize their container header.
		_ = r.cmd.Process.Signal(os.Interrupt)
		select {
		case <-r.done:
		case <-time.After(r.stopWait):
			_ = r.cmd.Process.Kill()
			<-r.done
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.result = message.AudioBuffer{Data: r.buf.Bytes(), MIMEType: r.mimeType}
	var exitErr *exec.ExitError
	if r.waitErr != nil && !errors.As(r.waitErr, &exitErr) {
		return r.result, fmt.Errorf("stopping recorder: %w", r.waitErr)
	}
	return r.result, nil
}

// lockedBuffer is a bytes.Buffer safe for the exec stdout copier and Stop.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
