package capture

import (
	"context"
	"mime"
	"os"
	"path/filepath"

	"github.com/nadzzz/intercom/internal/message"
)

// FileMicrophone replays a pre-recorded file as if it were captured live.
// The recording is complete as soon as it is opened.
type FileMicrophone struct {
	Path string
}

// Open reads the file. A missing or unreadable file is an acquisition failure.
func (m FileMicrophone) Open(ctx context.Context) (Recording, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, &AcquisitionError{Device: m.Path, Err: err}
	}
	mt := mime.TypeByExtension(filepath.Ext(m.Path))
	if mt == "" {
		mt = "audio/wav"
	}
	return NewBufferedRecording(message.AudioBuffer{Data: data, MIMEType: mt}, true), nil
}

// BufferedRecording is a Recording over an in-memory buffer.
type BufferedRecording struct {
	buf  message.AudioBuffer
	done chan struct{}
}

// NewBufferedRecording wraps buf. When finished is true, Done is already
// closed; otherwise the recording waits for Stop.
func NewBufferedRecording(buf message.AudioBuffer, finished bool) *BufferedRecording {
	r := &BufferedRecording{buf: buf, done: make(chan struct{})}
	if finished {
		close(r.done)
	}
	return r
}

// Stop returns the buffer.
func (r *BufferedRecording) Stop() (message.AudioBuffer, error) { return r.buf, nil }

// Done reports whether the source is exhausted.
func (r *BufferedRecording) Done() <-chan struct{} { return r.done }
