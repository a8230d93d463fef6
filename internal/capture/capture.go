// Package capture is the boundary to the platform's audio input.
//
// The pipeline never touches codecs or devices directly. A Microphone hands
// out a Recording, and stopping that Recording yields a finite AudioBuffer
// tagged with its MIME type.
package capture

import (
	"context"
	"fmt"

	"github.com/nadzzz/intercom/internal/message"
)

// Microphone acquires the capture device.
type Microphone interface {
	// Open acquires the device and starts recording. A device that is
	// missing or denied returns an *AcquisitionError.
	Open(ctx context.Context) (Recording, error)
}

// Recording is an in-progress capture.
type Recording interface {
	// Stop ends the capture and returns everything buffered so far.
	// Calling Stop more than once returns the same buffer.
	Stop() (message.AudioBuffer, error)

	// Done is closed when the recording ends on its own (source exhausted,
	// device lost). It is never closed by Stop alone.
	Done() <-chan struct{}
}

// AcquisitionError means the capture device could not be opened, either
// because it is unavailable or because permission was denied.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire microphone %q: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Config selects the capture source. When File is set every capture replays
// that file; otherwise the exec recorder is used.
type Config struct {
	ExecConfig `mapstructure:",squash"`
	File       string `mapstructure:"file"`
}

// New returns the Microphone selected by cfg.
func New(cfg Config) Microphone {
	if cfg.File != "" {
		return FileMicrophone{Path: cfg.File}
	}
	return NewExecMicrophone(cfg.ExecConfig)
}
