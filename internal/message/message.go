// Package message defines the core data types flowing through the intercom
// command pipeline: captured commands, raw service responses, classified
// results and user preferences.
package message

import (
	"strings"
	"time"
)

// Origin identifies how a command was entered.
type Origin string

const (
	// OriginVoice is a spoken command captured from the microphone.
	OriginVoice Origin = "voice"

	// OriginText is a typed command.
	OriginText Origin = "text"
)

// AudioBuffer is a finite block of captured audio tagged with its MIME type.
type AudioBuffer struct {
	// Data is the encoded audio (e.g., webm/opus, wav).
	Data []byte `json:"-"`

	// MIMEType is the container type reported by the capture device (e.g., "audio/webm").
	MIMEType string `json:"mime_type"`
}

// Len returns the number of buffered bytes.
func (b AudioBuffer) Len() int { return len(b.Data) }

// Extension returns a file extension suitable for a multipart upload filename.
func (b AudioBuffer) Extension() string {
	mime := strings.ToLower(b.MIMEType)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(mime) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "audio/flac":
		return ".flac"
	default:
		return ".webm"
	}
}

// CapturedCommand is a user command ready for dispatch. It must not be
// modified once handed to the dispatcher.
type CapturedCommand struct {
	// ID is a unique identifier for this command (UUID).
	ID string `json:"id"`

	// Origin tells whether Audio or Text carries the payload.
	Origin Origin `json:"origin"`

	// Audio is the captured buffer. Nil for text commands.
	Audio *AudioBuffer `json:"audio,omitempty"`

	// Text is the typed command. Empty for voice commands.
	Text string `json:"text,omitempty"`

	// StartedAt is when the user initiated input.
	StartedAt time.Time `json:"started_at"`
}

// RawResponse is the undecoded body returned by the command service.
// It is only kept until the classifier has read it.
type RawResponse []byte

// ClassifiedResult is the canonical quintuple extracted from any accepted
// response shape, plus the understood verdict and the presentation fields
// the feedback controller needs.
type ClassifiedResult struct {
	Action    string `json:"action"`
	Object    string `json:"object"`
	Location  string `json:"location"`
	DeviceID  string `json:"deviceId"`
	Parameter string `json:"parameter"`

	// IsUnderstood reports whether the service parsed the user's intent.
	IsUnderstood bool `json:"isUnderstood"`

	// Transcript is the recognized text, if the service returned one.
	Transcript string `json:"transcript,omitempty"`

	// TTSMessage is the message meant to be spoken back to the user.
	TTSMessage string `json:"ttsMessage,omitempty"`

	// DeviceFeedback is the outcome reported by the device layer.
	DeviceFeedback string `json:"deviceFeedback,omitempty"`

	// ErrorMessage is the service's explanation of a failure.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// AudioRef is the raw audio reference string (base64, URL or path).
	AudioRef string `json:"audioRef,omitempty"`
}
