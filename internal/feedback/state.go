package feedback

import (
	"time"

	"github.com/nadzzz/intercom/internal/message"
)

// Phase is the controller's position in the command cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseProcessing Phase = "processing"
	PhaseResponded  Phase = "responded"
)

// State is the read model a UI renders. A State value is a snapshot; the
// controller never mutates one after publishing it.
type State struct {
	Phase Phase `json:"phase"`

	// IsUnderstood is only meaningful in PhaseResponded.
	IsUnderstood bool `json:"isUnderstood"`

	// Text is the message to display for the response.
	Text string `json:"text,omitempty"`

	// AudioRef is the audio reference returned with the response.
	AudioRef string `json:"audioRef,omitempty"`

	// Result is the classified response, nil until one arrives.
	Result *message.ClassifiedResult `json:"result,omitempty"`

	// Input is the typed text of a text command.
	Input string `json:"input,omitempty"`

	// Error describes a local failure (microphone, transport, empty capture).
	Error string `json:"error,omitempty"`

	CommandID  string         `json:"commandId,omitempty"`
	Origin     message.Origin `json:"origin,omitempty"`
	Generation uint64         `json:"generation"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Busy reports whether a command is in flight.
func (s State) Busy() bool {
	return s.Phase == PhaseListening || s.Phase == PhaseProcessing
}
