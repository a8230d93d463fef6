// Package tts defines local speech synthesis.
//
// The command service normally returns its own audio reference. When it only
// returns text and the user selected a local engine, intercom synthesizes the
// reply itself and plays the result like any inline audio payload.
package tts

import "context"

// SynthesizeOpts controls synthesis behavior.
type SynthesizeOpts struct {
	// Language is the ISO-639-1 code (e.g., "zh", "en") used to pick a voice.
	Language string

	// Voice overrides language-based voice selection.
	Voice string
}

// Synthesizer converts text to audio.
type Synthesizer interface {
	// Synthesize returns the spoken form of text as a complete audio file.
	Synthesize(ctx context.Context, text string, opts SynthesizeOpts) (*SynthesizeResult, error)

	// Close releases any resources held by the synthesizer.
	Close() error
}

// SynthesizeResult holds the output of TTS synthesis.
type SynthesizeResult struct {
	// Audio is a WAV file.
	Audio []byte

	// ContentType is the MIME type of Audio.
	ContentType string

	SampleRate int
	Channels   int
}
