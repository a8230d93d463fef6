// Package piper synthesizes speech with a Piper server over the Wyoming protocol.
//
// Each Wyoming event is one JSON header line, optionally followed by extra
// JSON data and a binary payload whose sizes the header announces:
//
//	{"type": "...", "data": {...}, "data_length": N, "payload_length": M}\n
//	<N bytes of JSON data><M bytes of payload>
//
// A synthesis request is a single "synthesize" event; the server answers with
// audio-start, any number of audio-chunk events carrying PCM, and audio-stop.
package piper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nadzzz/intercom/internal/config"
	"github.com/nadzzz/intercom/internal/tts"
)

// fallbackLanguage is used when no voice matches the requested language.
const fallbackLanguage = "zh"

// defaultVoices maps ISO-639-1 language codes to Piper voice model names.
var defaultVoices = map[string]string{
	"zh": "zh_CN-huayan-medium",
	"en": "en_US-lessac-medium",
	"ja": "ja_JP-amitaro-medium",
	"ko": "ko_KR-kss-x_low",
	"fr": "fr_FR-siwis-medium",
	"de": "de_DE-thorsten-medium",
}

// Synthesizer implements tts.Synthesizer against one or more Piper servers.
type Synthesizer struct {
	endpoint  string
	endpoints map[string]string
	voices    map[string]string
	logger    *slog.Logger
}

// New creates a Synthesizer from config.
func New(cfg config.PiperConfig) *Synthesizer {
	voices := make(map[string]string, len(defaultVoices)+len(cfg.Voices))
	for k, v := range defaultVoices {
		voices[k] = v
	}
	for k, v := range cfg.Voices {
		voices[k] = v
	}

	endpoints := make(map[string]string, len(cfg.Endpoints))
	for lang, ep := range cfg.Endpoints {
		endpoints[lang] = hostPort(ep)
	}

	return &Synthesizer{
		endpoint:  hostPort(cfg.Endpoint),
		endpoints: endpoints,
		voices:    voices,
		logger:    slog.With("component", "piper"),
	}
}

// Synthesize sends text to Piper and returns the audio as a WAV file.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text for synthesis")
	}

	voice, endpoint := s.route(opts)
	if endpoint == "" {
		return nil, fmt.Errorf("no piper endpoint configured for language %q", opts.Language)
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to piper: %w", err)
	}
	defer nc.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = nc.SetDeadline(deadline)

	s.logger.Debug("synthesizing", "text_length", len(text), "voice", voice, "endpoint", endpoint)

	request := event{Type: "synthesize", Data: map[string]any{
		"text":  text,
		"voice": map[string]any{"name": voice},
	}}
	if err := writeEvent(nc, request); err != nil {
		return nil, fmt.Errorf("sending synthesize event: %w", err)
	}

	return collectAudio(bufio.NewReader(nc))
}

// Close is a no-op; connections are per request.
func (s *Synthesizer) Close() error { return nil }

// route picks the voice and server for a request.
func (s *Synthesizer) route(opts tts.SynthesizeOpts) (voice, endpoint string) {
	lang := strings.ToLower(opts.Language)

	voice = opts.Voice
	if voice == "" {
		voice = s.voices[lang]
	}
	if voice == "" {
		voice = s.voices[fallbackLanguage]
	}

	endpoint = s.endpoints[lang]
	if endpoint == "" {
		endpoint = s.endpoint
	}
	return voice, endpoint
}

// collectAudio reads events until audio-stop and wraps the PCM in WAV.
func collectAudio(r *bufio.Reader) (*tts.SynthesizeResult, error) {
	format := pcmFormat{rate: 22050, width: 2, channels: 1}
	var pcm bytes.Buffer

	for {
		evt, payload, err := readEvent(r)
		if err != nil {
			return nil, fmt.Errorf("reading piper event: %w", err)
		}

		switch evt.Type {
		case "audio-start":
			format.update(evt.Data)
		case "audio-chunk":
			format.update(evt.Data)
			pcm.Write(payload)
		case "audio-stop":
			return &tts.SynthesizeResult{
				Audio:       format.wav(pcm.Bytes()),
				ContentType: "audio/wav",
				SampleRate:  format.rate,
				Channels:    format.channels,
			}, nil
		case "error":
			msg, _ := evt.Data["text"].(string)
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("piper error: %s", msg)
		}
	}
}

type event struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	DataLength    int            `json:"data_length,omitempty"`
	PayloadLength int            `json:"payload_length,omitempty"`
}

func writeEvent(w io.Writer, evt event, payload ...byte) error {
	evt.DataLength = 0
	evt.PayloadLength = len(payload)
	header, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	frame := append(header, '\n')
	frame = append(frame, payload...)
	_, err = w.Write(frame)
	return err
}

func readEvent(r *bufio.Reader) (*event, []byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var evt event
	if err := json.Unmarshal(line, &evt); err != nil {
		return nil, nil, fmt.Errorf("decoding header: %w", err)
	}

	if evt.DataLength > 0 {
		raw := make([]byte, evt.DataLength)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, nil, fmt.Errorf("reading data: %w", err)
		}
		extra := map[string]any{}
		if err := json.Unmarshal(raw, &extra); err != nil {
			return nil, nil, fmt.Errorf("decoding data: %w", err)
		}
		if evt.Data == nil {
			evt.Data = extra
		} else {
			for k, v := range extra {
				evt.Data[k] = v
			}
		}
	}

	var payload []byte
	if evt.PayloadLength > 0 {
		payload = make([]byte, evt.PayloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, fmt.Errorf("reading payload: %w", err)
		}
	}
	return &evt, payload, nil
}

type pcmFormat struct {
	rate, width, channels int
}

func (f *pcmFormat) update(data map[string]any) {
	if v, ok := data["rate"].(float64); ok && v > 0 {
		f.rate = int(v)
	}
	if v, ok := data["width"].(float64); ok && v > 0 {
		f.width = int(v)
	}
	if v, ok := data["channels"].(float64); ok && v > 0 {
		f.channels = int(v)
	}
}

// wav prepends a canonical 44-byte RIFF header to pcm.
func (f pcmFormat) wav(pcm []byte) []byte {
	var hdr struct {
		Riff          [4]byte
		Size          uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}
	copy(hdr.Riff[:], "RIFF")
	copy(hdr.Wave[:], "WAVE")
	copy(hdr.Fmt[:], "fmt ")
	copy(hdr.Data[:], "data")
	hdr.Size = uint32(36 + len(pcm))
	hdr.FmtSize = 16
	hdr.AudioFormat = 1
	hdr.Channels = uint16(f.channels)
	hdr.SampleRate = uint32(f.rate)
	hdr.ByteRate = uint32(f.rate * f.channels * f.width)
	hdr.BlockAlign = uint16(f.channels * f.width)
	hdr.BitsPerSample = uint16(f.width * 8)
	hdr.DataSize = uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	_ = binary.Write(buf, binary.LittleEndian, hdr)
	buf.Write(pcm)
	return buf.Bytes()
}

func hostPort(ep string) string {
	ep = strings.TrimPrefix(ep, "tcp://")
	return strings.TrimPrefix(ep, "http://")
}
