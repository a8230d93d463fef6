package piper

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/intercom/internal/config"
	"github.com/nadzzz/intercom/internal/tts"
)

// fakeServer reads one request per connection and hands it to reply.
func fakeServer(t *testing.T, reply func(w net.Conn, req *event)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				req, _, err := readEvent(bufio.NewReader(conn))
				if err != nil {
					return
				}
				reply(conn, req)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestSynthesize(t *testing.T) {
	gotVoice := make(chan string, 1)
	addr := fakeServer(t, func(w net.Conn, req *event) {
		voice, _ := req.Data["voice"].(map[string]any)
		gotVoice <- voice["name"].(string)

		_ = writeEvent(w, event{Type: "audio-start", Data: map[string]any{"rate": 16000, "width": 2, "channels": 1}})
		_ = writeEvent(w, event{Type: "audio-chunk"}, 1, 2, 3, 4)
		_ = writeEvent(w, event{Type: "audio-chunk"}, 5, 6)
		_ = writeEvent(w, event{Type: "audio-stop"})
	})

	s := New(config.PiperConfig{Endpoint: "tcp://" + addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := s.Synthesize(ctx, "客厅灯已打开", tts.SynthesizeOpts{Language: "zh"})
	require.NoError(t, err)

	assert.Equal(t, "zh_CN-huayan-medium", <-gotVoice)
	assert.Equal(t, "audio/wav", res.ContentType)
	assert.Equal(t, 16000, res.SampleRate)
	require.Len(t, res.Audio, 44+6)
	assert.Equal(t, "RIFF", string(res.Audio[:4]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(res.Audio[24:28]))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, res.Audio[44:])
}

func TestSynthesize_ServerError(t *testing.T) {
	addr := fakeServer(t, func(w net.Conn, req *event) {
		_ = writeEvent(w, event{Type: "error", Data: map[string]any{"text": "voice not found"}})
	})

	_, err := New(config.PiperConfig{Endpoint: addr}).Synthesize(context.Background(), "hi", tts.SynthesizeOpts{Language: "en"})
	assert.ErrorContains(t, err, "voice not found")
}

func TestSynthesize_Validation(t *testing.T) {
	_, err := New(config.PiperConfig{Endpoint: "localhost:1"}).Synthesize(context.Background(), " ", tts.SynthesizeOpts{})
	assert.Error(t, err)

	_, err = New(config.PiperConfig{}).Synthesize(context.Background(), "hi", tts.SynthesizeOpts{Language: "en"})
	assert.ErrorContains(t, err, "no piper endpoint")
}

func TestRoute(t *testing.T) {
	s := New(config.PiperConfig{
		Endpoint:  "default:10200",
		Endpoints: map[string]string{"en": "tcp://english:10200"},
		Voices:    map[string]string{"en": "en_GB-alan-low"},
	})

	voice, ep := s.route(tts.SynthesizeOpts{Language: "EN"})
	assert.Equal(t, "en_GB-alan-low", voice)
	assert.Equal(t, "english:10200", ep)

	voice, ep = s.route(tts.SynthesizeOpts{Language: "xx"})
	assert.Equal(t, "zh_CN-huayan-medium", voice)
	assert.Equal(t, "default:10200", ep)

	voice, _ = s.route(tts.SynthesizeOpts{Voice: "custom"})
	assert.Equal(t, "custom", voice)
}

func TestReadEvent_SeparateData(t *testing.T) {
	frame := `{"type":"audio-start","data_length":13}` + "\n" + `{"rate":8000}`
	evt, payload, err := readEvent(bufio.NewReader(strings.NewReader(frame)))
	require.NoError(t, err)
	assert.Equal(t, "audio-start", evt.Type)
	assert.Equal(t, float64(8000), evt.Data["rate"])
	assert.Empty(t, payload)
}
