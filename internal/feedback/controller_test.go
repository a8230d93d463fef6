package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/intercom/internal/capture"
	"github.com/nadzzz/intercom/internal/classify"
	"github.com/nadzzz/intercom/internal/dispatch"
	"github.com/nadzzz/intercom/internal/message"
	"github.com/nadzzz/intercom/internal/tts"
)

const (
	understoodBody    = `{"nluResult":{"action":"打开","entity":"灯","location":"客厅"},"deviceActionFeedback":"客厅灯已打开"}`
	notUnderstoodBody = `{"nluResult":{"action":"","entity":""},"errorMessage":"抱歉，没有听懂"}`
)

type fakeMic struct {
	err error
	buf message.AudioBuffer
}

func (m fakeMic) Open(context.Context) (capture.Recording, error) {
	if m.err != nil {
		return nil, m.err
	}
	return capture.NewBufferedRecording(m.buf, false), nil
}

// fakeDispatcher captures through a real dispatcher and answers with canned
// bodies or errors.
type fakeDispatcher struct {
	*dispatch.Dispatcher

	mu      sync.Mutex
	body    string
	err     error
	gate    chan struct{}
	sent    []string
	lastPrf message.Preferences
}

func newFakeDispatcher(body string) *fakeDispatcher {
	return &fakeDispatcher{
		Dispatcher: dispatch.New(dispatch.Config{BaseURL: "http://127.0.0.1:1", MaxCaptureDuration: 40 * time.Millisecond}),
		body:       body,
	}
}

func (d *fakeDispatcher) reply(ctx context.Context, what string, prefs message.Preferences) (message.RawResponse, error) {
	d.mu.Lock()
	gate, body, err := d.gate, d.body, d.err
	d.sent = append(d.sent, what)
	d.lastPrf = prefs
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &dispatch.TransportError{Op: "test", Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return message.RawResponse(body), nil
}

func (d *fakeDispatcher) DispatchVoice(ctx context.Context, buf message.AudioBuffer, prefs message.Preferences) (message.RawResponse, error) {
	if buf.Len() < dispatch.DefaultMinAudioBytes {
		return nil, &dispatch.EmptyCaptureError{Bytes: buf.Len(), Min: dispatch.DefaultMinAudioBytes}
	}
	return d.reply(ctx, "voice", prefs)
}

func (d *fakeDispatcher) DispatchText(ctx context.Context, text string, prefs message.Preferences) (message.RawResponse, error) {
	return d.reply(ctx, text, prefs)
}

func (d *fakeDispatcher) set(body string, err error) {
	d.mu.Lock()
	d.body, d.err = body, err
	d.mu.Unlock()
}

type fakePrefs struct {
	mu    sync.Mutex
	prefs message.Preferences
}

func (p *fakePrefs) Load(context.Context) message.Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefs
}

func (p *fakePrefs) setTTS(enabled bool, engine string) {
	p.mu.Lock()
	p.prefs.TTS = message.TTSPreferences{Enabled: enabled, Engine: engine}
	p.mu.Unlock()
}

type fakePlayer struct {
	mu      sync.Mutex
	refs    []string
	buffers [][]byte
}

func (p *fakePlayer) PlayReference(_ context.Context, ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs = append(p.refs, ref)
	return true
}

func (p *fakePlayer) PlayBuffer(_ context.Context, data []byte, _ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers = append(p.buffers, data)
	return true
}

func (p *fakePlayer) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refs), len(p.buffers)
}

type fakeSynth struct{ calls int }

func (s *fakeSynth) Synthesize(_ context.Context, text string, opts tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	s.calls++
	return &tts.SynthesizeResult{Audio: []byte("RIFF" + opts.Language), ContentType: "audio/wav"}, nil
}

func (s *fakeSynth) Close() error { return nil }

// gatedSynth blocks every synthesis until release is closed.
type gatedSynth struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSynth) Synthesize(ctx context.Context, _ string, _ tts.SynthesizeOpts) (*tts.SynthesizeResult, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &tts.SynthesizeResult{Audio: []byte("RIFF"), ContentType: "audio/wav"}, nil
}

func (s *gatedSynth) Close() error { return nil }

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) add(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) phases() []Phase {
	var out []Phase
	for _, s := range r.all() {
		out = append(out, s.Phase)
	}
	return out
}

type harness struct {
	ctrl   *Controller
	disp   *fakeDispatcher
	prefs  *fakePrefs
	player *fakePlayer
	rec    *recorder
}

func newHarness(t *testing.T, mic capture.Microphone, body string, cfg Config) *harness {
	t.Helper()
	h := &harness{
		disp:   newFakeDispatcher(body),
		prefs:  &fakePrefs{prefs: message.DefaultPreferences()},
		player: &fakePlayer{},
		rec:    &recorder{},
	}
	if mic == nil {
		mic = fakeMic{buf: message.AudioBuffer{Data: make([]byte, 2048), MIMEType: "audio/webm"}}
	}
	h.ctrl = New(Deps{
		Microphone:  mic,
		Dispatcher:  h.disp,
		Classifier:  classify.New(classify.Config{}),
		Player:      h.player,
		Preferences: h.prefs,
	}, cfg)
	h.ctrl.Subscribe(h.rec.add)
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func (h *harness) waitPhase(t *testing.T, phase Phase) State {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.State().Phase == phase }, 2*time.Second, 5*time.Millisecond,
		"never reached %s, history %v", phase, h.rec.phases())
	return h.ctrl.State()
}

func TestTextCommand_Understood(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})

	require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
	s, err := h.ctrl.WaitResponse(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseResponded, s.Phase)
	assert.True(t, s.IsUnderstood)
	assert.Equal(t, "客厅灯已打开", s.Text)
	require.NotNil(t, s.Result)
	assert.Equal(t, "灯", s.Result.Object)
	assert.Equal(t, []Phase{PhaseProcessing, PhaseResponded}, h.rec.phases(), "text skips listening")
}

func TestTextCommand_NotUnderstood(t *testing.T) {
	h := newHarness(t, nil, notUnderstoodBody, Config{})

	require.NoError(t, h.ctrl.SendTextCommand("嗯"))
	s, err := h.ctrl.WaitResponse(context.Background())
	require.NoError(t, err)

	assert.False(t, s.IsUnderstood)
	assert.Equal(t, "抱歉，没有听懂", s.Text)
}

func TestTextCommand_BlankRejected(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	assert.ErrorIs(t, h.ctrl.SendTextCommand("  "), dispatch.ErrEmptyText)
	assert.Equal(t, PhaseIdle, h.ctrl.State().Phase)
}

func TestNewCommand_NeverMixesOldResultWithNewPhase(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	ctx := context.Background()

	require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
	_, err := h.ctrl.WaitResponse(ctx)
	require.NoError(t, err)

	h.disp.set(notUnderstoodBody, nil)
	require.NoError(t, h.ctrl.StartVoiceCommand())
	h.waitPhase(t, PhaseResponded)

	for _, s := range h.rec.all() {
		if s.Phase == PhaseListening || s.Phase == PhaseProcessing {
			assert.Empty(t, s.Text, "frame %+v", s)
			assert.Nil(t, s.Result, "frame %+v", s)
			assert.Empty(t, s.AudioRef, "frame %+v", s)
			assert.False(t, s.IsUnderstood, "frame %+v", s)
		}
	}
	final := h.ctrl.State()
	assert.Equal(t, "抱歉，没有听懂", final.Text)
	assert.Equal(t, uint64(2), final.Generation)
}

func TestVoiceCommand_CaptureCeilingMovesToProcessing(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})

	start := time.Now()
	require.NoError(t, h.ctrl.StartVoiceCommand())
	assert.Equal(t, PhaseListening, h.ctrl.State().Phase)

	h.waitPhase(t, PhaseResponded)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, []Phase{PhaseListening, PhaseProcessing, PhaseResponded}, h.rec.phases())
	assert.Equal(t, []string{"voice"}, h.disp.sent)
}

func TestVoiceCommand_ToggleStops(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	h.disp.Dispatcher = dispatch.New(dispatch.Config{MaxCaptureDuration: time.Minute})

	require.NoError(t, h.ctrl.StartVoiceCommand())
	require.NoError(t, h.ctrl.StartVoiceCommand())

	s := h.waitPhase(t, PhaseResponded)
	assert.True(t, s.IsUnderstood)
	assert.Equal(t, uint64(1), s.Generation, "toggle must not start a second command")
}

func TestVoiceCommand_ExplicitStop(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	h.disp.Dispatcher = dispatch.New(dispatch.Config{MaxCaptureDuration: time.Minute})

	h.ctrl.StopVoiceCommand() // no-op while idle
	assert.Equal(t, PhaseIdle, h.ctrl.State().Phase)

	require.NoError(t, h.ctrl.StartVoiceCommand())
	h.ctrl.StopVoiceCommand()
	h.waitPhase(t, PhaseResponded)
}

func TestBusyWhileProcessing(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	gate := make(chan struct{})
	h.disp.gate = gate

	require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
	assert.ErrorIs(t, h.ctrl.SendTextCommand("关灯"), ErrBusy)
	assert.ErrorIs(t, h.ctrl.StartVoiceCommand(), ErrBusy)

	close(gate)
	h.waitPhase(t, PhaseResponded)
	require.NoError(t, h.ctrl.SendTextCommand("关灯"))
}

func TestCancel_StaleResponseIgnored(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	gate := make(chan struct{})
	h.disp.gate = gate

	require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
	h.ctrl.Cancel()
	assert.Equal(t, PhaseIdle, h.ctrl.State().Phase)

	close(gate)
	require.Eventually(t, func() bool {
		h.disp.mu.Lock()
		defer h.disp.mu.Unlock()
		return len(h.disp.sent) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	s := h.ctrl.State()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Empty(t, s.Text)
	assert.Equal(t, uint64(2), s.Generation)
	for _, st := range h.rec.all() {
		assert.NotEqual(t, PhaseResponded, st.Phase)
	}
}

func TestFailures_RespondNotUnderstoodAndRecover(t *testing.T) {
	tests := []struct {
		name  string
		mic   capture.Microphone
		err   error
		voice bool
		want  string
	}{
		{
			name:  "microphone denied",
			mic:   fakeMic{err: &capture.AcquisitionError{Device: "default", Err: errors.New("permission denied")}},
			voice: true,
			want:  MsgMicrophone,
		},
		{
			name:  "empty capture",
			mic:   fakeMic{buf: message.AudioBuffer{Data: make([]byte, 40), MIMEType: "audio/wav"}},
			voice: true,
			want:  MsgEmpty,
		},
		{
			name: "transport",
			err:  &dispatch.TransportError{Op: "text dispatch", StatusCode: 502, Err: errors.New("bad gateway")},
			want: MsgTransport,
		},
		{
			name: "unexpected",
			err:  errors.New("boom"),
			want: MsgFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mic, understoodBody, Config{})
			h.disp.set(understoodBody, tt.err)
			ctx := context.Background()

			if tt.voice {
				require.NoError(t, h.ctrl.StartVoiceCommand())
			} else {
				require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
			}
			s := h.waitPhase(t, PhaseResponded)
			assert.False(t, s.IsUnderstood)
			assert.Equal(t, tt.want, s.Text)
			assert.NotEmpty(t, s.Error)

			h.disp.set(understoodBody, nil)
			require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
			s, err := h.ctrl.WaitResponse(ctx)
			require.NoError(t, err)
			assert.True(t, s.IsUnderstood)
		})
	}
}

func TestAudioPlayback_GatedByTTSPreference(t *testing.T) {
	body := `{"nluResult":{"action":"打开","entity":"灯"},"responseMessageForTts":"好的","ttsOutputReference":"data/temp_audio/a.wav"}`
	h := newHarness(t, nil, body, Config{})
	ctx := context.Background()

	h.prefs.setTTS(false, "pyttsx3")
	require.NoError(t, h.ctrl.SendTextCommand("打开灯"))
	s, err := h.ctrl.WaitResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data/temp_audio/a.wav", s.AudioRef)
	assert.Equal(t, "好的", s.Text)
	refs, _ := h.player.counts()
	assert.Zero(t, refs)

	h.prefs.setTTS(true, "pyttsx3")
	require.NoError(t, h.ctrl.SendTextCommand("打开灯"))
	_, err = h.ctrl.WaitResponse(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { n, _ := h.player.counts(); return n == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocalSynthesis_WhenNoReference(t *testing.T) {
	body := `{"nluResult":{"action":"打开","entity":"灯"},"responseMessageForTts":"好的"}`
	h := newHarness(t, nil, body, Config{})
	synth := &fakeSynth{}
	h.ctrl.deps.Synthesizer = synth
	ctx := context.Background()

	require.NoError(t, h.ctrl.SendTextCommand("打开灯"))
	_, err := h.ctrl.WaitResponse(ctx)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, synth.calls, "engine is not piper")

	h.prefs.setTTS(true, "piper")
	require.NoError(t, h.ctrl.SendTextCommand("打开灯"))
	_, err = h.ctrl.WaitResponse(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, n := h.player.counts(); return n == 1 }, time.Second, 5*time.Millisecond)

	h.player.mu.Lock()
	assert.Equal(t, "RIFFzh", string(h.player.buffers[0]))
	h.player.mu.Unlock()
}

func TestLocalSynthesis_SupersededCommandStaysSilent(t *testing.T) {
	body := `{"nluResult":{"action":"打开","entity":"灯"},"responseMessageForTts":"好的"}`
	h := newHarness(t, nil, body, Config{})
	synth := &gatedSynth{entered: make(chan struct{}), release: make(chan struct{})}
	h.ctrl.deps.Synthesizer = synth
	h.prefs.setTTS(true, "piper")

	require.NoError(t, h.ctrl.SendTextCommand("打开灯"))
	select {
	case <-synth.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("synthesis never started")
	}

	h.prefs.setTTS(false, "piper")
	require.NoError(t, h.ctrl.SendTextCommand("关灯"))
	s, err := h.ctrl.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Generation)

	close(synth.release)
	h.ctrl.Wait()
	refs, buffers := h.player.counts()
	assert.Zero(t, refs)
	assert.Zero(t, buffers, "audio of the first command must not play")
}

func TestRespondedHold_ReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{RespondedHold: 30 * time.Millisecond})

	require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
	h.waitPhase(t, PhaseResponded)
	s := h.waitPhase(t, PhaseIdle)
	assert.Empty(t, s.Text)
	assert.Equal(t, []Phase{PhaseProcessing, PhaseResponded, PhaseIdle}, h.rec.phases())
}

func TestPreferencesAttachedToRequest(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	h.prefs.setTTS(false, "pyttsx3")

	require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
	_, err := h.ctrl.WaitResponse(context.Background())
	require.NoError(t, err)

	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	assert.False(t, h.disp.lastPrf.TTS.Enabled)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	h := newHarness(t, nil, understoodBody, Config{})
	extra := &recorder{}
	cancel := h.ctrl.Subscribe(extra.add)
	cancel()

	require.NoError(t, h.ctrl.SendTextCommand("打开客厅灯"))
	_, err := h.ctrl.WaitResponse(context.Background())
	require.NoError(t, err)
	assert.Empty(t, extra.all())
}

func TestTypewriter_Reveal(t *testing.T) {
	var frames []string
	err := Typewriter{Interval: time.Millisecond}.Reveal(context.Background(), "客厅灯", func(p string) {
		frames = append(frames, p)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"客", "客厅", "客厅灯"}, frames)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Typewriter{Interval: time.Millisecond}.Reveal(ctx, "abc", func(string) {})
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, Typewriter{}.Reveal(context.Background(), "", func(string) { t.Fatal("no frames for empty text") }))
}
