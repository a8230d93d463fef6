// Package feedback implements the command state machine that drives what
// the user sees and hears.
//
// A command moves Idle → Listening → Processing → Responded → Idle (text
// commands skip Listening). Every change is made by one transition that
// builds the complete next State and publishes it as a single snapshot, so
// subscribers never observe a half-cleared result next to a new phase.
// Each command carries a generation number; work belonging to an abandoned
// generation is dropped instead of applied.
package feedback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nadzzz/intercom/internal/capture"
	"github.com/nadzzz/intercom/internal/classify"
	"github.com/nadzzz/intercom/internal/dispatch"
	"github.com/nadzzz/intercom/internal/message"
	"github.com/nadzzz/intercom/internal/metrics"
	"github.com/nadzzz/intercom/internal/tts"
)

// Messages shown for local failures.
const (
	MsgMicrophone = "无法访问麦克风，请检查权限设置"
	MsgEmpty      = "录制的音频太短或为空"
	MsgTransport  = "处理命令时出错，请重试"
	MsgFallback   = "抱歉，处理命令时出错"
)

// ErrBusy is returned when a command is already in flight.
var ErrBusy = errors.New("a command is already in progress")

// Dispatcher captures audio and sends commands.
type Dispatcher interface {
	Capture(ctx context.Context, rec capture.Recording, stop <-chan struct{}) (message.AudioBuffer, error)
	DispatchVoice(ctx context.Context, buf message.AudioBuffer, prefs message.Preferences) (message.RawResponse, error)
	DispatchText(ctx context.Context, text string, prefs message.Preferences) (message.RawResponse, error)
}

// Classifier turns a raw response into a result.
type Classifier interface {
	Classify(raw message.RawResponse) message.ClassifiedResult
}

// AudioPlayer plays response audio without blocking. Both methods report
// whether playback started; failures are handled by the player.
type AudioPlayer interface {
	PlayReference(ctx context.Context, ref string) bool
	PlayBuffer(ctx context.Context, data []byte, mimeType string) bool
}

// PreferenceSource provides the current preferences.
type PreferenceSource interface {
	Load(ctx context.Context) message.Preferences
}

// Config holds controller options.
type Config struct {
	// RespondedHold is how long a response stays on screen before the
	// controller returns to Idle. Zero keeps it until the next command.
	RespondedHold time.Duration `mapstructure:"responded_hold"`

	// FallbackText is shown when a response carries no message at all.
	FallbackText string `mapstructure:"fallback_text"`

	// SynthesisEngine is the TTS engine preference that selects local synthesis.
	SynthesisEngine string `mapstructure:"synthesis_engine"`
}

// Deps are the collaborators of a Controller. Synthesizer may be nil.
type Deps struct {
	Microphone  capture.Microphone
	Dispatcher  Dispatcher
	Classifier  Classifier
	Player      AudioPlayer
	Preferences PreferenceSource
	Synthesizer tts.Synthesizer
}

// Controller is the feedback state machine. It is safe for concurrent use.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	stop      *stopSignal
	holdTimer *time.Timer

	// Published snapshots are queued under mu and delivered in order by
	// whichever goroutine is flushing.
	pending  []State
	flushing bool
	subs     map[int]func(State)
	nextSub  int
}

// New creates a Controller in the Idle phase.
func New(deps Deps, cfg Config) *Controller {
	if cfg.FallbackText == "" {
		cfg.FallbackText = MsgFallback
	}
	if cfg.SynthesisEngine == "" {
		cfg.SynthesisEngine = "piper"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:   deps,
		cfg:    cfg,
		logger: slog.With("component", "feedback"),
		ctx:    ctx,
		cancel: cancel,
		state:  State{Phase: PhaseIdle, UpdatedAt: time.Now()},
		subs:   make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to receive every published State, in order. The
// returned function unregisters it.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// StartVoiceCommand begins listening. While already listening it stops the
// capture instead, which moves the command on to Processing.
func (c *Controller) StartVoiceCommand() error {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseListening:
		stop := c.stop
		c.mu.Unlock()
		stop.fire()
		return nil
	case PhaseProcessing:
		c.mu.Unlock()
		return ErrBusy
	}

	gen, id := c.beginLocked(message.OriginVoice, PhaseListening, "")
	stop := newStopSignal()
	c.stop = stop
	c.mu.Unlock()
	c.flush()

	c.logger.Info("voice command started", "command_id", id, "generation", gen)
	c.wg.Add(1)
	go c.runVoice(gen, id, stop)
	return nil
}

// StopVoiceCommand ends an in-progress capture. It does nothing unless the
// controller is listening.
func (c *Controller) StopVoiceCommand() {
	c.mu.Lock()
	stop := c.stop
	listening := c.state.Phase == PhaseListening
	c.mu.Unlock()
	if listening {
		stop.fire()
	}
}

// SendTextCommand dispatches a typed command.
func (c *Controller) SendTextCommand(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return dispatch.ErrEmptyText
	}

	c.mu.Lock()
	if c.state.Busy() {
		c.mu.Unlock()
		return ErrBusy
	}
	gen, id := c.beginLocked(message.OriginText, PhaseProcessing, text)
	c.mu.Unlock()
	c.flush()

	c.logger.Info("text command started", "command_id", id, "generation", gen)
	c.wg.Add(1)
	go c.runText(gen, id, text)
	return nil
}

// Cancel abandons the command in flight and returns to Idle. A late
// response for the abandoned command is ignored.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if !c.state.Busy() {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	c.state.Generation++
	c.setLocked(State{Phase: PhaseIdle, Generation: c.state.Generation})
	c.mu.Unlock()
	c.flush()

	stop.fire()
	c.logger.Info("command cancelled")
}

// WaitResponse blocks until the current command has reached Responded or
// Idle and returns that state.
func (c *Controller) WaitResponse(ctx context.Context) (State, error) {
	// Snapshots of earlier commands may still be in the delivery queue.
	gen := c.State().Generation
	done := func(s State) bool { return !s.Busy() && s.Generation >= gen }

	ch := make(chan State, 1)
	unsubscribe := c.Subscribe(func(s State) {
		if done(s) {
			select {
			case ch <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if s := c.State(); done(s) {
		return s, nil
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Wait blocks until the goroutines of started commands, including spoken
// feedback, have returned. It must not race with starting a new command.
func (c *Controller) Wait() { c.wg.Wait() }

// Close abandons any command in flight and waits for background work.
func (c *Controller) Close() error {
	c.Cancel()
	c.cancel()
	c.mu.Lock()
	if c.holdTimer != nil {
		c.holdTimer.Stop()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Controller) runVoice(gen uint64, id string, stop *stopSignal) {
	defer c.wg.Done()
	ctx := dispatch.WithCommandID(c.ctx, id)

	rec, err := c.deps.Microphone.Open(ctx)
	if err != nil {
		c.fail(gen, message.OriginVoice, err)
		return
	}

	buf, err := c.deps.Dispatcher.Capture(ctx, rec, stop.ch)
	if !c.transition(gen, func(s *State) { s.Phase = PhaseProcessing }) {
		c.logger.Debug("dropping capture of abandoned command", "command_id", id)
		return
	}
	if err != nil {
		c.fail(gen, message.OriginVoice, err)
		return
	}

	prefs := c.deps.Preferences.Load(ctx)
	raw, err := c.deps.Dispatcher.DispatchVoice(ctx, buf, prefs)
	if err != nil {
		c.fail(gen, message.OriginVoice, err)
		return
	}
	c.respond(ctx, gen, message.OriginVoice, raw)
}

func (c *Controller) runText(gen uint64, id, text string) {
	defer c.wg.Done()
	ctx := dispatch.WithCommandID(c.ctx, id)

	prefs := c.deps.Preferences.Load(ctx)
	raw, err := c.deps.Dispatcher.DispatchText(ctx, text, prefs)
	if err != nil {
		c.fail(gen, message.OriginText, err)
		return
	}
	c.respond(ctx, gen, message.OriginText, raw)
}

func (c *Controller) respond(ctx context.Context, gen uint64, origin message.Origin, raw message.RawResponse) {
	result := c.deps.Classifier.Classify(raw)
	text := classify.DisplayText(result, c.cfg.FallbackText)

	applied := c.transition(gen, func(s *State) {
		s.Phase = PhaseResponded
		s.IsUnderstood = result.IsUnderstood
		s.Text = text
		s.AudioRef = result.AudioRef
		s.Result = &result
	})
	if !applied {
		c.logger.Debug("dropping stale response", "generation", gen)
		return
	}

	outcome := "not_understood"
	if result.IsUnderstood {
		outcome = "understood"
	}
	metrics.CommandsTotal.WithLabelValues(string(origin), outcome).Inc()
	c.logger.Info("command responded", "generation", gen, "understood", result.IsUnderstood,
		"action", result.Action, "object", result.Object)

	c.scheduleIdle(gen)
	c.speak(ctx, gen, result)
}

// speak plays the response audio when the TTS preference is enabled at the
// time the response arrives. Nothing is played once a newer command has
// started.
func (c *Controller) speak(ctx context.Context, gen uint64, result message.ClassifiedResult) {
	if c.deps.Player == nil {
		return
	}
	prefs := c.deps.Preferences.Load(ctx)
	if !prefs.TTS.Enabled {
		return
	}

	if result.AudioRef != "" {
		if c.current(gen) {
			c.deps.Player.PlayReference(ctx, result.AudioRef)
		}
		return
	}

	spoken := result.TTSMessage
	if spoken == "" || c.deps.Synthesizer == nil || !strings.EqualFold(prefs.TTS.Engine, c.cfg.SynthesisEngine) {
		return
	}
	out, err := c.deps.Synthesizer.Synthesize(ctx, spoken, tts.SynthesizeOpts{Language: languageCode(prefs.STT.Language)})
	if err != nil {
		c.logger.Warn("local synthesis failed", "error", err)
		return
	}
	if !c.current(gen) {
		c.logger.Debug("dropping synthesized audio of superseded command", "generation", gen)
		return
	}
	c.deps.Player.PlayBuffer(ctx, out.Audio, out.ContentType)
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Generation == gen
}

// fail resolves the command to a not-understood response with a local message.
func (c *Controller) fail(gen uint64, origin message.Origin, err error) {
	msg, outcome := MsgFallback, "error"
	var (
		acqErr   *capture.AcquisitionError
		emptyErr *dispatch.EmptyCaptureError
		transErr *dispatch.TransportError
	)
	switch {
	case errors.As(err, &acqErr):
		msg, outcome = MsgMicrophone, "acquisition_error"
	case errors.As(err, &emptyErr):
		msg, outcome = MsgEmpty, "empty_capture"
	case errors.As(err, &transErr):
		msg, outcome = MsgTransport, "transport_error"
	}

	applied := c.transition(gen, func(s *State) {
		s.Phase = PhaseResponded
		s.IsUnderstood = false
		s.Text = msg
		s.Error = err.Error()
	})
	if !applied {
		return
	}
	metrics.CommandsTotal.WithLabelValues(string(origin), outcome).Inc()
	c.logger.Warn("command failed", "generation", gen, "origin", origin, "error", err)
	c.scheduleIdle(gen)
}

func (c *Controller) scheduleIdle(gen uint64) {
	if c.cfg.RespondedHold <= 0 {
		return
	}
	timer := time.AfterFunc(c.cfg.RespondedHold, func() {
		c.transition(gen, func(s *State) {
			if s.Phase == PhaseResponded {
				*s = State{Phase: PhaseIdle, Generation: s.Generation}
			}
		})
	})
	c.mu.Lock()
	if c.holdTimer != nil {
		c.holdTimer.Stop()
	}
	c.holdTimer = timer
	c.mu.Unlock()
}

// beginLocked starts a new generation with a fully reset state in one step.
// Caller must hold c.mu and call flush after unlocking.
func (c *Controller) beginLocked(origin message.Origin, phase Phase, input string) (uint64, string) {
	if c.holdTimer != nil {
		c.holdTimer.Stop()
		c.holdTimer = nil
	}
	c.stop = nil
	gen := c.state.Generation + 1
	id := uuid.NewString()
	c.setLocked(State{
		Phase:      phase,
		Input:      input,
		CommandID:  id,
		Origin:     origin,
		Generation: gen,
	})
	return gen, id
}

// transition applies fn to a copy of the state and publishes the result,
// unless gen is no longer the current generation.
func (c *Controller) transition(gen uint64, fn func(*State)) bool {
	c.mu.Lock()
	if c.state.Generation != gen {
		c.mu.Unlock()
		return false
	}
	next := c.state
	fn(&next)
	next.Generation = gen
	c.setLocked(next)
	c.mu.Unlock()
	c.flush()
	return true
}

// setLocked replaces the state and queues it for publication.
func (c *Controller) setLocked(s State) {
	s.UpdatedAt = time.Now()
	c.state = s
	c.pending = append(c.pending, s)
}

// flush delivers queued snapshots. Only one goroutine delivers at a time;
// others leave their snapshots in the queue for it.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		subs := make([]func(State), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, s := range batch {
			for _, fn := range subs {
				fn(s)
			}
		}

		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

// languageCode reduces a locale such as "zh-CN" to "zh".
func languageCode(locale string) string {
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		return strings.ToLower(locale[:i])
	}
	return strings.ToLower(locale)
}

type stopSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newStopSignal() *stopSignal { return &stopSignal{ch: make(chan struct{})} }

func (s *stopSignal) fire() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.ch) })
}
