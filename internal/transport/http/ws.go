package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/intercom/internal/feedback"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// frameBuffer is how far a client may fall behind before it is dropped.
	frameBuffer = 64
)

// Frame types pushed on /ws.
const (
	FrameState  = "state"
	FrameTyping = "typing"
	FrameError  = "error"
)

// Frame is one message on the /ws stream. Typing frames carry the revealed
// prefix of the response text for the state with the same generation.
type Frame struct {
	Type       string          `json:"type"`
	State      *feedback.State `json:"state,omitempty"`
	Text       string          `json:"text,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// wsCommand is a client request on /ws. Type is one of toggle, stop, cancel
// or text.
type wsCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wsSession struct {
	t      *Transport
	conn   *websocket.Conn
	frames chan Frame
	ctx    context.Context
	cancel context.CancelFunc
}

// handleWS streams feedback states to the client.
//
// @Summary     Feedback state stream
// @Description WebSocket. The server sends {"type":"state"} for every transition, then
// @Description {"type":"typing"} frames revealing the response text. Clients may send
// @Description {"type":"toggle"|"stop"|"cancel"} or {"type":"text","text":"..."}.
// @Tags        commands
// @Success     101
// @Router      /ws [get]
func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		t:      t,
		conn:   conn,
		frames: make(chan Frame, frameBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	defer func() {
		cancel()
		conn.Close()
	}()

	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	unsubscribe := t.ctrl.Subscribe(func(st feedback.State) { s.push(stateFrame(st)) })
	defer unsubscribe()
	s.push(stateFrame(t.ctrl.State()))

	t.logger.Debug("websocket client connected", "remote", r.RemoteAddr)
	go s.readLoop()
	s.writeLoop()
	t.logger.Debug("websocket client disconnected", "remote", r.RemoteAddr)
}

// push queues a frame without blocking the publisher. A client that cannot
// keep up is disconnected.
func (s *wsSession) push(f Frame) {
	select {
	case s.frames <- f:
	case <-s.ctx.Done():
	default:
		s.t.logger.Warn("websocket client too slow, disconnecting")
		s.cancel()
	}
}

func (s *wsSession) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	stopTyping := func() {}
	defer func() { stopTyping() }()

	var current feedback.State
	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return

		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case f := <-s.frames:
			switch f.Type {
			case FrameState:
				stopTyping()
				current = *f.State
				if current.Phase == feedback.PhaseResponded && current.Text != "" {
					var typingCtx context.Context
					typingCtx, stopTyping = context.WithCancel(s.ctx)
					go s.reveal(typingCtx, current)
				}
			case FrameTyping:
				if f.Generation != current.Generation || current.Phase != feedback.PhaseResponded {
					continue
				}
			}

			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.t.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *wsSession) reveal(ctx context.Context, st feedback.State) {
	tw := feedback.Typewriter{Interval: s.t.opts.TypingInterval}
	_ = tw.Reveal(ctx, st.Text, func(prefix string) {
		select {
		case s.frames <- Frame{Type: FrameTyping, Text: prefix, Generation: st.Generation}:
		case <-ctx.Done():
		}
	})
}

func (s *wsSession) readLoop() {
	defer s.cancel()

	s.conn.SetReadLimit(maxBodyBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd wsCommand
		if err := s.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.t.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.run(cmd); err != nil {
			s.push(Frame{Type: FrameError, Error: err.Error()})
		}
	}
}

func (s *wsSession) run(cmd wsCommand) error {
	ctrl := s.t.ctrl
	switch cmd.Type {
	case "toggle":
		return ctrl.StartVoiceCommand()
	case "stop":
		ctrl.StopVoiceCommand()
	case "cancel":
		ctrl.Cancel()
	case "text":
		return ctrl.SendTextCommand(cmd.Text)
	default:
		return errors.New("unknown command type " + cmd.Type)
	}
	return nil
}

func stateFrame(st feedback.State) Frame {
	return Frame{Type: FrameState, State: &st, Generation: st.Generation}
}
