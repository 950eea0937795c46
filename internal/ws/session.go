package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scanstream/backend/internal/device"
	"github.com/scanstream/backend/internal/logging"
	"github.com/scanstream/backend/internal/pipeline"
	"github.com/scanstream/backend/internal/scan"
)

// State of a device session.
type State int

const (
	StateIdle State = iota
	StateReady
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Pipeline runs one successful capture through interpretation and indexing.
type Pipeline interface {
	Run(ctx context.Context, unit scan.CaptureUnit) pipeline.Outcome
}

// Resetter clears the document index before a new scan run.
type Resetter interface {
	ClearAll(ctx context.Context) error
}

// SessionDeps are the collaborators a Session drives.
type SessionDeps struct {
	Registry *Registry
	Camera   device.Controller
	Pipeline Pipeline
	Index    Resetter
	EndGrace time.Duration
	Logger   *logging.Logger
}

// Session runs the command loop of one admitted device connection. Commands
// are handled one at a time in arrival order.
type Session struct {
	dev      *DeviceConn
	registry *Registry
	camera   device.Controller
	pipeline Pipeline
	index    Resetter
	endGrace time.Duration
	logger   *logging.Logger

	state    State
	released bool
}

func NewSession(dev *DeviceConn, deps SessionDeps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Session{
		dev:      dev,
		registry: deps.Registry,
		camera:   deps.Camera,
		pipeline: deps.Pipeline,
		index:    deps.Index,
		endGrace: deps.EndGrace,
		logger:   logger.With("component", "session", "token", dev.Token),
		state:    StateIdle,
	}
}

func (s *Session) State() State { return s.state }

// Run reads commands until the session ends or the connection drops. On
// every exit path the camera is released once, the device slot is freed and
// the connection is closed.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic recovered", "panic", fmt.Sprint(r))
		}
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go ping(s.dev.conn, pingPeriod, stopPing)

	s.logger.Info("device session started")
	for s.state != StateEnded {
		// Pongs are only processed while reading, so a long pipeline run
		// must not count against the peer.
		_ = s.dev.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := s.dev.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("device read error", "state", s.state.String(), "error", err)
			} else {
				s.logger.Info("device disconnected", "state", s.state.String())
			}
			return
		}
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	cmd, err := scan.ParseCommand(data)
	if err != nil {
		s.logger.Warn("malformed command", "error", err)
		s.reply(scan.Error(err.Error()))
		return
	}

	switch {
	case cmd.Action == scan.ActionStart && s.state == StateIdle:
		s.start(ctx)
	case cmd.Action == scan.ActionClick && s.state == StateReady:
		s.click(ctx)
	case cmd.Action == scan.ActionEnd:
		s.end(ctx)
	default:
		s.logger.Debug("invalid action", "action", cmd.Action, "state", s.state.String())
		s.reply(scan.Invalid())
	}
}

func (s *Session) start(ctx context.Context) {
	if err := s.camera.Initialize(ctx); err != nil {
		s.logger.Error("camera initialization failed", "error", err)
		s.abort(ReasonInitFailed)
		return
	}
	if err := s.reset(ctx); err != nil {
		s.logger.Error("resetting previous scan failed", "error", err)
		s.abort(ReasonResetFailed)
		return
	}

	s.state = StateReady
	s.logger.Info("scan run started")
	s.emit(scan.Start())
}

func (s *Session) reset(ctx context.Context) error {
	if err := s.index.ClearAll(ctx); err != nil {
		return err
	}
	return s.camera.ClearCaptures(ctx)
}

func (s *Session) click(ctx context.Context) {
	unit := s.camera.Capture(ctx)
	if !unit.Success {
		s.logger.Warn("capture failed", "error", unit.Err)
		s.emit(scan.CaptureFailed(unit.Err))
		return
	}

	out := s.pipeline.Run(ctx, unit)
	s.emit(out.Event)
}

func (s *Session) end(ctx context.Context) {
	s.registry.Broadcast(scan.End())
	s.releaseCamera()

	timer := time.NewTimer(s.endGrace)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	s.dev.Close(websocket.CloseNormalClosure, "")
	s.state = StateEnded
	s.logger.Info("scan run ended")
}

// abort closes the connection abnormally. teardown releases the camera.
func (s *Session) abort(reason string) {
	s.dev.Close(CloseInitFailed, reason)
	s.state = StateEnded
}

// emit sends ev to the device and, for broadcast kinds, to every observer.
func (s *Session) emit(ev scan.Event) {
	s.reply(ev)
	if ev.IsBroadcast() {
		s.registry.Broadcast(ev)
	}
}

func (s *Session) reply(ev scan.Event) {
	if err := s.dev.Send(ev); err != nil {
		s.logger.Warn("device write failed, dropping connection", "kind", ev.Kind.String(), "error", err)
	}
}

func (s *Session) releaseCamera() {
	if s.released {
		return
	}
	s.released = true
	s.camera.Release()
}

func (s *Session) teardown() {
	s.releaseCamera()
	s.registry.ReleaseDevice(s.dev.Token)
	_ = s.dev.conn.Close()
	s.state = StateEnded
}
