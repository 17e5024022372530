// Package session drives one client connection: the lifecycle state machine,
// the audio relay pipeline, and the voice-activity interruption controller.
package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-bridge/internal/agents"
	"github.com/loqalabs/loqa-bridge/internal/audio"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/upstream"
)

// ClientConn is the serialized writer side of the client connection.
type ClientConn interface {
	WriteMessage(msg protocol.ClientMessage) error
	// Close sends a close frame with the given code and closes the socket.
	Close(code int, reason string) error
}

// CapturePublisher receives copies of client audio for post-hoc persistence.
// Never on the real-time path: failures are logged and ignored.
type CapturePublisher interface {
	Publish(frame protocol.CaptureFrame) error
}

// Options assembles one engine.
type Options struct {
	SessionID string
	AgentID   string
	Logger    *slog.Logger
	Client    ClientConn
	Resolver  agents.Resolver
	Dialer    upstream.Dialer
	Capture   CapturePublisher // optional
	Metrics   *Metrics         // optional
	Audio     config.AudioConfig
	VAD       config.VADConfig
	// Frames delivers raw client binary frames. The sender closes it when
	// the client disconnects or the read side fails.
	Frames <-chan []byte
}

// Engine owns one session. All state mutation happens inside Run's driving
// loop; other components only read or request transitions through it.
type Engine struct {
	logger   *slog.Logger
	client   ClientConn
	resolver agents.Resolver
	dialer   upstream.Dialer
	capture  CapturePublisher
	metrics  *Metrics

	sessionID string
	agentID   string
	audioCfg  config.AudioConfig

	frames   <-chan []byte
	vad      *audio.Detector
	playback *Playback
	adapter  upstream.Session

	state       State
	seq         int
	clientGone  bool
	closeCode   int
	closeReason string
}

func New(opts Options) *Engine {
	logger := opts.Logger.With(
		slog.String("component", "session"),
		slog.String("session_id", opts.SessionID),
		slog.String("agent_id", opts.AgentID),
	)
	e := &Engine{
		logger:    logger,
		client:    opts.Client,
		resolver:  opts.Resolver,
		dialer:    opts.Dialer,
		capture:   opts.Capture,
		metrics:   opts.Metrics,
		sessionID: opts.SessionID,
		agentID:   opts.AgentID,
		audioCfg:  opts.Audio,
		frames:    opts.Frames,
		vad:       audio.NewDetector(opts.VAD),
		state:     StateConnecting,
		closeCode: 1000,
	}
	e.playback = NewPlayback(opts.Client.WriteMessage, logger)
	return e
}

// State reports the current lifecycle state. Valid to call after Run
// returned; during Run it is owned by the driving goroutine.
func (e *Engine) State() State {
	return e.state
}

// Run drives the session until a terminal condition, then performs the
// ordered teardown. It blocks; callers run it in the per-connection
// goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer e.shutdown(ctx)

	profile, err := e.resolver.Resolve(ctx, e.agentID)
	if err != nil {
		e.logger.Warn("agent profile resolution failed", slogError(err))
		if !errors.Is(err, agents.ErrProfileNotFound) {
			_ = e.client.WriteMessage(protocol.Error("agent configuration unavailable"))
		} else {
			_ = e.client.WriteMessage(protocol.Error("unknown agent"))
		}
		e.closeCode = protocol.CloseMissingSession
		e.closeReason = "missing agent configuration"
		return
	}

	sess, err := e.dialer.Dial(ctx, upstream.PromptConfig{
		SystemPrompt:    profile.SystemPrompt,
		Voice:           profile.Voice,
		Model:           profile.Model,
		Greeting:        profile.Greeting,
		SpeakFirst:      profile.SpeakFirst,
		InputSampleRate: e.audioCfg.SampleRate,
	})
	if err != nil {
		e.logger.Error("upstream dial failed", slogError(err))
		if e.metrics != nil {
			e.metrics.UpstreamErrors.Add(ctx, 1)
		}
		_ = e.client.WriteMessage(protocol.Error("failed to open Gemini session"))
		e.closeCode = protocol.CloseUpstreamFailed
		e.closeReason = "upstream unavailable"
		return
	}
	e.adapter = sess

	e.setState(StateOpen)
	_ = e.client.WriteMessage(protocol.Status("Gemini session opened"))
	if e.metrics != nil {
		e.metrics.SessionsOpened.Add(ctx, 1)
	}

	if profile.SpeakFirst {
		greeting := profile.Greeting
		if greeting == "" {
			greeting = "Hello!"
		}
		if err := sess.SendText(greeting); err != nil {
			e.logger.Warn("speak-first seed failed", slogError(err))
		}
		e.setState(StateSpeaking)
	} else {
		e.setState(StateListening)
	}

	for {
		select {
		case <-ctx.Done():
			_ = e.client.WriteMessage(protocol.Status("Gemini session closed: server shutting down"))
			e.closeReason = "server shutting down"
			return
		case data, ok := <-e.frames:
			if !ok {
				e.clientGone = true
				e.closeReason = "client disconnected"
				return
			}
			e.handleClientFrame(ctx, data)
		case ev, ok := <-e.adapter.Events():
			if !ok {
				e.closeReason = "upstream event stream ended"
				return
			}
			if terminal := e.handleUpstreamEvent(ctx, ev); terminal {
				return
			}
		case id := <-e.playback.Done():
			e.playback.MarkDone(id)
			if !e.playback.Active() && e.state == StateSpeaking {
				e.setState(StateListening)
			}
		}
	}
}

func (e *Engine) handleClientFrame(ctx context.Context, data []byte) {
	frame, err := audio.DecodeFrame(data)
	if err != nil {
		// Recoverable: drop the frame, keep the session open.
		e.logger.Warn("dropping malformed audio frame", slogError(err))
		if e.metrics != nil {
			e.metrics.FramesDropped.Add(ctx, 1)
		}
		return
	}
	if e.metrics != nil {
		e.metrics.FramesDecoded.Add(ctx, 1)
	}

	res := e.vad.Process(frame, e.playback.Active())
	if res.Segment != nil {
		e.logger.Debug("speech segment ended",
			slog.Int("frames", res.Segment.Frames),
			slog.Float64("peak_rms", res.Segment.PeakRMS))
	}
	if res.Interrupt {
		e.interruptPlayback(ctx)
	}

	if err := e.adapter.SendAudio(data); err != nil && !errors.Is(err, upstream.ErrClosed) {
		e.logger.Warn("forwarding audio upstream failed", slogError(err))
	}

	e.publishCapture(data, false)
}

// interruptPlayback services a barge-in: stop the flowing response, then
// tell the client before any audio of the next turn.
func (e *Engine) interruptPlayback(ctx context.Context) {
	e.logger.Info("barge-in detected, cancelling playback")
	e.playback.Cancel()
	_ = e.client.WriteMessage(protocol.Gemini(upstream.Interrupted()))
	if e.metrics != nil {
		e.metrics.Interruptions.Add(ctx, 1)
	}
	e.setState(StateListening)
}

func (e *Engine) handleUpstreamEvent(ctx context.Context, ev upstream.Event) bool {
	switch ev.Type {
	case upstream.EventOpened:
		// Open already handled synchronously after dial.
		return false
	case upstream.EventMessage:
		e.handleUpstreamMessage(ev.Message)
		return false
	case upstream.EventError:
		e.logger.Error("upstream error", slogError(ev.Err))
		if e.metrics != nil {
			e.metrics.UpstreamErrors.Add(ctx, 1)
		}
		_ = e.client.WriteMessage(protocol.Error("Gemini session error: " + ev.Err.Error()))
		e.closeCode = protocol.CloseUpstreamFailed
		e.closeReason = "upstream error"
		return true
	case upstream.EventClosed:
		_ = e.client.WriteMessage(protocol.Status("Gemini session closed: " + ev.Reason))
		e.closeReason = "upstream closed"
		return true
	default:
		return false
	}
}

func (e *Engine) handleUpstreamMessage(m *upstream.ServerMessage) {
	if m == nil {
		return
	}
	sc := m.ServerContent

	if sc != nil && sc.Interrupted {
		// The model noticed the barge-in itself; mirror it.
		e.playback.Cancel()
		_ = e.client.WriteMessage(protocol.Gemini(m))
		e.setState(StateListening)
		return
	}

	if len(m.AudioParts()) > 0 && !e.playback.Streaming() {
		e.playback.Start()
		e.vad.ResetInterruptLatch()
		e.setState(StateSpeaking)
	}

	// The stream owns delivery order while it accepts payloads; anything it
	// rejects (no stream, or finished and still draining) goes out directly.
	if !e.playback.Enqueue(protocol.Gemini(m)) {
		_ = e.client.WriteMessage(protocol.Gemini(m))
	}

	if sc != nil && sc.TurnComplete {
		e.playback.Finish()
	}
}

// shutdown performs the ordered teardown exactly once: cancel playback,
// close the upstream adapter, release the VAD stream, then close the client.
func (e *Engine) shutdown(ctx context.Context) {
	if e.state == StateClosed {
		return
	}
	e.setState(StateClosing)

	e.playback.Cancel()
	if e.adapter != nil {
		_ = e.adapter.Close()
	}
	if seg := e.vad.Flush(); seg != nil {
		e.logger.Debug("residual speech segment at close", slog.Int("frames", seg.Frames))
	}
	e.vad.Reset()
	e.publishCapture(nil, true)

	if !e.clientGone {
		_ = e.client.Close(e.closeCode, e.closeReason)
	}

	if e.metrics != nil {
		e.metrics.SessionsClosed.Add(ctx, 1)
	}
	e.setState(StateClosed)
	e.logger.Info("session closed", slog.String("reason", e.closeReason))
}

func (e *Engine) publishCapture(pcm []byte, final bool) {
	if e.capture == nil {
		return
	}
	frame := protocol.CaptureFrame{
		SessionID:  e.sessionID,
		AgentID:    e.agentID,
		Sequence:   e.seq,
		SampleRate: e.audioCfg.SampleRate,
		PCM:        pcm,
		Final:      final,
	}
	e.seq++
	if err := e.capture.Publish(frame); err != nil {
		e.logger.Warn("capture publish failed", slogError(err))
	}
}

func (e *Engine) setState(next State) {
	if e.state == next {
		return
	}
	e.logger.Debug("state transition",
		slog.String("from", e.state.String()),
		slog.String("to", next.String()))
	e.state = next
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
