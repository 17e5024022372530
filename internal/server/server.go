// Package server exposes the WebSocket endpoint clients dial to talk to an
// agent. Each accepted connection gets its own session engine; the server
// only moves bytes between the socket and the engine.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-bridge/internal/agents"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/upstream"
)

// frameBuffer bounds inbound audio frames queued per connection. A slow
// engine sheds frames rather than stalling the socket read loop.
const frameBuffer = 64

const writeTimeout = 10 * time.Second

// Options wires the server's collaborators.
type Options struct {
	Logger   *slog.Logger
	Resolver agents.Resolver
	Dialer   upstream.Dialer
	Capture  session.CapturePublisher
	Metrics  *session.Metrics
	Audio    config.AudioConfig
	VAD      config.VADConfig
}

// Server accepts WebSocket connections and runs one session engine per
// connection. It implements http.Handler and mounts under a single route.
type Server struct {
	logger   *slog.Logger
	resolver agents.Resolver
	dialer   upstream.Dialer
	capture  session.CapturePublisher
	metrics  *session.Metrics
	audio    config.AudioConfig
	vad      config.VADConfig

	upgrader websocket.Upgrader
	frameBuf int

	mu       sync.Mutex
	closed   bool
	cancel   map[string]context.CancelFunc
	sessions sync.WaitGroup
}

func New(opts Options) *Server {
	return &Server{
		logger:   opts.Logger.With(slog.String("component", "server")),
		resolver: opts.Resolver,
		dialer:   opts.Dialer,
		capture:  opts.Capture,
		metrics:  opts.Metrics,
		audio:    opts.Audio,
		vad:      opts.VAD,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; auth happens
			// at the deployment edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		frameBuf: frameBuffer,
		cancel:   make(map[string]context.CancelFunc),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if agentID == "" {
		// Policy close has to ride the upgraded socket; a plain HTTP 400
		// never reaches browser WebSocket error handlers.
		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(protocol.CloseMissingSession, "missing agent parameter")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
		return
	}

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.cancel[sessionID] = cancel
	s.sessions.Add(1)
	s.mu.Unlock()

	s.logger.Info("client connected",
		slog.String("session_id", sessionID),
		slog.String("agent_id", agentID),
		slog.String("remote", r.RemoteAddr))

	go s.runSession(ctx, cancel, sessionID, agentID, conn)
}

func (s *Server) runSession(ctx context.Context, cancel context.CancelFunc, sessionID, agentID string, conn *websocket.Conn) {
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancel, sessionID)
		s.mu.Unlock()
		s.sessions.Done()
	}()

	client := &wsClient{conn: conn}
	frames := make(chan []byte, s.frameBuf)

	engine := session.New(session.Options{
		SessionID: sessionID,
		AgentID:   agentID,
		Logger:    s.logger,
		Client:    client,
		Resolver:  s.resolver,
		Dialer:    s.dialer,
		Capture:   s.capture,
		Metrics:   s.metrics,
		Audio:     s.audio,
		VAD:       s.vad,
		Frames:    frames,
	})

	go s.readLoop(conn, frames)
	engine.Run(ctx)
	_ = conn.Close()
}

// readLoop pumps client binary frames into the engine's channel. It owns
// the channel's close: when the read side fails the engine sees EOF.
func (s *Server) readLoop(conn *websocket.Conn, frames chan<- []byte) {
	defer close(frames)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case frames <- data:
		default:
			// Engine is behind; realtime audio is worthless late.
			s.logger.Warn("inbound frame buffer full, dropping frame")
			if s.metrics != nil {
				s.metrics.FramesDropped.Add(context.Background(), 1)
			}
		}
	}
}

// Close stops accepting connections and cancels every running session, then
// waits for their engines to finish teardown.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.cancel {
		cancel()
	}
	s.mu.Unlock()
	s.sessions.Wait()
	return nil
}

// wsClient serializes writes to one WebSocket connection. gorilla/websocket
// allows a single concurrent writer; the engine and the playback emitter
// both write, so the mutex is load-bearing.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) WriteMessage(msg protocol.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return c.conn.Close()
}
