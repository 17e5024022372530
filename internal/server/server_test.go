package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loqalabs/loqa-bridge/internal/agents"
	"github.com/loqalabs/loqa-bridge/internal/config"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
	"github.com/loqalabs/loqa-bridge/internal/session"
	"github.com/loqalabs/loqa-bridge/internal/upstream"
)

type stubResolver struct {
	profile agents.Profile
}

func (r *stubResolver) Resolve(context.Context, string) (agents.Profile, error) {
	return r.profile, nil
}

type stubSession struct {
	mu     sync.Mutex
	audio  [][]byte
	closed bool
	events chan upstream.Event
}

func (s *stubSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return upstream.ErrClosed
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.audio = append(s.audio, buf)
	return nil
}

func (s *stubSession) SendText(string) error { return nil }

func (s *stubSession) Events() <-chan upstream.Event { return s.events }

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type stubDialer struct {
	sess *stubSession
	err  error
}

func (d *stubDialer) Dial(context.Context, upstream.PromptConfig) (upstream.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

func newTestServer(t *testing.T, dialer upstream.Dialer) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Resolver: &stubResolver{profile: agents.Profile{AgentID: "agent-1"}},
		Dialer:   dialer,
		Audio:    config.AudioConfig{SampleRate: 16000, FrameSamples: 512},
		VAD: config.VADConfig{
			SegmentThreshold:   0.015,
			InterruptThreshold: 0.2,
			MinVoicedFrames:    3,
			HangFrames:         16,
		},
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readClientMessage(t *testing.T, conn *websocket.Conn) protocol.ClientMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("connection failed without close frame: %v", err)
	}
}

func pcm16(n int, amp int16) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amp))
	}
	return buf
}

func TestMissingAgentParameterRejected(t *testing.T) {
	_, ts := newTestServer(t, &stubDialer{sess: &stubSession{events: make(chan upstream.Event, 4)}})

	conn := dialWS(t, wsURL(ts, ""))
	if code := readCloseCode(t, conn); code != protocol.CloseMissingSession {
		t.Fatalf("close code = %d, want %d", code, protocol.CloseMissingSession)
	}
}

func TestSessionOpensWithStatusMessage(t *testing.T) {
	sess := &stubSession{events: make(chan upstream.Event, 4)}
	_, ts := newTestServer(t, &stubDialer{sess: sess})

	conn := dialWS(t, wsURL(ts, "agent=agent-1"))
	msg := readClientMessage(t, conn)
	if msg.Type != protocol.TypeStatus || msg.Data != "Gemini session opened" {
		t.Fatalf("first message = %+v, want opened status", msg)
	}

	sess.events <- upstream.Event{Type: upstream.EventClosed, Reason: "idle"}
	msg = readClientMessage(t, conn)
	if msg.Type != protocol.TypeStatus || msg.Data != "Gemini session closed: idle" {
		t.Fatalf("close status = %+v", msg)
	}
	if code := readCloseCode(t, conn); code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}
}

func TestUpstreamDialFailureClosesSocket(t *testing.T) {
	_, ts := newTestServer(t, &stubDialer{err: upstream.ErrUnavailable})

	conn := dialWS(t, wsURL(ts, "agent=agent-1"))
	msg := readClientMessage(t, conn)
	if msg.Type != protocol.TypeError {
		t.Fatalf("first message = %+v, want error", msg)
	}
	if code := readCloseCode(t, conn); code != protocol.CloseUpstreamFailed {
		t.Fatalf("close code = %d, want %d", code, protocol.CloseUpstreamFailed)
	}
}

func TestAudioRelayAndBargeIn(t *testing.T) {
	sess := &stubSession{events: make(chan upstream.Event, 4)}
	_, ts := newTestServer(t, &stubDialer{sess: sess})

	conn := dialWS(t, wsURL(ts, "agent=agent-1"))
	if msg := readClientMessage(t, conn); msg.Type != protocol.TypeStatus {
		t.Fatalf("expected opened status, got %+v", msg)
	}

	// Model starts talking.
	sess.events <- upstream.Event{
		Type: upstream.EventMessage,
		Message: &upstream.ServerMessage{
			ServerContent: &upstream.ServerContent{
				ModelTurn: &upstream.ModelTurn{
					Parts: []upstream.Part{{
						InlineData: &upstream.Blob{Data: pcm16(480, 8192), MIMEType: "audio/pcm;rate=24000"},
					}},
				},
			},
		},
	}
	msg := readClientMessage(t, conn)
	if msg.Type != protocol.TypeGemini {
		t.Fatalf("expected model audio, got %+v", msg)
	}

	// Loud client speech over playback: next message is the interruption.
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm16(160, 16384)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	msg = readClientMessage(t, conn)
	if msg.Type != protocol.TypeGemini {
		t.Fatalf("expected interruption payload, got %+v", msg)
	}
	content, ok := msg.Data.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload shape: %+v", msg.Data)
	}
	sc, ok := content["serverContent"].(map[string]any)
	if !ok || sc["interrupted"] != true {
		t.Fatalf("payload is not the interruption marker: %+v", msg.Data)
	}

	// The spoken frame still reached the upstream.
	deadline := time.Now().Add(2 * time.Second)
	for sess.audioCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.audioCount() != 1 {
		t.Fatalf("forwarded %d frames upstream, want 1", sess.audioCount())
	}
}

// gatedResolver holds Resolve open until released, pinning the engine in
// startup while the read loop keeps pulling frames off the socket.
type gatedResolver struct {
	release chan struct{}
}

func (r *gatedResolver) Resolve(ctx context.Context, _ string) (agents.Profile, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return agents.Profile{AgentID: "agent-1"}, nil
}

func droppedFrameCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "bridge_frames_dropped_total" {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestBackpressureDropsBumpCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	metrics, err := session.NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	release := make(chan struct{})
	sess := &stubSession{events: make(chan upstream.Event, 4)}
	srv := New(Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Resolver: &gatedResolver{release: release},
		Dialer:   &stubDialer{sess: sess},
		Metrics:  metrics,
		Audio:    config.AudioConfig{SampleRate: 16000, FrameSamples: 512},
		VAD: config.VADConfig{
			SegmentThreshold:   0.015,
			InterruptThreshold: 0.2,
			MinVoicedFrames:    3,
			HangFrames:         16,
		},
	})
	// With the engine pinned and one buffer slot, every frame after the
	// first must be shed.
	srv.frameBuf = 1
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})

	conn := dialWS(t, wsURL(ts, "agent=agent-1"))
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm16(160, 0)); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for droppedFrameCount(t, reader) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dropped-frame counter = %d, want >= 2", droppedFrameCount(t, reader))
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
}

func TestServerCloseCancelsSessions(t *testing.T) {
	sess := &stubSession{events: make(chan upstream.Event, 4)}
	srv, ts := newTestServer(t, &stubDialer{sess: sess})

	conn := dialWS(t, wsURL(ts, "agent=agent-1"))
	if msg := readClientMessage(t, conn); msg.Type != protocol.TypeStatus {
		t.Fatalf("expected opened status, got %+v", msg)
	}

	done := make(chan struct{})
	go func() {
		_ = srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("server close did not finish")
	}

	sess.mu.Lock()
	closed := sess.closed
	sess.mu.Unlock()
	if !closed {
		t.Fatalf("upstream session not closed on server shutdown")
	}
}
