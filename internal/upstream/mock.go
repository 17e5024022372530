package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
)

// mockDialer provides an offline upstream for development and tests. It waits
// for the caller to stop speaking, then streams a paced synthetic audio turn,
// and raises an interrupted marker when barged in on.
type mockDialer struct {
	cfg config.UpstreamConfig
}

func NewMockDialer(cfg config.UpstreamConfig) Dialer {
	return &mockDialer{cfg: cfg}
}

const (
	mockVoiceThreshold = 0.05
	mockSilenceHang    = 500 * time.Millisecond
	mockTurnDuration   = 1500 * time.Millisecond
)

func (d *mockDialer) Dial(_ context.Context, prompt PromptConfig) (Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &mockSession{
		cfg:    d.cfg,
		prompt: prompt,
		events: make(chan Event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.emit(Event{Type: EventOpened})
	go s.watchSilence()
	return s, nil
}

type mockSession struct {
	cfg    config.UpstreamConfig
	prompt PromptConfig

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
	speaking  atomic.Bool

	mu         sync.Mutex
	heardVoice bool
	lastVoice  time.Time
	turnCancel context.CancelFunc

	emitMu       sync.Mutex
	eventsClosed bool
}

func (s *mockSession) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(pcm) < 2 {
		return nil
	}
	if pcmRMS(pcm) < mockVoiceThreshold {
		return nil
	}

	s.mu.Lock()
	s.heardVoice = true
	s.lastVoice = time.Now()
	cancelTurn := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()

	// Sustained voice during a response interrupts it, like the real model.
	if s.speaking.Load() && cancelTurn != nil {
		cancelTurn()
		s.emit(Event{Type: EventMessage, Message: Interrupted()})
	}
	return nil
}

func (s *mockSession) SendText(string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.startTurn()
	return nil
}

func (s *mockSession) Events() <-chan Event {
	return s.events
}

func (s *mockSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	return nil
}

func (s *mockSession) watchSilence() {
	defer func() {
		s.emit(Event{Type: EventClosed, Reason: "session closed"})
		s.closeEvents()
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if s.speaking.Load() {
			continue
		}
		s.mu.Lock()
		ready := s.heardVoice && time.Since(s.lastVoice) >= mockSilenceHang
		if ready {
			s.heardVoice = false
		}
		s.mu.Unlock()
		if ready {
			s.startTurn()
		}
	}
}

// startTurn streams one synthetic model turn: paced PCM tone chunks, then a
// turnComplete marker.
func (s *mockSession) startTurn() {
	if !s.speaking.CompareAndSwap(false, true) {
		return
	}
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.speaking.Store(false)
			cancel()
		}()

		rate := s.cfg.OutputSampleRate
		chunkDur := time.Duration(s.cfg.ChunkDurationMS) * time.Millisecond
		chunkSamples := rate * s.cfg.ChunkDurationMS / 1000
		chunks := int(mockTurnDuration / chunkDur)
		mime := fmt.Sprintf("audio/pcm;rate=%d", rate)

		ticker := time.NewTicker(chunkDur)
		defer ticker.Stop()
		for i := 0; i < chunks; i++ {
			select {
			case <-turnCtx.Done():
				return
			case <-ticker.C:
			}
			s.emit(Event{Type: EventMessage, Message: &ServerMessage{
				ServerContent: &ServerContent{
					ModelTurn: &ModelTurn{Parts: []Part{{
						InlineData: &Blob{
							Data:     tonePCM(rate, chunkSamples, i*chunkSamples),
							MIMEType: mime,
						},
					}}},
				},
			}})
		}
		s.emit(Event{Type: EventMessage, Message: &ServerMessage{
			ServerContent: &ServerContent{TurnComplete: true},
		}})
	}()
}

// emit is serialized so a late turn goroutine can never race closeEvents.
func (s *mockSession) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Consumer stopped draining during teardown; drop rather than block.
	}
}

func (s *mockSession) closeEvents() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.eventsClosed = true
	close(s.events)
}

// pcmRMS computes full-scale RMS over raw little-endian 16-bit samples.
func pcmRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// tonePCM renders a 440 Hz sine at quarter scale, phase-continuous across
// chunks.
func tonePCM(rate, samples, offset int) []byte {
	buf := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		phase := 2 * math.Pi * 440 * float64(offset+i) / float64(rate)
		v := int16(0.25 * 32767 * math.Sin(phase))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}
