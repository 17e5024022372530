package upstream

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/loqalabs/loqa-bridge/internal/config"
)

func mockCfg() config.UpstreamConfig {
	return config.UpstreamConfig{
		Mode:             "mock",
		Model:            "mock",
		OutputSampleRate: 24000,
		ChunkDurationMS:  10,
	}
}

func loudPCM(samples int) []byte {
	buf := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(16384)))
	}
	return buf
}

func TestMockDialEmitsOpened(t *testing.T) {
	d := NewMockDialer(mockCfg())
	sess, err := d.Dial(context.Background(), PromptConfig{InputSampleRate: 16000})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	select {
	case ev := <-sess.Events():
		if ev.Type != EventOpened {
			t.Fatalf("expected opened event first, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for opened event")
	}
}

func TestMockSendTextStartsTurn(t *testing.T) {
	d := NewMockDialer(mockCfg())
	sess, err := d.Dial(context.Background(), PromptConfig{InputSampleRate: 16000})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })

	if err := sess.SendText("hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if ev.Type == EventMessage && len(ev.Message.AudioParts()) > 0 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for audio chunk")
		}
	}
}

func TestMockCloseIdempotent(t *testing.T) {
	d := NewMockDialer(mockCfg())
	sess, err := d.Dial(context.Background(), PromptConfig{InputSampleRate: 16000})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := sess.SendAudio(loudPCM(128)); err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestPCMRMS(t *testing.T) {
	if got := pcmRMS(loudPCM(64)); math.Abs(got-0.5) > 1e-3 {
		t.Fatalf("expected RMS 0.5, got %v", got)
	}
	if got := pcmRMS(make([]byte, 128)); got != 0 {
		t.Fatalf("expected silence RMS 0, got %v", got)
	}
}

func TestTonePCMPhaseContinuity(t *testing.T) {
	a := tonePCM(24000, 240, 0)
	b := tonePCM(24000, 240, 240)
	if len(a) != 480 || len(b) != 480 {
		t.Fatalf("unexpected chunk sizes %d %d", len(a), len(b))
	}
	joined := tonePCM(24000, 480, 0)
	for i := range a {
		if joined[i] != a[i] {
			t.Fatalf("first chunk diverges at byte %d", i)
		}
	}
	for i := range b {
		if joined[480+i] != b[i] {
			t.Fatalf("second chunk diverges at byte %d", i)
		}
	}
}
