package audio

import (
	"testing"

	"github.com/loqalabs/loqa-bridge/internal/config"
)

func testVADConfig() config.VADConfig {
	return config.VADConfig{
		SegmentThreshold:   0.015,
		InterruptThreshold: 0.2,
		MinVoicedFrames:    3,
		HangFrames:         5,
	}
}

func loud(rms float64) Frame { return Frame{RMS: rms} }

func feed(t *testing.T, d *Detector, frames int, rms float64, playback bool) []Result {
	t.Helper()
	results := make([]Result, 0, frames)
	for i := 0; i < frames; i++ {
		results = append(results, d.Process(loud(rms), playback))
	}
	return results
}

func countInterrupts(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Interrupt {
			n++
		}
	}
	return n
}

func TestNoInterruptWithoutPlayback(t *testing.T) {
	d := NewDetector(testVADConfig())
	results := feed(t, d, 50, 0.9, false)
	if n := countInterrupts(results); n != 0 {
		t.Fatalf("expected no interrupts without playback, got %d", n)
	}
}

func TestSingleInterruptPerPlayback(t *testing.T) {
	d := NewDetector(testVADConfig())
	d.ResetInterruptLatch()
	results := feed(t, d, 40, 0.5, true)
	if n := countInterrupts(results); n != 1 {
		t.Fatalf("expected exactly one interrupt, got %d", n)
	}
	if !d.Interrupted() {
		t.Fatal("expected latch set after interrupt")
	}
}

func TestLatchRearmsOnNewPlayback(t *testing.T) {
	d := NewDetector(testVADConfig())
	first := feed(t, d, 10, 0.5, true)
	if countInterrupts(first) != 1 {
		t.Fatalf("expected one interrupt on first playback")
	}

	// New playback stream starts: latch resets, a second interrupt fires.
	d.ResetInterruptLatch()
	second := feed(t, d, 10, 0.5, true)
	if countInterrupts(second) != 1 {
		t.Fatalf("expected one interrupt on second playback")
	}
}

func TestBelowThresholdNeverInterrupts(t *testing.T) {
	d := NewDetector(testVADConfig())
	results := feed(t, d, 40, 0.1, true)
	if n := countInterrupts(results); n != 0 {
		t.Fatalf("expected no interrupts below threshold, got %d", n)
	}
}

func TestSegmentationEmitsOnHangSilence(t *testing.T) {
	cfg := testVADConfig()
	d := NewDetector(cfg)

	var seg *Segment
	for _, r := range feed(t, d, 10, 0.001, false) {
		if r.Segment != nil {
			t.Fatal("segment emitted during leading silence")
		}
	}
	for _, r := range feed(t, d, 8, 0.05, false) {
		if r.Segment != nil {
			t.Fatal("segment emitted before silence hang elapsed")
		}
	}
	for _, r := range feed(t, d, cfg.HangFrames, 0.001, false) {
		if r.Segment != nil {
			seg = r.Segment
		}
	}
	if seg == nil {
		t.Fatal("expected segment after hang silence")
	}
	if seg.Frames != 8 {
		t.Fatalf("expected 8 voiced frames, got %d", seg.Frames)
	}
	if seg.StartFrame != 10 {
		t.Fatalf("expected segment to start at frame 10, got %d", seg.StartFrame)
	}
	if seg.PeakRMS != 0.05 {
		t.Fatalf("expected peak 0.05, got %v", seg.PeakRMS)
	}
}

func TestShortBlipBelowMinVoicedIgnored(t *testing.T) {
	cfg := testVADConfig()
	d := NewDetector(cfg)

	feed(t, d, 2, 0.1, false) // below MinVoicedFrames
	for _, r := range feed(t, d, cfg.HangFrames*2, 0.001, false) {
		if r.Segment != nil {
			t.Fatal("blip shorter than min voiced frames produced a segment")
		}
	}
	if d.Flush() != nil {
		t.Fatal("expected nothing to flush")
	}
}

func TestFlushReportsResidualSegment(t *testing.T) {
	d := NewDetector(testVADConfig())
	feed(t, d, 6, 0.1, false)
	seg := d.Flush()
	if seg == nil {
		t.Fatal("expected residual segment at stream close")
	}
	if seg.Frames != 6 {
		t.Fatalf("expected 6 frames, got %d", seg.Frames)
	}
	if d.Flush() != nil {
		t.Fatal("second flush should report nothing")
	}
}

func TestResetRestartsSegmentation(t *testing.T) {
	cfg := testVADConfig()
	d := NewDetector(cfg)
	feed(t, d, 6, 0.5, true)
	if !d.Interrupted() {
		t.Fatal("expected latch set before reset")
	}
	d.Reset()

	if d.Interrupted() {
		t.Fatal("reset should clear the interrupt latch")
	}
	feed(t, d, 4, 0.1, false)
	var seg *Segment
	for _, r := range feed(t, d, cfg.HangFrames, 0.001, false) {
		if r.Segment != nil {
			seg = r.Segment
		}
	}
	if seg == nil {
		t.Fatal("expected segmentation to work after reset")
	}
	if seg.StartFrame != 0 {
		t.Fatalf("expected frame numbering restarted, got start %d", seg.StartFrame)
	}
}
