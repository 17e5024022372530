package audio

import "github.com/loqalabs/loqa-bridge/internal/config"

// Segment is a contiguous voiced run bounded by silence, reported once its
// trailing hang time has elapsed or the stream closed mid-utterance.
type Segment struct {
	StartFrame int
	EndFrame   int
	Frames     int
	PeakRMS    float64
}

// Result is the outcome of feeding one frame to the detector.
type Result struct {
	Segment   *Segment
	Interrupt bool
}

// Detector classifies a frame stream into speech segments and raises a
// one-shot interruption signal while a playback is active.
//
// The detector is not safe for concurrent use. The session engine is the
// single writer: it feeds frames, resets the interrupt latch when a new
// playback starts, and Resets between connections.
type Detector struct {
	cfg config.VADConfig

	frameIndex  int
	inSegment   bool
	voicedRun   int
	silenceRun  int
	segStart    int
	segEnd      int
	segPeak     float64
	interrupted bool
}

func NewDetector(cfg config.VADConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Process feeds one decoded frame. playbackActive gates the interruption
// signal: over-threshold frames while nothing is playing raise nothing.
func (d *Detector) Process(f Frame, playbackActive bool) Result {
	res := Result{}
	idx := d.frameIndex
	d.frameIndex++

	if playbackActive && !d.interrupted && f.RMS >= d.cfg.InterruptThreshold {
		d.interrupted = true
		res.Interrupt = true
	}

	voiced := f.RMS >= d.cfg.SegmentThreshold
	if d.inSegment {
		if voiced {
			d.silenceRun = 0
			d.segEnd = idx
			if f.RMS > d.segPeak {
				d.segPeak = f.RMS
			}
		} else {
			d.silenceRun++
			if d.silenceRun >= d.cfg.HangFrames {
				res.Segment = d.closeSegment()
			}
		}
		return res
	}

	if voiced {
		d.voicedRun++
		if f.RMS > d.segPeak {
			d.segPeak = f.RMS
		}
		if d.voicedRun >= d.cfg.MinVoicedFrames {
			d.inSegment = true
			d.segStart = idx - d.voicedRun + 1
			d.segEnd = idx
			d.silenceRun = 0
		}
	} else {
		d.voicedRun = 0
		d.segPeak = 0
	}
	return res
}

// Flush reports a residual open segment when the audio stream closes while
// the user was still speaking.
func (d *Detector) Flush() *Segment {
	if !d.inSegment {
		return nil
	}
	return d.closeSegment()
}

// ResetInterruptLatch re-arms the interruption signal. Called only when a
// new playback stream starts, so each playback raises at most one interrupt.
func (d *Detector) ResetInterruptLatch() {
	d.interrupted = false
}

// Interrupted reports whether the latch fired for the current playback.
func (d *Detector) Interrupted() bool {
	return d.interrupted
}

// Reset restarts segmentation for a new connection.
func (d *Detector) Reset() {
	cfg := d.cfg
	*d = Detector{cfg: cfg}
}

func (d *Detector) closeSegment() *Segment {
	seg := &Segment{
		StartFrame: d.segStart,
		EndFrame:   d.segEnd,
		Frames:     d.segEnd - d.segStart + 1,
		PeakRMS:    d.segPeak,
	}
	d.inSegment = false
	d.voicedRun = 0
	d.silenceRun = 0
	d.segPeak = 0
	return seg
}
