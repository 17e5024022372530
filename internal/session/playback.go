package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// playbackBuffer bounds how many outbound payloads may queue per stream.
// The buffer smooths bursts from the upstream; it never grows.
const playbackBuffer = 64

// Playback relays the AI's response audio to the client as a cancelable
// stream. At most one stream is active at a time; starting a new one
// supersedes the previous one.
//
// The session engine is the single writer for stream lifecycle (Start,
// Finish, Cancel, MarkDone); the emitter goroutine only drains.
type Playback struct {
	logger *slog.Logger
	write  func(protocol.ClientMessage) error

	active atomic.Bool

	mu      sync.Mutex
	current *playbackStream
	nextID  int

	done chan int
}

type playbackStream struct {
	id         int
	frames     chan protocol.ClientMessage
	cancel     chan struct{}
	cancelOnce sync.Once
	finishOnce sync.Once

	// finished is guarded by Playback.mu. Once set, no further payloads may
	// enter frames: the channel is closed and the emitter is draining.
	finished bool

	// writeMu fences client writes against cancellation: the emitter holds
	// it across each write, and Cancel acquires it after closing the cancel
	// channel so that when Cancel returns no chunk of this stream can reach
	// the client anymore.
	writeMu sync.Mutex
}

func NewPlayback(write func(protocol.ClientMessage) error, logger *slog.Logger) *Playback {
	return &Playback{
		logger: logger,
		write:  write,
		done:   make(chan int, 4),
	}
}

// Done reports stream IDs whose emitters drained to completion. The engine
// consumes it in its driving loop and acknowledges with MarkDone.
func (p *Playback) Done() <-chan int {
	return p.done
}

// Active reports whether a playback stream is currently flowing.
func (p *Playback) Active() bool {
	return p.active.Load()
}

// Start begins a new playback stream, superseding any active one.
func (p *Playback) Start() int {
	p.cancelCurrent()

	p.mu.Lock()
	p.nextID++
	st := &playbackStream{
		id:     p.nextID,
		frames: make(chan protocol.ClientMessage, playbackBuffer),
		cancel: make(chan struct{}),
	}
	p.current = st
	p.mu.Unlock()

	p.active.Store(true)
	go p.emit(st)
	return st.id
}

// Streaming reports whether the current stream still accepts payloads. False
// once Finish has been called, even while the emitter is draining; new model
// turns arriving in that window start a fresh stream.
func (p *Playback) Streaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && !p.current.finished
}

// Enqueue adds one payload to the current stream and reports whether the
// stream accepted it. A finished or absent stream rejects the payload so the
// caller can deliver it directly; a full buffer drops it with a warning (the
// buffer is the backpressure boundary).
func (p *Playback) Enqueue(msg protocol.ClientMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.current
	if st == nil || st.finished {
		return false
	}
	select {
	case st.frames <- msg:
	default:
		p.logger.Warn("playback buffer full, dropping chunk")
	}
	return true
}

// Finish marks the active stream complete. The emitter drains whatever is
// buffered, then reports on Done.
func (p *Playback) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.current
	if st == nil || st.finished {
		return
	}
	st.finished = true
	st.finishOnce.Do(func() { close(st.frames) })
}

// Cancel stops the active stream immediately, discarding buffered payloads.
// No-op when nothing is active.
func (p *Playback) Cancel() {
	p.cancelCurrent()
}

// MarkDone acknowledges a Done notification. The active flag drops only if
// the finished stream is still the current one, so a superseding Start is
// never undone by its predecessor draining late.
func (p *Playback) MarkDone(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.id == id {
		p.current = nil
		p.active.Store(false)
	}
}

func (p *Playback) cancelCurrent() {
	p.mu.Lock()
	st := p.current
	p.current = nil
	p.mu.Unlock()
	if st == nil {
		return
	}
	st.cancelOnce.Do(func() { close(st.cancel) })
	p.active.Store(false)

	// Wait out any in-flight client write. After this, the caller can write
	// its own message knowing it is ordered after the stream's last chunk.
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
}

func (p *Playback) emit(st *playbackStream) {
	for {
		select {
		case <-st.cancel:
			return
		case msg, ok := <-st.frames:
			if !ok {
				select {
				case p.done <- st.id:
				default:
				}
				return
			}
			// Buffered payloads may still be selectable after cancellation;
			// re-check under the write fence so nothing reaches the client
			// once Cancel has returned.
			st.writeMu.Lock()
			select {
			case <-st.cancel:
				st.writeMu.Unlock()
				return
			default:
			}
			err := p.write(msg)
			st.writeMu.Unlock()
			if err != nil {
				p.logger.Warn("playback write failed", slog.String("error", err.Error()))
				select {
				case p.done <- st.id:
				default:
				}
				return
			}
		}
	}
}
