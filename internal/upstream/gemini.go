package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/loqalabs/loqa-bridge/internal/config"
)

// geminiDialer opens Gemini Live sessions through google.golang.org/genai.
type geminiDialer struct {
	client *genai.Client
	cfg    config.UpstreamConfig
}

// NewGeminiDialer builds a dialer backed by the Gemini Live API.
func NewGeminiDialer(ctx context.Context, cfg config.UpstreamConfig) (Dialer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &geminiDialer{client: client, cfg: cfg}, nil
}

func (d *geminiDialer) Dial(ctx context.Context, prompt PromptConfig) (Session, error) {
	model := prompt.Model
	if model == "" {
		model = d.cfg.Model
	}
	voice := prompt.Voice
	if voice == "" {
		voice = d.cfg.Voice
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if prompt.SystemPrompt != "" {
		connectCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: prompt.SystemPrompt}},
		}
	}
	if voice != "" {
		connectCfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := time.Duration(d.cfg.ConnectTimeout) * time.Millisecond
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	live, err := d.client.Live.Connect(dialCtx, model, connectCfg)
	if err != nil {
		return nil, fmt.Errorf("connect gemini live: %w: %v", ErrUnavailable, err)
	}

	s := &geminiSession{
		live:       live,
		sampleRate: prompt.InputSampleRate,
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
	}
	// Opened must be the first event out; queue it before the receive loop
	// can forward a fast first server message.
	s.emit(Event{Type: EventOpened})
	go s.receiveLoop()
	return s, nil
}

const eventBuffer = 32

type geminiSession struct {
	live       *genai.Session
	sampleRate int

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once

	events chan Event
	done   chan struct{}
}

func (s *geminiSession) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	mime := fmt.Sprintf("audio/pcm;rate=%d", s.sampleRate)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: pcm, MIMEType: mime},
	}); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (s *geminiSession) SendText(text string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.live.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		}},
	}); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (s *geminiSession) Events() <-chan Event {
	return s.events
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.live.Close()
	})
	return nil
}

func (s *geminiSession) receiveLoop() {
	defer close(s.events)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.closed.Load() {
				s.emit(Event{Type: EventClosed, Reason: "session closed"})
				return
			}
			s.emit(Event{Type: EventError, Err: err})
			s.emit(Event{Type: EventClosed, Reason: err.Error()})
			return
		}
		if converted := convertServerMessage(msg); converted != nil {
			s.emit(Event{Type: EventMessage, Message: converted})
		}
	}
}

// emit preserves delivery order; it blocks until the engine consumes the
// event or the session is torn down.
func (s *geminiSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func convertServerMessage(msg *genai.LiveServerMessage) *ServerMessage {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	out := &ServerMessage{ServerContent: &ServerContent{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}}
	if sc.ModelTurn != nil {
		turn := &ModelTurn{}
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			part := Part{Text: p.Text}
			if p.InlineData != nil {
				part.InlineData = &Blob{
					Data:     p.InlineData.Data,
					MIMEType: p.InlineData.MIMEType,
				}
			}
			turn.Parts = append(turn.Parts, part)
		}
		out.ServerContent.ModelTurn = turn
	}
	return out
}
