// Package upstream wraps the connection to the remote conversational AI.
// The session engine consumes it as an ordered event stream, independent of
// transport detail.
package upstream

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks a connection or auth failure while opening the
// upstream session. Fatal for the session; no retry happens here.
var ErrUnavailable = errors.New("upstream unavailable")

// ErrClosed is returned by sends after the session has been closed.
var ErrClosed = errors.New("upstream session closed")

// PromptConfig seeds one upstream session.
type PromptConfig struct {
	SystemPrompt    string
	Voice           string
	Model           string
	Greeting        string
	SpeakFirst      bool
	InputSampleRate int
}

// EventType discriminates inbound upstream events.
type EventType int

const (
	EventOpened EventType = iota
	EventMessage
	EventError
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one inbound upstream notification. Events arrive on a single
// ordered channel so the session engine can forward them in delivery order.
type Event struct {
	Type    EventType
	Message *ServerMessage
	Err     error
	Reason  string
}

// ServerMessage mirrors the upstream wire shape so payloads can be forwarded
// to the client verbatim.
type ServerMessage struct {
	ServerContent *ServerContent `json:"serverContent,omitempty"`
}

type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
}

type ModelTurn struct {
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob holds one outbound audio chunk. Data is raw PCM; encoding/json
// base64-encodes it at the transport boundary.
type Blob struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// AudioParts returns the audio chunks of a model turn, if any.
func (m *ServerMessage) AudioParts() []*Blob {
	if m == nil || m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return nil
	}
	var blobs []*Blob
	for _, p := range m.ServerContent.ModelTurn.Parts {
		if p.InlineData != nil && len(p.InlineData.Data) > 0 {
			blobs = append(blobs, p.InlineData)
		}
	}
	return blobs
}

// Interrupted synthesizes the barge-in marker the engine sends when it
// cancels playback itself.
func Interrupted() *ServerMessage {
	return &ServerMessage{ServerContent: &ServerContent{Interrupted: true}}
}

// Session is one exclusive upstream conversation.
type Session interface {
	// SendAudio forwards one PCM frame. Fire-and-forget for the caller;
	// the implementation preserves frame order.
	SendAudio(pcm []byte) error
	// SendText seeds an "AI speaks first" turn. Used at most once per session.
	SendText(text string) error
	// Events yields inbound events in delivery order. The channel closes
	// when the session ends.
	Events() <-chan Event
	// Close tears the session down. Idempotent; safe from multiple error
	// paths.
	Close() error
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg PromptConfig) (Session, error)
}
