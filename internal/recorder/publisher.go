package recorder

import (
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-bridge/internal/bus"
	"github.com/loqalabs/loqa-bridge/internal/protocol"
)

// Publisher forwards capture frames from session engines onto the bus.
// Fire-and-forget: the engine logs failures and keeps relaying audio.
type Publisher struct {
	bus *bus.Client
}

func NewPublisher(b *bus.Client) *Publisher {
	return &Publisher{bus: b}
}

func (p *Publisher) Publish(frame protocol.CaptureFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal capture frame: %w", err)
	}
	return p.bus.Conn().Publish(protocol.CaptureSubject(frame.SessionID), data)
}
