package protocol

// ClientMessage is the JSON text frame sent to the browser client.
type ClientMessage struct {
	Type string `json:"type"` // status, gemini, error
	Data any    `json:"data"`
}

const (
	TypeStatus = "status"
	TypeGemini = "gemini"
	TypeError  = "error"
)

func Status(text string) ClientMessage {
	return ClientMessage{Type: TypeStatus, Data: text}
}

func Error(text string) ClientMessage {
	return ClientMessage{Type: TypeError, Data: text}
}

func Gemini(payload any) ClientMessage {
	return ClientMessage{Type: TypeGemini, Data: payload}
}

// WebSocket close codes used by the session engine.
const (
	CloseMissingSession = 1008 // policy violation: no usable agent parameter
	CloseUpstreamFailed = 1011 // internal error: upstream session could not be established
)

// CaptureFrame carries client PCM audio to the recorder over the bus.
// PCM is raw little-endian 16-bit mono; encoding/json base64s it on the wire.
type CaptureFrame struct {
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

const (
	SubjectCapturePrefix = "bridge.capture"
)

// CaptureSubject returns the per-session capture subject.
func CaptureSubject(sessionID string) string {
	return SubjectCapturePrefix + "." + sessionID
}
