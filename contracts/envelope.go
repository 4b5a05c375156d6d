package contracts

import (
	"encoding/json"
	"time"
)

// CommandApplicationMessage is the reserved command code for plain
// application messages. Envelopes carrying any other code are control
// commands whose meaning is defined by the application protocol.
const CommandApplicationMessage = 0

// Envelope wraps message bodies for transport between endpoints
type Envelope struct {
	ID         string          `json:"id"`
	Command    int             `json:"command"`
	Descriptor string          `json:"descriptor"`
	Timestamp  string          `json:"timestamp"`
	ReplyTo    string          `json:"replyTo,omitempty"`
	TimeToLive time.Duration   `json:"timeToLive,omitempty"`
	Durable    bool            `json:"durable"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// IsControlCommand reports whether the envelope carries a command code
// other than CommandApplicationMessage.
func (e *Envelope) IsControlCommand() bool {
	return e.Command != CommandApplicationMessage
}

// HasBody reports whether the envelope carries a non-empty payload.
func (e *Envelope) HasBody() bool {
	return e != nil && len(e.Body) > 0
}

// ReplyURI parses the envelope's reply-to address. It returns false when
// the envelope carries no reply-to.
func (e *Envelope) ReplyURI() (EndpointURI, bool, error) {
	if e.ReplyTo == "" {
		return EndpointURI{}, false, nil
	}
	uri, err := ParseEndpointURI(e.ReplyTo)
	if err != nil {
		return EndpointURI{}, false, err
	}
	return uri, true, nil
}
