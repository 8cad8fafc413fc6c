package causal

import (
	"time"

	"taskmesh/internal/clock"
)

type Class string

const (
	ClassNormal    Class = "normal"
	ClassEmergency Class = "emergency"
)

const (
	PriorityNormal    = 1
	PriorityEmergency = 5
)

// Weight maps a message class to its scheduling priority.
func (c Class) Weight() int {
	if c == ClassEmergency {
		return PriorityEmergency
	}
	return PriorityNormal
}

// Message is an immutable envelope: payload plus the causal context it was
// sent in. The clock snapshot is taken at send time and never changes.
type Message struct {
	Sender   string           `json:"sender"`
	Payload  string           `json:"payload"`
	Clock    map[string]int64 `json:"clock"`
	Class    Class            `json:"class"`
	Priority int              `json:"priority"`
}

// NewMessage builds an envelope around the sender's current clock value.
func NewMessage(clk *clock.Clock, payload string, class Class) Message {
	return Message{
		Sender:   clk.OwnerID(),
		Payload:  payload,
		Clock:    clk.Snapshot(),
		Class:    class,
		Priority: class.Weight(),
	}
}

// senderCounter is the sender's own logical timestamp inside the envelope,
// used as the tie-breaker among equal-priority deliverables.
func (m Message) senderCounter() int64 {
	return m.Clock[m.Sender]
}

type pending struct {
	msg        Message
	receivedAt time.Time
}
