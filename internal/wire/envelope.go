package wire

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType tags the operation an envelope carries.
type EnvelopeType string

const (
	TypeJoin         EnvelopeType = "join"
	TypeChat         EnvelopeType = "chat"
	TypeReact        EnvelopeType = "react"
	TypeUpdateStatus EnvelopeType = "update-status"
)

// JoinPayload announces the rooms a user wants events for.
type JoinPayload struct {
	RoomIDs  []string `json:"roomIds"`
	SenderID int      `json:"senderId"`
}

// JoinResult is the transport's acknowledgment of a join.
type JoinResult struct {
	RoomIDs       []string `json:"roomIds"`
	ParticipantID int      `json:"participantId"`
}

// ReactPayload toggles a reaction on a message.
type ReactPayload struct {
	ID      string  `json:"id"`
	RoomID  string  `json:"roomId"`
	Emoji   string  `json:"emoji"`
	Reactor Reactor `json:"reactor"`
}

// StatusPayload updates the delivery status of a message. For
// "retry-successful" the server rewrites CreatedAt to the actual send time.
type StatusPayload struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	SenderID  int    `json:"senderId"`
	CreatedAt int64  `json:"createdAt"`
	Status    Status `json:"status"`
}

// Envelope is the tagged union sent and received over the duplex channel.
// Exactly one payload field is set, matching Type.
type Envelope struct {
	Type   EnvelopeType
	Join   *JoinPayload
	Chat   *Message
	React  *ReactPayload
	Status *StatusPayload
}

// TrackingKey returns the retry-tracking identity of a queued envelope,
// composed of the payload id and the envelope type.
func (e *Envelope) TrackingKey() string {
	var id string
	switch e.Type {
	case TypeChat:
		id = e.Chat.ID
	case TypeReact:
		id = e.React.ID
	case TypeUpdateStatus:
		id = e.Status.ID
	}
	return fmt.Sprintf("%s--%s", id, e.Type)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := Envelope{Type: e.Type}
	if e.Join != nil {
		j := *e.Join
		j.RoomIDs = append([]string(nil), e.Join.RoomIDs...)
		c.Join = &j
	}
	c.Chat = e.Chat.Clone()
	if e.React != nil {
		r := *e.React
		c.React = &r
	}
	if e.Status != nil {
		s := *e.Status
		c.Status = &s
	}
	return &c
}

type rawEnvelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the envelope as {"type": ..., "payload": ...}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case TypeJoin:
		payload = e.Join
	case TypeChat:
		payload = e.Chat
	case TypeReact:
		payload = e.React
	case TypeUpdateStatus:
		payload = e.Status
	default:
		return nil, fmt.Errorf("marshal envelope: unknown type %q", e.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawEnvelope{Type: e.Type, Payload: raw})
}

// UnmarshalJSON decodes a tagged envelope, rejecting unknown types.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	*e = Envelope{Type: raw.Type}
	var payload any
	switch raw.Type {
	case TypeJoin:
		e.Join = new(JoinPayload)
		payload = e.Join
	case TypeChat:
		e.Chat = new(Message)
		payload = e.Chat
	case TypeReact:
		e.React = new(ReactPayload)
		payload = e.React
	case TypeUpdateStatus:
		e.Status = new(StatusPayload)
		payload = e.Status
	default:
		return fmt.Errorf("unmarshal envelope: unknown type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", raw.Type, err)
	}
	return nil
}

// ChatEnvelope wraps a message in a chat envelope.
func ChatEnvelope(msg *Message) Envelope {
	return Envelope{Type: TypeChat, Chat: msg}
}

// ReactEnvelope wraps a reaction toggle in a react envelope.
func ReactEnvelope(p ReactPayload) Envelope {
	return Envelope{Type: TypeReact, React: &p}
}

// StatusEnvelope wraps a status update in an update-status envelope.
func StatusEnvelope(p StatusPayload) Envelope {
	return Envelope{Type: TypeUpdateStatus, Status: &p}
}
