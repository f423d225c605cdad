package push

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	// TypeCommit announces a committed change so connected devices can
	// refresh their board or start a sync round.
	TypeCommit MessageType = "commit"
	// TypeReview announces a merge that needs clinician sign-off.
	TypeReview MessageType = "review"
	TypePing   MessageType = "ping"
	TypePong   MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type CommitPayload struct {
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	Origin     string `json:"origin"`
	Op         string `json:"op"`
	Local      bool   `json:"local"`
}

type ReviewPayload struct {
	RecordType string   `json:"record_type"`
	RecordID   string   `json:"record_id"`
	Fields     []string `json:"fields"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
