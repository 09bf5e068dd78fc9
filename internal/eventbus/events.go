// Package eventbus carries pairing and consent events between the
// matchmaker and the gateway. Delivery is at-least-once; consumers
// deduplicate on session_id.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topics.
const (
	TopicPairFormed    = "pair.formed"
	TopicMatchAccepted = "match.accepted"
	TopicCallEnded     = "call.ended"
	TopicMessagePush   = "message.push"
)

// Call-ended reasons.
const (
	ReasonSkipped       = "skipped"
	ReasonEnded         = "ended"
	ReasonPublishFailed = "publish_failed"
	ReasonReconciled    = "reconciled"
)

// Envelope is the wire form of every event.
type Envelope struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
	TS    time.Time       `json:"ts"`
}

// PairFormed announces a pair with a live session.
type PairFormed struct {
	U1        string    `json:"u1"`
	U2        string    `json:"u2"`
	SessionID string    `json:"session_id"`
	RoomID    string    `json:"room_id"`
	Score     float64   `json:"score"`
	TS        time.Time `json:"ts"`
}

// MatchAccepted announces mutual consent. SessionID is empty for suggestion matches.
type MatchAccepted struct {
	U1        string    `json:"u1"`
	U2        string    `json:"u2"`
	RoomID    string    `json:"room_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TS        time.Time `json:"ts"`
}

// CallEnded is emitted by whoever ends a session.
type CallEnded struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	U1        string    `json:"u1,omitempty"`
	U2        string    `json:"u2,omitempty"`
	EndedBy   string    `json:"ended_by,omitempty"`
	TS        time.Time `json:"ts"`
}

// MessagePush feeds the notification service. It never carries the message body.
type MessagePush struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	RecipientIDs   []string  `json:"recipient_ids"`
	TS             time.Time `json:"ts"`
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", env.Topic, err)
	}
	return out, nil
}
