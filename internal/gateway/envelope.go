// Package gateway is the real-time socket gateway: per-user and conversation
// rooms, pair fan-out, chat relay, call signaling and the heart and video
// consent machines. Sockets reach the hub through a Transport so the hub can
// be driven without a network in tests.
package gateway

import "time"

// Envelope is the single argument of every emitted event.
type Envelope struct {
	Event string    `json:"event"`
	Data  any       `json:"data"`
	TS    time.Time `json:"ts"`
}

// Transport delivers events to individual sockets. Implementations must be
// safe for concurrent use.
type Transport interface {
	Emit(socketID, event string, env Envelope)
}

// Client events handled by the hub.
const (
	EvJoinConversation  = "join_conversation"
	EvLeaveConversation = "leave_conversation"
	EvTypingStart       = "typing_start"
	EvTypingStop        = "typing_stop"
	EvSendMessage       = "send_message"
	EvCallRequest       = "call:request"
	EvCallResponse      = "call:response"
	EvCallJoin          = "call:join"
	EvHeartRequest      = "heart:request"
	EvHeartAccept       = "heart:accept"
	EvHeartDecline      = "heart:decline"
	EvVideoRequest      = "video:request"
	EvVideoAccept       = "video:accept"
	EvVideoDecline      = "video:decline"
	EvVideoCancel       = "video:cancel"
	EvWebRTCOffer       = "webrtc:offer"
	EvWebRTCAnswer      = "webrtc:answer"
	EvWebRTCICE         = "webrtc:ice"
	EvMatchUnmatch      = "match:unmatch"
	EvMatchSkip         = "match:skip"
	EvPrivacy           = "settings:privacy"
)

// Server events emitted by the hub.
const (
	OutError              = "error"
	OutUserOnline         = "user:online"
	OutUserOffline        = "user:offline"
	OutMatchFound         = "match:found"
	OutMatchSkipped       = "match:skipped"
	OutMatchUnmatched     = "match:unmatched"
	OutCallEnded          = "call:ended"
	OutConversationJoined = "conversation:joined"
	OutConversationLeft   = "conversation:left"
	OutTypingStart        = "typing:start"
	OutTypingStop         = "typing:stop"
	OutMessageReceived    = "message:received"
	OutMessageSent        = "message:sent"
	OutCallIncoming       = "call:incoming"
	OutCallPending        = "call:pending"
	OutCallAccepted       = "call:accepted"
	OutCallDeclined       = "call:declined"
	OutCallIgnored        = "call:ignored"
	OutCallJoined         = "call:joined"
	OutHeartIncoming      = "heart:incoming"
	OutHeartPending       = "heart:pending"
	OutHeartAccepted      = "heart:accepted"
	OutHeartDeclined      = "heart:declined"
	OutHeartExpired       = "heart:expired"
	OutHeartCancelled     = "heart:cancelled"
	OutVideoIncoming      = "video:incoming"
	OutVideoPending       = "video:pending"
	OutVideoAccepted      = "video:accepted"
	OutVideoDeclined      = "video:declined"
	OutVideoCancelled     = "video:cancelled"
	OutSettingsUpdated    = "settings:updated"
)

// ClientEvents lists every event a socket may send.
var ClientEvents = []string{
	EvJoinConversation, EvLeaveConversation, EvTypingStart, EvTypingStop, EvSendMessage,
	EvCallRequest, EvCallResponse, EvCallJoin,
	EvHeartRequest, EvHeartAccept, EvHeartDecline,
	EvVideoRequest, EvVideoAccept, EvVideoDecline, EvVideoCancel,
	EvWebRTCOffer, EvWebRTCAnswer, EvWebRTCICE,
	EvMatchUnmatch, EvMatchSkip, EvPrivacy,
}

func userRoom(userID string) string         { return "user:" + userID }
func conversationRoom(convID string) string { return "conversation:" + convID }
func callRoom(id string) string             { return "room:" + id }

const presenceRoom = "presence"
