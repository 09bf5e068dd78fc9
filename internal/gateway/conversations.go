package gateway

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/oggyb/muzz-live/internal/clients"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/eventbus"
)

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

type messageRequest struct {
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// onJoinConversation admits members. Ids the conversation store does not
// know are taken to be session ids and admitted; the message service still
// authorizes every write.
func (h *Hub) onJoinConversation(ctx context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[conversationRequest](raw)
	if err != nil {
		return err
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		return svcErr.Validation("conversation_id is required")
	}

	if h.convs != nil {
		members, err := h.convs.Participants(ctx, convID)
		switch {
		case svcErr.IsKind(err, svcErr.KindNotFound):
			h.log.Debug("conversation unknown, admitting", "conversation_id", convID, "user_id", sock.userID)
		case err != nil:
			return err
		case !slices.Contains(members, sock.userID):
			return svcErr.Forbidden("user %s is not a participant of %s", sock.userID, convID)
		}
	}

	h.join(sock, conversationRoom(convID))
	h.emitSocket(sock.id, OutConversationJoined, map[string]any{"conversation_id": convID})
	return nil
}

func (h *Hub) onLeaveConversation(_ context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[conversationRequest](raw)
	if err != nil {
		return err
	}
	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		return svcErr.Validation("conversation_id is required")
	}
	h.leave(sock, conversationRoom(convID))
	h.mu.Lock()
	if u, ok := h.conns[sock.userID]; ok && u.typingRoom == convID {
		u.typingRoom = ""
	}
	h.mu.Unlock()
	h.emitSocket(sock.id, OutConversationLeft, map[string]any{"conversation_id": convID})
	return nil
}

func (h *Hub) onTyping(event string) eventHandler {
	return func(_ context.Context, sock *socketState, raw json.RawMessage) error {
		req, err := decode[conversationRequest](raw)
		if err != nil {
			return err
		}
		convID := firstNonEmpty(req.ConversationID, req.SessionID)
		if convID == "" {
			return svcErr.Validation("conversation_id or session_id is required")
		}

		h.mu.Lock()
		if u, ok := h.conns[sock.userID]; ok {
			if event == OutTypingStart {
				u.typingRoom = convID
			} else if u.typingRoom == convID {
				u.typingRoom = ""
			}
		}
		h.mu.Unlock()

		h.emitRoom(conversationRoom(convID), event, map[string]any{
			"conversation_id": convID,
			"user_id":         sock.userID,
		}, sock.id)
		return nil
	}
}

// onSendMessage persists, then relays.
//
// Behavior:
//   - messages of one conversation are persisted and relayed one at a time
//   - message:received goes to the room minus the sending socket, message:sent to the sender
//   - message.push carries the sender's name and never the body
func (h *Hub) onSendMessage(ctx context.Context, sock *socketState, raw json.RawMessage) error {
	req, err := decode[messageRequest](raw)
	if err != nil {
		return err
	}
	convID := strings.TrimSpace(req.ConversationID)
	content := strings.TrimSpace(req.Content)
	kind := strings.ToLower(strings.TrimSpace(req.Type))
	if kind == "" {
		kind = "text"
	}
	switch {
	case convID == "":
		return svcErr.Validation("conversation_id is required")
	case content == "":
		return svcErr.Validation("content is required")
	case h.msgs == nil:
		return svcErr.Fatal("message service is not configured", nil)
	}

	lock := h.conversationLock(convID)
	lock.Lock()
	stored, err := h.msgs.Send(ctx, clients.OutgoingMessage{
		ConversationID: convID,
		SenderID:       sock.userID,
		Content:        content,
		Type:           kind,
		Metadata:       req.Metadata,
	})
	if err != nil {
		lock.Unlock()
		return err
	}
	h.emitRoom(conversationRoom(convID), OutMessageReceived, stored, sock.id)
	h.emitSocket(sock.id, OutMessageSent, stored)
	lock.Unlock()

	h.push(context.WithoutCancel(ctx), convID, sock.userID)
	return nil
}

func (h *Hub) push(ctx context.Context, convID, senderID string) {
	if h.bus == nil {
		return
	}
	var recipients []string
	if h.convs != nil {
		if members, err := h.convs.Participants(ctx, convID); err == nil {
			recipients = members
		}
	}
	if recipients == nil {
		recipients = h.roomUsers(conversationRoom(convID))
	}
	recipients = slices.DeleteFunc(slices.Clone(recipients), func(id string) bool { return id == senderID })
	if len(recipients) == 0 {
		return
	}

	name := fallbackName
	if p, err := h.profile(ctx, senderID); err == nil && p.Name != "" {
		name = p.Name
	}
	err := h.bus.Publish(ctx, eventbus.TopicMessagePush, eventbus.MessagePush{
		ConversationID: convID,
		SenderID:       senderID,
		SenderName:     name,
		RecipientIDs:   recipients,
		TS:             h.clock.Now(),
	})
	if err != nil {
		h.log.Warn("publish message.push failed", "conversation_id", convID, "error", err)
	}
}
