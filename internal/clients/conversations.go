package clients

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ConversationStore answers who takes part in a conversation.
type ConversationStore interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// MessageService persists chat messages.
type MessageService interface {
	Send(ctx context.Context, msg OutgoingMessage) (*StoredMessage, error)
}

// OutgoingMessage is a message as sent by a socket client.
type OutgoingMessage struct {
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// StoredMessage is the message service's record of a persisted message.
type StoredMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HTTPConversationStore reads conversations over REST.
type HTTPConversationStore struct {
	baseClient
}

func NewConversationStore(baseURL string, httpClient *http.Client, log *slog.Logger) *HTTPConversationStore {
	return &HTTPConversationStore{baseClient: newBaseClient("conversation_store", baseURL, httpClient, log)}
}

// Participants returns the user ids of a conversation. Unknown conversations
// fail with the NotFound kind.
func (s *HTTPConversationStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	var env struct {
		Data struct {
			Conversation struct {
				ID           string   `json:"id"`
				Participants []string `json:"participants"`
			} `json:"conversation"`
		} `json:"data"`
	}
	header := http.Header{"X-Internal-Request": []string{"true"}}
	if err := s.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), header, nil, &env); err != nil {
		return nil, err
	}
	return env.Data.Conversation.Participants, nil
}

// HTTPMessageService persists messages over REST.
type HTTPMessageService struct {
	baseClient
}

func NewMessageService(baseURL string, httpClient *http.Client, log *slog.Logger) *HTTPMessageService {
	return &HTTPMessageService{baseClient: newBaseClient("message_service", baseURL, httpClient, log)}
}

// Send persists msg and returns the stored record.
func (s *HTTPMessageService) Send(ctx context.Context, msg OutgoingMessage) (*StoredMessage, error) {
	var env struct {
		Data struct {
			Message StoredMessage `json:"message"`
		} `json:"data"`
	}
	header := http.Header{
		"X-Internal-Request": []string{"true"},
		"X-User-Id":          []string{msg.SenderID},
	}
	path := "/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	if err := s.do(ctx, http.MethodPost, path, header, msg, &env); err != nil {
		return nil, err
	}
	stored := env.Data.Message
	if stored.ConversationID == "" {
		stored.ConversationID = msg.ConversationID
	}
	if stored.SenderID == "" {
		stored.SenderID = msg.SenderID
	}
	return &stored, nil
}
