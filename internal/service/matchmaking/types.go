package matchmaking

import (
	"time"

	"github.com/oggyb/muzz-live/internal/scoring"
)

// Queue status values reported by Status.
const (
	StatusInCall     = "IN_CALL"
	StatusNotInQueue = "NOT_IN_QUEUE"
	StatusError      = "ERROR"
)

// JoinRequest is the body of POST /queue/join.
type JoinRequest struct {
	UserID      string         `json:"user_id"`
	Intent      string         `json:"intent"`
	Gender      string         `json:"gender"`
	Age         *int           `json:"age,omitempty"`
	Lat         *float64       `json:"lat,omitempty"`
	Lon         *float64       `json:"lon,omitempty"`
	Interests   []string       `json:"interests,omitempty"`
	Languages   []string       `json:"languages,omitempty"`
	Ethnicity   *string        `json:"ethnicity,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// QueueStatus is always well formed: UserID is set even when the lookup failed.
type QueueStatus struct {
	UserID    string     `json:"userId"`
	InQueue   bool       `json:"in_queue"`
	Status    string     `json:"status"`
	Position  int64      `json:"position,omitempty"`
	Total     int64      `json:"total"`
	EnteredAt *time.Time `json:"entered_at,omitempty"`
	Attempts  int        `json:"attempts"`
	Intent    string     `json:"intent,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Stats is the body of GET /queue/stats.
type Stats struct {
	Waiting    int64            `json:"waiting"`
	ByIntent   map[string]int64 `json:"by_intent"`
	ByGender   map[string]int64 `json:"by_gender"`
	Matches24h int64            `json:"matches_24h"`
}

// CallResult describes a call that was ended by Skip or End.
type CallResult struct {
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
	Requeued  bool   `json:"requeued"`
}

// DiscoverRequest is the body of POST /discover.
type DiscoverRequest struct {
	UserID      string         `json:"user_id"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	MinCompat   *float64       `json:"min_compat,omitempty"`
}

// DiscoverProfile is one scored candidate.
type DiscoverProfile struct {
	UserID string             `json:"user_id"`
	Intent string             `json:"intent"`
	Gender string             `json:"gender"`
	Age    *int               `json:"age,omitempty"`
	Score  scoring.MatchScore `json:"score"`
}

// DiscoverResult is the body returned by POST /discover.
type DiscoverResult struct {
	Profiles        []DiscoverProfile `json:"profiles"`
	TotalCandidates int               `json:"total_candidates"`
}

// SuggestionResult is the outcome of CreateFromSuggestion.
type SuggestionResult struct {
	AttemptID  string  `json:"attempt_id"`
	Status     string  `json:"status"`
	TotalScore float64 `json:"total_score"`
	Mutual     bool    `json:"mutual"`
}

// Match is one accepted attempt in a user's history.
type Match struct {
	AttemptID  string    `json:"attempt_id"`
	PartnerID  string    `json:"partner_id"`
	Source     string    `json:"source"`
	SessionID  *string   `json:"session_id,omitempty"`
	TotalScore float64   `json:"total_score"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// MatchPage is a page of ListMatches.
type MatchPage struct {
	Matches    []Match `json:"matches"`
	NextCursor *string `json:"next_cursor,omitempty"`
}
