package db

import (
	"time"

	"gorm.io/datatypes"
)

// Queue entry statuses.
const (
	StatusWaiting = "WAITING"
	StatusMatched = "MATCHED"
	StatusRemoved = "REMOVED"
	StatusExpired = "EXPIRED"
)

// Match attempt statuses. Only PROPOSED is non-terminal.
const (
	AttemptProposed = "PROPOSED"
	AttemptAccepted = "ACCEPTED"
	AttemptRejected = "REJECTED"
	AttemptExpired  = "EXPIRED"
)

// Match attempt sources.
const (
	SourceQueue      = "QUEUE"
	SourceSuggestion = "SUGGESTION"
)

// QueueEntry is one row per waiting (or formerly waiting) user.
//
// WaitingKey holds the user id while Status = WAITING and NULL otherwise.
// Its unique index enforces at most one WAITING row per user on every
// supported dialect (NULLs never collide).
//
// Indexes:
//   - idx_queue_status_intent_entered(status, intent, entered_at)
//     Serves batch dequeue and same-intent peer lookups.
//   - idx_queue_status_expires(status, expires_at)
//     Serves the expiry sweeper.
type QueueEntry struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement"`
	UserID        string  `gorm:"size:64;not null;index"`
	WaitingKey    *string `gorm:"size:64;uniqueIndex:idx_queue_waiting_user"`
	Intent        string  `gorm:"size:16;not null;index:idx_queue_status_intent_entered,priority:2"`
	Gender        string  `gorm:"size:16;not null"`
	Age           *int
	Lat           *float64
	Lon           *float64
	Interests     datatypes.JSONSlice[string]
	Languages     datatypes.JSONSlice[string]
	Ethnicity     *string   `gorm:"size:64"`
	Status        string    `gorm:"size:16;not null;index:idx_queue_status_intent_entered,priority:1;index:idx_queue_status_expires,priority:1"`
	EnteredAt     time.Time `gorm:"not null;index:idx_queue_status_intent_entered,priority:3"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_queue_status_expires,priority:2"`
	Attempts      int       `gorm:"not null;default:0"`
	LastAttemptAt *time.Time
	Priority      int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// MatchingPreferences is one row per user; upsert-only, latest write wins.
type MatchingPreferences struct {
	UserID                       string                      `gorm:"primaryKey;size:64" json:"user_id"`
	MinAge                       int                         `gorm:"not null;default:18" json:"min_age"`
	MaxAge                       int                         `gorm:"not null;default:65" json:"max_age"`
	MaxRadiusKm                  float64                     `gorm:"not null;default:50" json:"max_radius_km"`
	PreferredGenders             datatypes.JSONSlice[string] `json:"preferred_genders"`
	PreferredInterests           datatypes.JSONSlice[string] `json:"preferred_interests"`
	PreferredRelationshipIntents datatypes.JSONSlice[string] `json:"preferred_relationship_intents"`
	PreferredEthnicities         datatypes.JSONSlice[string] `json:"preferred_ethnicities"`
	FamilyPlans                  datatypes.JSONSlice[string] `json:"family_plans"`
	Religion                     datatypes.JSONSlice[string] `json:"religion"`
	Education                    datatypes.JSONSlice[string] `json:"education"`
	PoliticalViews               datatypes.JSONSlice[string] `json:"political_views"`
	Exercise                     datatypes.JSONSlice[string] `json:"exercise"`
	Smoking                      datatypes.JSONSlice[string] `json:"smoking"`
	Drinking                     datatypes.JSONSlice[string] `json:"drinking"`
	CreatedAt                    time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                    time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

// MatchAttempt is one row per scored pairing decision.
//
// PairKey is the sorted "a|b" form of the two user ids. OpenPairKey equals
// PairKey while the attempt is PROPOSED and NULL once terminal, so the
// unique index allows at most one open attempt per unordered pair while
// terminal rows may recur.
type MatchAttempt struct {
	ID                      string  `gorm:"primaryKey;size:36"`
	User1ID                 string  `gorm:"size:64;not null;index"`
	User2ID                 string  `gorm:"size:64;not null;index"`
	PairKey                 string  `gorm:"size:130;not null;index"`
	OpenPairKey             *string `gorm:"size:130;uniqueIndex:idx_attempt_open_pair"`
	Source                  string  `gorm:"size:16;not null;default:QUEUE"`
	SessionID               *string `gorm:"size:64;index"`
	RoomID                  *string `gorm:"size:64"`
	TotalScore              float64 `gorm:"not null"`
	AgeScore                float64 `gorm:"not null"`
	LocationScore           float64 `gorm:"not null"`
	InterestScore           float64 `gorm:"not null"`
	LanguageScore           float64 `gorm:"not null"`
	EthnicityScore          float64 `gorm:"not null"`
	GenderCompatScore       float64 `gorm:"not null"`
	RelationshipIntentScore float64 `gorm:"not null"`
	FamilyPlansScore        float64 `gorm:"not null"`
	ReligionScore           float64 `gorm:"not null"`
	EducationScore          float64 `gorm:"not null"`
	PoliticalScore          float64 `gorm:"not null"`
	LifestyleScore          float64 `gorm:"not null"`
	PremiumBonus            float64 `gorm:"not null"`
	Status                  string  `gorm:"size:16;not null;index"`
	AlgorithmVersion        string  `gorm:"size:16;not null"`
	AcceptedAt              *time.Time
	EndedAt                 *time.Time
	CreatedAt               time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime;index"`
}

// Partner returns the other participant, or "" if userID is not in the attempt.
func (a *MatchAttempt) Partner(userID string) string {
	switch userID {
	case a.User1ID:
		return a.User2ID
	case a.User2ID:
		return a.User1ID
	}
	return ""
}

// PairKey is the order-independent key of two user ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Live reports whether the attempt still backs an ongoing call.
func (a *MatchAttempt) Live() bool {
	return a.SessionID != nil && a.EndedAt == nil &&
		(a.Status == AttemptProposed || a.Status == AttemptAccepted)
}

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{&QueueEntry{}, &MatchingPreferences{}, &MatchAttempt{}}
}
