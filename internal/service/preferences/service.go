package preferences

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/repository"
	"github.com/oggyb/muzz-live/internal/scoring"
)

// Store owns MatchingPreferences. Normalization always happens here, never at call sites.
type Store struct {
	repo *repository.PreferenceRepository
	log  *slog.Logger
}

// NewStore creates a preference store with dependencies from AppContext.
func NewStore(appCtx *app.AppContext) *Store {
	return &Store{
		repo: repository.NewPreferenceRepository(appCtx.DB),
		log:  appCtx.Logger.With("component", "preferences"),
	}
}

// Upsert normalizes raw and overwrites the user's preferences.
//
// Example:
//
//	store.Upsert(ctx, "u1", map[string]any{"preferredGenders": "Women", "maxDistance": 30})
func (s *Store) Upsert(ctx context.Context, userID string, raw map[string]any) (*db.MatchingPreferences, error) {
	prefs, err := Normalize(userID, raw)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, prefs); err != nil {
		return nil, fmt.Errorf("upsert preferences: %w", err)
	}
	s.log.Debug("preferences stored", "user_id", userID,
		"min_age", prefs.MinAge, "max_age", prefs.MaxAge, "genders", prefs.PreferredGenders)
	return prefs, nil
}

// Get returns the stored preferences or a NotFound error.
func (s *Store) Get(ctx context.Context, userID string) (*db.MatchingPreferences, error) {
	p, err := s.repo.Get(ctx, userID)
	if repository.IsNotFound(err) {
		return nil, svcErr.NotFound("no preferences for user %s", userID)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ForScoring loads preferences for several users. Users who never stored
// any map to nil, which the scoring engine treats as "no constraints".
func (s *Store) ForScoring(ctx context.Context, userIDs []string) (map[string]*scoring.Preferences, error) {
	rows, err := s.repo.GetMany(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*scoring.Preferences, len(userIDs))
	for _, id := range userIDs {
		out[id] = scoring.FromModel(rows[id])
	}
	return out, nil
}
