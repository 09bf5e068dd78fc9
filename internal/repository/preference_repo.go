package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/muzz-live/internal/db"
)

// PreferenceRepository persists MatchingPreferences rows.
type PreferenceRepository struct {
	db *gorm.DB
}

// NewPreferenceRepository creates a new repository bound to the given DB connection.
func NewPreferenceRepository(database *gorm.DB) *PreferenceRepository {
	return &PreferenceRepository{db: database}
}

// Upsert inserts or overwrites the user's preferences.
//
// Behavior:
//   - If user_id exists → every column except created_at is replaced.
//   - If it doesn’t exist → a new row is inserted.
//   - Latest write wins; there is no merge.
//
// Example:
//
//	repo.Upsert(ctx, &db.MatchingPreferences{UserID: "u1", MinAge: 25, MaxAge: 35})
func (r *PreferenceRepository) Upsert(ctx context.Context, prefs *db.MatchingPreferences) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"min_age", "max_age", "max_radius_km",
				"preferred_genders", "preferred_interests", "preferred_relationship_intents",
				"preferred_ethnicities", "family_plans", "religion", "education",
				"political_views", "exercise", "smoking", "drinking", "updated_at",
			}),
		}).
		Create(prefs).Error
}

// Get returns the user's preferences or gorm.ErrRecordNotFound.
func (r *PreferenceRepository) Get(ctx context.Context, userID string) (*db.MatchingPreferences, error) {
	var p db.MatchingPreferences
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetMany loads preferences for several users at once, keyed by user id.
// Users without a row are simply absent from the map.
func (r *PreferenceRepository) GetMany(ctx context.Context, userIDs []string) (map[string]*db.MatchingPreferences, error) {
	out := make(map[string]*db.MatchingPreferences, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []db.MatchingPreferences
	if err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].UserID] = &rows[i]
	}
	return out, nil
}
