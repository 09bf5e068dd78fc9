package db

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeedOptions controls SeedDemoData.
type SeedOptions struct {
	Users int
	// Reset clears the queue, preference and attempt tables first.
	Reset bool
	Now   time.Time
	Seed  int64
}

var (
	seedGenders   = []string{"MAN", "WOMAN", "NONBINARY"}
	seedIntents   = []string{"CASUAL", "FRIENDS", "SERIOUS", "NETWORKING"}
	seedInterests = []string{"music", "hiking", "films", "cooking", "travel", "gaming", "art", "running", "books", "yoga"}
	seedLanguages = []string{"en", "es", "fr", "de", "ur", "hi"}
)

// SeedDemoData populates WAITING queue rows and preferences for demo users
// "demo-1".."demo-N" and returns their ids.
//
// Behavior:
//  1. With Reset, clears match_attempts, queue_entries and matching_preferences.
//  2. Each user gets a preferences row (upserted on user_id) and one WAITING row.
//  3. Genders and intents rotate so every intent group has matchable pairs.
//
// Compatible with MySQL, Postgres and SQLite.
func SeedDemoData(ctx context.Context, gdb *gorm.DB, opts SeedOptions, log *slog.Logger) ([]string, error) {
	if opts.Users <= 0 {
		opts.Users = 20
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	if opts.Seed == 0 {
		opts.Seed = opts.Now.UnixNano()
	}
	r := rand.New(rand.NewSource(opts.Seed))
	tx := gdb.WithContext(ctx)

	if opts.Reset {
		for _, model := range []any{&MatchAttempt{}, &QueueEntry{}, &MatchingPreferences{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return nil, fmt.Errorf("failed to clear %T: %w", model, err)
			}
		}
		log.Info("cleared existing data")
	}

	ids := make([]string, 0, opts.Users)
	for i := 1; i <= opts.Users; i++ {
		userID := fmt.Sprintf("demo-%d", i)
		gender := seedGenders[(i-1)%2]
		if i%7 == 0 {
			gender = seedGenders[2]
		}
		intent := seedIntents[((i-1)/2)%len(seedIntents)]
		age := 20 + r.Intn(25)
		lat := 51.5 + (r.Float64()-0.5)*0.4
		lon := -0.12 + (r.Float64()-0.5)*0.4

		prefs := MatchingPreferences{
			UserID:                       userID,
			MinAge:                       18,
			MaxAge:                       50,
			MaxRadiusKm:                  25 + float64(r.Intn(50)),
			PreferredGenders:             preferredFor(gender),
			PreferredInterests:           pick(r, seedInterests, 3),
			PreferredRelationshipIntents: []string{intent},
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(&prefs).Error; err != nil {
			return nil, fmt.Errorf("failed to seed preferences for %s: %w", userID, err)
		}

		// Drop any previous WAITING row so the unique waiting key stays free.
		if err := tx.Model(&QueueEntry{}).
			Where("user_id = ? AND status = ?", userID, StatusWaiting).
			Updates(map[string]any{"status": StatusRemoved, "waiting_key": nil}).Error; err != nil {
			return nil, fmt.Errorf("failed to retire queue row for %s: %w", userID, err)
		}

		key := userID
		entered := opts.Now.Add(-time.Duration(opts.Users-i) * time.Second)
		entry := QueueEntry{
			UserID:     userID,
			WaitingKey: &key,
			Intent:     intent,
			Gender:     gender,
			Age:        &age,
			Lat:        &lat,
			Lon:        &lon,
			Interests:  pick(r, seedInterests, 4),
			Languages:  pick(r, seedLanguages, 2),
			Status:     StatusWaiting,
			EnteredAt:  entered,
			ExpiresAt:  entered.Add(10 * time.Minute),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return nil, fmt.Errorf("failed to seed queue entry for %s: %w", userID, err)
		}
		ids = append(ids, userID)
	}
	log.Info("seeded demo users", "count", len(ids))
	return ids, nil
}

func preferredFor(gender string) []string {
	switch gender {
	case "MAN":
		return []string{"WOMAN"}
	case "WOMAN":
		return []string{"MAN"}
	}
	return nil
}

func pick(r *rand.Rand, from []string, n int) []string {
	idx := r.Perm(len(from))
	out := make([]string, 0, n)
	for _, i := range idx[:min(n, len(from))] {
		out = append(out, from[i])
	}
	return out
}
