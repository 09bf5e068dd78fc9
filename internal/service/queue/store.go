// Package queue is the two-tier queue store: the relational row is the system
// of record and a Redis ordered set (score = entered_at) serves FIFO positions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/app"
	"github.com/oggyb/muzz-live/internal/cache"
	"github.com/oggyb/muzz-live/internal/clock"
	"github.com/oggyb/muzz-live/internal/db"
	svcErr "github.com/oggyb/muzz-live/internal/errors"
	"github.com/oggyb/muzz-live/internal/repository"
)

// ErrClaimLost means a pair could not be claimed because a row stopped being WAITING.
var ErrClaimLost = repository.ErrClaimLost

// Store implements the queue contract on top of QueueRepository and RedisCache.
type Store struct {
	repo  *repository.QueueRepository
	cache *cache.RedisCache
	clock clock.Clock
	ttl   time.Duration
	log   *slog.Logger
}

// NewStore creates a queue store with dependencies from AppContext.
func NewStore(appCtx *app.AppContext) *Store {
	return &Store{
		repo:  repository.NewQueueRepository(appCtx.DB),
		cache: appCtx.RedisCache,
		clock: appCtx.Clock,
		ttl:   appCtx.Config.Matching.QueueTTL,
		log:   appCtx.Logger.With("component", "queue"),
	}
}

// Enqueue stores entry as the user's only WAITING row.
//
// Behavior:
//   - entered_at = now, expires_at = now + QUEUE_TTL.
//   - A prior WAITING row is retired in the same transaction.
//   - If a concurrent join wins the unique index, the replace is retried once.
//   - The ordered set is refreshed after the durable write.
//
// Example:
//
//	prev, err := store.Enqueue(ctx, &db.QueueEntry{UserID: "u1", Intent: "SERIOUS", Gender: "WOMAN"})
func (s *Store) Enqueue(ctx context.Context, entry *db.QueueEntry) (*db.QueueEntry, error) {
	now := s.now()
	entry.EnteredAt = now
	entry.ExpiresAt = now.Add(s.ttl)

	prev, err := s.repo.ReplaceWaiting(ctx, entry)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		s.log.Debug("concurrent join, retrying replace", "user_id", entry.UserID)
		prev, err = s.repo.ReplaceWaiting(ctx, entry)
	}
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, svcErr.Conflict("user %s is already waiting", entry.UserID)
		}
		return nil, fmt.Errorf("enqueue %s: %w", entry.UserID, err)
	}

	if err := s.cache.AddWaiting(ctx, entry.UserID, entry.EnteredAt); err != nil {
		s.log.Warn("ordered set add failed; repaired on next sweep", "user_id", entry.UserID, "err", err)
	}
	return prev, nil
}

// Requeue puts a user who just left a call back in the queue with the same
// profile and attempts count. A user who is already WAITING is left alone.
func (s *Store) Requeue(ctx context.Context, userID string) (*db.QueueEntry, error) {
	if cur, err := s.repo.GetWaiting(ctx, userID); err == nil {
		return cur, nil
	} else if !repository.IsNotFound(err) {
		return nil, err
	}

	last, err := s.repo.Latest(ctx, userID)
	if repository.IsNotFound(err) {
		return nil, svcErr.NotFound("user %s has no queue history", userID)
	}
	if err != nil {
		return nil, err
	}

	next := &db.QueueEntry{
		UserID:        last.UserID,
		Intent:        last.Intent,
		Gender:        last.Gender,
		Age:           last.Age,
		Lat:           last.Lat,
		Lon:           last.Lon,
		Interests:     last.Interests,
		Languages:     last.Languages,
		Ethnicity:     last.Ethnicity,
		Attempts:      last.Attempts,
		LastAttemptAt: last.LastAttemptAt,
		Priority:      last.Priority,
	}
	if _, err := s.Enqueue(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Get returns the user's WAITING row or gorm.ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*db.QueueEntry, error) {
	return s.repo.GetWaiting(ctx, userID)
}

// Latest returns the user's most recent row in any status.
func (s *Store) Latest(ctx context.Context, userID string) (*db.QueueEntry, error) {
	return s.repo.Latest(ctx, userID)
}

// Remove drops the user from both tiers. Returns false if they were not waiting.
func (s *Store) Remove(ctx context.Context, userID string) (bool, error) {
	removed, err := s.repo.Remove(ctx, userID)
	if err != nil {
		return false, err
	}
	if err := s.cache.RemoveWaiting(ctx, userID); err != nil {
		s.log.Warn("ordered set remove failed", "user_id", userID, "err", err)
	}
	return removed, nil
}

// Position returns the user's 1-based FIFO rank.
//
// Behavior:
//   - Not WAITING in the durable tier → found=false, regardless of the cache.
//   - WAITING but missing from the ordered set → the set is repaired in place.
func (s *Store) Position(ctx context.Context, userID string) (int64, bool, error) {
	entry, err := s.repo.GetWaiting(ctx, userID)
	if repository.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	rank, found, err := s.cache.WaitingRank(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	if !found {
		s.log.Info("repairing ordered set", "user_id", userID)
		if err := s.cache.AddWaiting(ctx, userID, entry.EnteredAt); err != nil {
			return 0, false, err
		}
		if rank, _, err = s.cache.WaitingRank(ctx, userID); err != nil {
			return 0, false, err
		}
	}
	return rank, true, nil
}

// WaitingCount counts WAITING users in the durable tier.
func (s *Store) WaitingCount(ctx context.Context) (int64, error) {
	return s.repo.CountWaiting(ctx)
}

// CountBy groups WAITING users by "intent" or "gender".
func (s *Store) CountBy(ctx context.Context, column string) (map[string]int64, error) {
	return s.repo.CountWaitingBy(ctx, column)
}

// DequeueForMatch returns up to batch live WAITING rows in fairness order.
func (s *Store) DequeueForMatch(ctx context.Context, batch int) ([]db.QueueEntry, error) {
	return s.repo.DequeueForMatch(ctx, batch, s.now())
}

// Peers returns live WAITING rows sharing intent, excluding userID.
func (s *Store) Peers(ctx context.Context, intent, userID string) ([]db.QueueEntry, error) {
	return s.repo.WaitingPeers(ctx, intent, userID, s.now())
}

// Waiting returns every unexpired WAITING row, oldest first.
func (s *Store) Waiting(ctx context.Context) ([]db.QueueEntry, error) {
	rows, err := s.repo.AllWaiting(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	live := rows[:0]
	for _, r := range rows {
		if r.ExpiresAt.After(now) {
			live = append(live, r)
		}
	}
	return live, nil
}

// ClaimPair is the pairing CAS: both rows WAITING → MATCHED, or neither.
// Both users leave the ordered set on success.
func (s *Store) ClaimPair(ctx context.Context, userA, userB string) error {
	return s.MarkMatched(ctx, []string{userA, userB})
}

// MarkMatched flips the listed users to MATCHED atomically and drops them from the ordered set.
func (s *Store) MarkMatched(ctx context.Context, userIDs []string) error {
	if err := s.repo.MarkMatched(ctx, userIDs); err != nil {
		return err
	}
	if err := s.cache.RemoveWaiting(ctx, userIDs...); err != nil {
		s.log.Warn("ordered set remove failed", "users", userIDs, "err", err)
	}
	return nil
}

// Revert undoes a claim: rows go back to WAITING (optionally attempts+1)
// and rejoin the ordered set at their original position.
func (s *Store) Revert(ctx context.Context, entries []db.QueueEntry, bumpAttempts bool) error {
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if err := s.repo.RevertToWaiting(ctx, ids, bumpAttempts, s.now()); err != nil {
		return err
	}
	for _, e := range entries {
		cur, err := s.repo.GetWaiting(ctx, e.UserID)
		if err != nil {
			continue
		}
		if err := s.cache.AddWaiting(ctx, cur.UserID, cur.EnteredAt); err != nil {
			s.log.Warn("ordered set add failed", "user_id", cur.UserID, "err", err)
		}
	}
	return nil
}

// BumpAttempts adds one to attempts for users that stayed unpaired.
func (s *Store) BumpAttempts(ctx context.Context, userIDs []string) error {
	return s.repo.BumpAttempts(ctx, userIDs, s.now())
}

// SweepExpired expires stale WAITING rows and repairs the ordered set so it
// mirrors the durable tier exactly.
func (s *Store) SweepExpired(ctx context.Context) ([]string, error) {
	expired, err := s.repo.SweepExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.cache.RemoveWaiting(ctx, expired...); err != nil {
		s.log.Warn("ordered set remove failed", "users", expired, "err", err)
	}
	if err := s.repair(ctx); err != nil {
		s.log.Warn("ordered set repair failed", "err", err)
	}
	return expired, nil
}

// repair makes the ordered set equal to the set of WAITING rows.
func (s *Store) repair(ctx context.Context) error {
	rows, err := s.repo.AllWaiting(ctx)
	if err != nil {
		return err
	}
	members, err := s.cache.WaitingMembers(ctx)
	if err != nil {
		return err
	}

	durable := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		durable[r.UserID] = r.EnteredAt
	}
	var stale []string
	for _, m := range members {
		if _, ok := durable[m]; !ok {
			stale = append(stale, m)
		}
		delete(durable, m)
	}
	if len(stale) > 0 {
		s.log.Info("dropping stale ordered set members", "users", stale)
		if err := s.cache.RemoveWaiting(ctx, stale...); err != nil {
			return err
		}
	}
	for userID, at := range durable {
		if err := s.cache.AddWaiting(ctx, userID, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}
