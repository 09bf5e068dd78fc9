package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/db"
)

// ErrClaimLost is returned by MarkMatched when any listed user stopped being
// WAITING before the conditional update ran.
var ErrClaimLost = errors.New("queue row is no longer waiting")

// QueueRepository provides data access methods for the QueueEntry model.
// It is the durable tier of the queue; the Redis ordered set is derived from it.
type QueueRepository struct {
	db *gorm.DB
}

// NewQueueRepository creates a new repository bound to the given DB connection.
func NewQueueRepository(database *gorm.DB) *QueueRepository {
	return &QueueRepository{db: database}
}

// ReplaceWaiting inserts entry as the user's WAITING row, retiring any prior one.
//
// Behavior:
//   - Any existing WAITING row for entry.UserID is moved to REMOVED in the same tx.
//   - The new row gets WaitingKey = UserID so the unique index holds.
//   - Returns the retired row (nil when there was none).
//   - Concurrent replacers race on the unique index; the loser sees gorm.ErrDuplicatedKey.
//
// Example:
//
//	prev, err := repo.ReplaceWaiting(ctx, &db.QueueEntry{UserID: "u1", Intent: "SERIOUS", ...})
func (r *QueueRepository) ReplaceWaiting(ctx context.Context, entry *db.QueueEntry) (*db.QueueEntry, error) {
	var prev *db.QueueEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.QueueEntry
		err := tx.Where("waiting_key = ?", entry.UserID).Take(&existing).Error
		switch {
		case err == nil:
			res := tx.Model(&db.QueueEntry{}).
				Where("id = ? AND status = ?", existing.ID, db.StatusWaiting).
				Updates(map[string]any{"status": db.StatusRemoved, "waiting_key": nil})
			if res.Error != nil {
				return res.Error
			}
			prev = &existing
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		key := entry.UserID
		entry.ID = 0
		entry.Status = db.StatusWaiting
		entry.WaitingKey = &key
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// GetWaiting returns the user's WAITING row or gorm.ErrRecordNotFound.
func (r *QueueRepository) GetWaiting(ctx context.Context, userID string) (*db.QueueEntry, error) {
	var e db.QueueEntry
	if err := r.db.WithContext(ctx).Where("waiting_key = ?", userID).Take(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// Latest returns the user's most recent row in any status.
func (r *QueueRepository) Latest(ctx context.Context, userID string) (*db.QueueEntry, error) {
	var e db.QueueEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Take(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Remove moves the user's WAITING row to REMOVED.
// Returns false when the user was not waiting.
func (r *QueueRepository) Remove(ctx context.Context, userID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&db.QueueEntry{}).
		Where("waiting_key = ? AND status = ?", userID, db.StatusWaiting).
		Updates(map[string]any{"status": db.StatusRemoved, "waiting_key": nil})
	return res.RowsAffected > 0, res.Error
}

// MarkMatched flips every listed user from WAITING to MATCHED, all or nothing.
//
// Behavior:
//   - One short transaction with a conditional UPDATE per row.
//   - If any row is no longer WAITING, nothing changes and ErrClaimLost is returned.
//   - Concurrent schedulers serialize on the rows, never on the whole batch.
//
// Example:
//
//	err := repo.MarkMatched(ctx, []string{"u1", "u2"})
func (r *QueueRepository) MarkMatched(ctx context.Context, userIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return markMatched(tx, userIDs)
	})
}

func markMatched(tx *gorm.DB, userIDs []string) error {
	for _, id := range userIDs {
		res := tx.Model(&db.QueueEntry{}).
			Where("waiting_key = ? AND status = ?", id, db.StatusWaiting).
			Updates(map[string]any{"status": db.StatusMatched, "waiting_key": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimLost
		}
	}
	return nil
}

// RevertToWaiting puts previously claimed rows back into WAITING.
//
// Behavior:
//   - Only rows currently MATCHED are touched.
//   - bumpAttempts adds one to attempts and stamps last_attempt_at.
//   - A user who re-joined in the meantime already owns a WAITING row; that
//     revert is skipped rather than violating the unique index.
//
// Example:
//
//	repo.RevertToWaiting(ctx, []uint64{e1.ID, e2.ID}, true, now)
func (r *QueueRepository) RevertToWaiting(ctx context.Context, entryIDs []uint64, bumpAttempts bool, now time.Time) error {
	for _, id := range entryIDs {
		updates := map[string]any{
			"status":      db.StatusWaiting,
			"waiting_key": gorm.Expr("user_id"),
		}
		if bumpAttempts {
			updates["attempts"] = gorm.Expr("attempts + 1")
			updates["last_attempt_at"] = now
		}
		err := r.db.WithContext(ctx).Model(&db.QueueEntry{}).
			Where("id = ? AND status = ?", id, db.StatusMatched).
			Updates(updates).Error
		if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	}
	return nil
}

// DequeueForMatch returns up to limit live WAITING rows in fairness order.
//
// Behavior:
//   - Expired-but-unswept rows are skipped.
//   - Ordered by priority DESC, attempts ASC, entered_at ASC, user_id ASC.
//   - Rows stay WAITING; claiming happens per pair through MarkMatched.
func (r *QueueRepository) DequeueForMatch(ctx context.Context, limit int, now time.Time) ([]db.QueueEntry, error) {
	var entries []db.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at > ?", db.StatusWaiting, now).
		Order("priority DESC, attempts ASC, entered_at ASC, user_id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// WaitingPeers returns live WAITING rows with the given intent, excluding userID.
func (r *QueueRepository) WaitingPeers(ctx context.Context, intent, userID string, now time.Time) ([]db.QueueEntry, error) {
	var entries []db.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND intent = ? AND user_id <> ? AND expires_at > ?", db.StatusWaiting, intent, userID, now).
		Order("attempts ASC, entered_at ASC, user_id ASC").
		Find(&entries).Error
	return entries, err
}

// AllWaiting lists every WAITING row, used to repair the ordered set.
func (r *QueueRepository) AllWaiting(ctx context.Context) ([]db.QueueEntry, error) {
	var entries []db.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", db.StatusWaiting).
		Order("entered_at ASC").
		Find(&entries).Error
	return entries, err
}

// SweepExpired marks WAITING rows past expires_at as EXPIRED and returns their users.
func (r *QueueRepository) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	var expired []db.QueueEntry
	err := r.db.WithContext(ctx).
		Select("id", "user_id").
		Where("status = ? AND expires_at <= ?", db.StatusWaiting, now).
		Find(&expired).Error
	if err != nil || len(expired) == 0 {
		return nil, err
	}

	ids := make([]uint64, 0, len(expired))
	users := make([]string, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e.ID)
		users = append(users, e.UserID)
	}

	err = r.db.WithContext(ctx).Model(&db.QueueEntry{}).
		Where("id IN ? AND status = ?", ids, db.StatusWaiting).
		Updates(map[string]any{"status": db.StatusExpired, "waiting_key": nil}).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

// BumpAttempts adds one to attempts for the listed users' WAITING rows.
func (r *QueueRepository) BumpAttempts(ctx context.Context, userIDs []string, now time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&db.QueueEntry{}).
		Where("waiting_key IN ? AND status = ?", userIDs, db.StatusWaiting).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		}).Error
}

// CountWaiting counts WAITING rows.
func (r *QueueRepository) CountWaiting(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.QueueEntry{}).
		Where("status = ?", db.StatusWaiting).
		Count(&n).Error
	return n, err
}

// CountWaitingBy groups WAITING rows by column ("intent" or "gender").
func (r *QueueRepository) CountWaitingBy(ctx context.Context, column string) (map[string]int64, error) {
	if column != "intent" && column != "gender" {
		return nil, errors.New("unsupported group column")
	}
	var rows []struct {
		Bucket string
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&db.QueueEntry{}).
		Select(column+" AS bucket, COUNT(*) AS n").
		Where("status = ?", db.StatusWaiting).
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Bucket] = row.N
	}
	return out, nil
}
