package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oggyb/muzz-live/internal/db"
	"github.com/oggyb/muzz-live/internal/utils/pagination"
)

// AttemptRepository provides data access methods for the MatchAttempt model.
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates a new repository bound to the given DB connection.
func NewAttemptRepository(database *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: database}
}

// Create inserts a new attempt.
//
// Behavior:
//   - ID defaults to a fresh UUID.
//   - PairKey is derived from the two users; PROPOSED rows also claim OpenPairKey.
//   - A second open attempt for the same unordered pair fails with gorm.ErrDuplicatedKey.
//
// Example:
//
//	repo.Create(ctx, &db.MatchAttempt{User1ID: "u1", User2ID: "u2", Status: db.AttemptProposed})
func (r *AttemptRepository) Create(ctx context.Context, a *db.MatchAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.PairKey = db.PairKey(a.User1ID, a.User2ID)
	a.OpenPairKey = nil
	if a.Status == db.AttemptProposed {
		key := a.PairKey
		a.OpenPairKey = &key
	}
	return r.db.WithContext(ctx).Create(a).Error
}

// Get loads an attempt by id.
func (r *AttemptRepository) Get(ctx context.Context, id string) (*db.MatchAttempt, error) {
	var a db.MatchAttempt
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindOpen returns the PROPOSED attempt between two users, in either order.
func (r *AttemptRepository) FindOpen(ctx context.Context, userA, userB string) (*db.MatchAttempt, error) {
	var a db.MatchAttempt
	err := r.db.WithContext(ctx).
		Where("open_pair_key = ?", db.PairKey(userA, userB)).
		Take(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// BySession returns the newest attempt bound to a session id.
func (r *AttemptRepository) BySession(ctx context.Context, sessionID string) (*db.MatchAttempt, error) {
	var a db.MatchAttempt
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Take(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// LiveForUser returns the attempt backing the user's ongoing call.
func (r *AttemptRepository) LiveForUser(ctx context.Context, userID string) (*db.MatchAttempt, error) {
	var a db.MatchAttempt
	err := liveScope(r.db.WithContext(ctx)).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("created_at DESC").
		Take(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Live lists every attempt still backing a call, for the reconciler.
func (r *AttemptRepository) Live(ctx context.Context) ([]db.MatchAttempt, error) {
	var out []db.MatchAttempt
	err := liveScope(r.db.WithContext(ctx)).Order("created_at ASC").Find(&out).Error
	return out, err
}

func liveScope(q *gorm.DB) *gorm.DB {
	return q.Where("session_id IS NOT NULL AND ended_at IS NULL AND status IN ?",
		[]string{db.AttemptProposed, db.AttemptAccepted})
}

// ExpireOpen closes any PROPOSED attempt between the two users.
// Returns the number of rows closed.
func (r *AttemptRepository) ExpireOpen(ctx context.Context, userA, userB string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&db.MatchAttempt{}).
		Where("open_pair_key = ? AND status = ?", db.PairKey(userA, userB), db.AttemptProposed).
		Updates(map[string]any{
			"status":        db.AttemptExpired,
			"open_pair_key": nil,
			"ended_at":      now,
		})
	return res.RowsAffected, res.Error
}

// Accept moves a PROPOSED attempt to ACCEPTED.
//
// Behavior:
//   - Returns true only for the call that performed the transition.
//   - Already ACCEPTED attempts return false without error, so replays are harmless.
//   - The call (if any) keeps running: ended_at stays NULL.
//
// Example:
//
//	changed, err := repo.Accept(ctx, attempt.ID, now)
func (r *AttemptRepository) Accept(ctx context.Context, id string, now time.Time) (bool, error) {
	now = now.UTC().Truncate(time.Millisecond) // cursor precision
	res := r.db.WithContext(ctx).Model(&db.MatchAttempt{}).
		Where("id = ? AND status = ?", id, db.AttemptProposed).
		Updates(map[string]any{
			"status":        db.AttemptAccepted,
			"open_pair_key": nil,
			"accepted_at":   now,
		})
	return res.RowsAffected > 0, res.Error
}

// EndSession closes out every attempt bound to sessionID.
//
// Behavior:
//   - Sets ended_at; status becomes `to` unless the attempt was already ACCEPTED.
//   - Attempts already ended are untouched, so replayed call.ended events are no-ops.
//   - Returns the number of rows changed.
func (r *AttemptRepository) EndSession(ctx context.Context, sessionID, to string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&db.MatchAttempt{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Updates(map[string]any{
			"status":        gorm.Expr("CASE WHEN status = ? THEN status ELSE ? END", db.AttemptAccepted, to),
			"open_pair_key": nil,
			"ended_at":      now,
		})
	return res.RowsAffected, res.Error
}

// Close terminates a single attempt by id with the given status.
func (r *AttemptRepository) Close(ctx context.Context, id, to string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&db.MatchAttempt{}).
		Where("id = ? AND ended_at IS NULL", id).
		Updates(map[string]any{
			"status":        to,
			"open_pair_key": nil,
			"ended_at":      now,
		}).Error
}

// ListAccepted returns the user's ACCEPTED attempts, newest first.
//
// Behavior:
//   - Ordered by accepted_at DESC, id DESC.
//   - Supports cursor-based pagination via paginationToken.
//
// Example:
//
//	repo.ListAccepted(ctx, "u1", nil, 20)
func (r *AttemptRepository) ListAccepted(
	ctx context.Context,
	userID string,
	paginationToken *string,
	limit int,
) ([]db.MatchAttempt, *string, error) {
	var attempts []db.MatchAttempt

	cursor, err := pagination.Decode(getString(paginationToken))
	if err != nil {
		return nil, nil, err
	}

	query := r.db.WithContext(ctx).
		Where("status = ? AND (user1_id = ? OR user2_id = ?)", db.AttemptAccepted, userID, userID).
		Order("accepted_at DESC, id DESC").
		Limit(limit + 1)

	if !cursor.IsZero() {
		ts := cursor.SortTime()
		query = query.Where(
			"(accepted_at < ? OR (accepted_at = ? AND id < ?))",
			ts, ts, cursor.ID,
		)
	}

	if err := query.Find(&attempts).Error; err != nil {
		return nil, nil, err
	}

	attempts, next := pagination.Page(attempts, limit, func(a db.MatchAttempt) pagination.Cursor {
		c := pagination.Cursor{ID: a.ID}
		if a.AcceptedAt != nil {
			c.SortUnix = a.AcceptedAt.UnixMilli()
		}
		return c
	})
	return attempts, next, nil
}

// CountAcceptedSince counts attempts accepted at or after since.
func (r *AttemptRepository) CountAcceptedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&db.MatchAttempt{}).
		Where("status = ? AND accepted_at >= ?", db.AttemptAccepted, since).
		Count(&n).Error
	return n, err
}

// IsNotFound reports whether err means "no such row".
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// getString safely dereferences a string pointer for pagination tokens.
func getString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
