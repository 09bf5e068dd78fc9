// Package activecall tracks which users are currently in a live call.
// Membership gates pairing: nobody in the set may be paired or re-queued.
package activecall

import (
	"context"
	"sort"
	"sync"

	"github.com/oggyb/muzz-live/internal/cache"
)

// Registry is a membership set with read-your-writes consistency.
type Registry interface {
	Mark(ctx context.Context, userIDs ...string) error
	Unmark(ctx context.Context, userIDs ...string) error
	Contains(ctx context.Context, userID string) (bool, error)
	Members(ctx context.Context) ([]string, error)
}

// New picks the implementation named by store ("memory" or "redis").
func New(store string, rc *cache.RedisCache) Registry {
	if store == "memory" || rc == nil {
		return NewMemory()
	}
	return NewRedis(rc)
}

// Memory is a process-local registry. It does not survive restarts.
type Memory struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{members: make(map[string]struct{})}
}

func (m *Memory) Mark(_ context.Context, userIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range userIDs {
		m.members[id] = struct{}{}
	}
	return nil
}

func (m *Memory) Unmark(_ context.Context, userIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range userIDs {
		delete(m.members, id)
	}
	return nil
}

func (m *Memory) Contains(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[userID]
	return ok, nil
}

func (m *Memory) Members(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Redis keeps the set in Redis so it survives scheduler restarts and can be
// shared by several scheduler instances.
type Redis struct {
	rc *cache.RedisCache
}

func NewRedis(rc *cache.RedisCache) *Redis {
	return &Redis{rc: rc}
}

func (r *Redis) Mark(ctx context.Context, userIDs ...string) error {
	return r.rc.MarkActive(ctx, userIDs...)
}

func (r *Redis) Unmark(ctx context.Context, userIDs ...string) error {
	return r.rc.UnmarkActive(ctx, userIDs...)
}

func (r *Redis) Contains(ctx context.Context, userID string) (bool, error) {
	return r.rc.IsActive(ctx, userID)
}

func (r *Redis) Members(ctx context.Context) ([]string, error) {
	out, err := r.rc.ActiveMembers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
