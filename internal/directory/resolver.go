// Package directory resolves role names to platform users for human task
// assignment. Role membership lives outside the engine; this package only
// consumes it.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsdesk/conveyor/model"
)

// Resolver looks up users holding any of the given roles. Implementations
// must return an empty slice (not an error) when no users match; an empty
// result stalls the task until manual reassignment, which the engine logs
// rather than fails.
type Resolver interface {
	FindUsersByRoles(ctx context.Context, roleNames []string, activeOnly bool) ([]model.User, error)
}

// StaticResolver serves role membership from an in-memory user set, loaded
// from configuration. Lookups are cached per role-set for a short TTL.
type StaticResolver struct {
	users []model.User
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	users   []model.User
	expires time.Time
}

// NewStaticResolver creates a resolver over the given users with the given
// cache TTL.
func NewStaticResolver(users []model.User, ttl time.Duration) *StaticResolver {
	return &StaticResolver{
		users: users,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

func cacheKey(roleNames []string, activeOnly bool) string {
	sorted := append([]string(nil), roleNames...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")
	if activeOnly {
		key += ":active"
	}
	return key
}

// FindUsersByRoles returns users holding any of the given roles. Results
// are cached for the configured TTL.
func (r *StaticResolver) FindUsersByRoles(_ context.Context, roleNames []string, activeOnly bool) ([]model.User, error) {
	key := cacheKey(roleNames, activeOnly)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.users, nil
	}
	r.mu.RUnlock()

	wanted := make(map[string]bool, len(roleNames))
	for _, role := range roleNames {
		wanted[role] = true
	}

	matched := make([]model.User, 0)
	for _, u := range r.users {
		if activeOnly && !u.Active {
			continue
		}
		for _, role := range u.Roles {
			if wanted[role] {
				matched = append(matched, u)
				break
			}
		}
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{users: matched, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return matched, nil
}
