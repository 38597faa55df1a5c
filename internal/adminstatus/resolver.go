// Package adminstatus answers "is this user an administrator of this chat"
// for the reputation and admin-command paths. Lookups are cached, bounded by
// a timeout, and degrade to false when the platform cannot be reached.
package adminstatus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/you/lampbot/internal/core"
)

const (
	defaultTTL     = 2 * time.Minute
	defaultTimeout = 3 * time.Second
)

// MemberLookup is the platform collaborator. It returns core.ErrExternalLookup
// (possibly wrapped) when the platform is unavailable.
type MemberLookup interface {
	IsAdmin(ctx context.Context, chat core.ChatID, user core.UserID) (bool, error)
}

type cacheKey struct {
	chat core.ChatID
	user core.UserID
}

type cacheEntry struct {
	admin     bool
	expiresAt time.Time
}

type Resolver struct {
	Lookup  MemberLookup
	TTL     time.Duration
	Timeout time.Duration
	// Operator is treated as an administrator of every chat.
	Operator core.UserID

	now func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

func NewResolver(lookup MemberLookup, ttl, timeout time.Duration) *Resolver {
	return &Resolver{Lookup: lookup, TTL: ttl, Timeout: timeout, now: time.Now}
}

// IsAdmin never fails: errors and timeouts are logged and answered with false.
// Failed answers are not cached so the next call retries the platform.
func (r *Resolver) IsAdmin(ctx context.Context, chat core.ChatID, user core.UserID) bool {
	if r == nil {
		return false
	}
	if r.Operator != 0 && user == r.Operator {
		return true
	}
	if r.Lookup == nil {
		return false
	}
	key := cacheKey{chat: chat, user: user}
	if admin, ok := r.cached(key); ok {
		return admin
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	admin, err := r.Lookup.IsAdmin(lookupCtx, chat, user)
	if err != nil {
		slog.Warn("adminstatus: lookup failed, assuming non-admin", "chat", chat, "user", user, "err", err)
		return false
	}
	r.store(key, admin)
	return admin
}

// Forget drops cached answers for the chat.
func (r *Resolver) Forget(chat core.ChatID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.chat == chat {
			delete(r.cache, k)
		}
	}
}

func (r *Resolver) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *Resolver) cached(key cacheKey) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		return false, false
	}
	entry, ok := r.cache[key]
	if !ok || r.clock().After(entry.expiresAt) {
		return false, false
	}
	return entry.admin, true
}

func (r *Resolver) store(key cacheKey, admin bool) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		r.cache = map[cacheKey]cacheEntry{}
	}
	r.cache[key] = cacheEntry{admin: admin, expiresAt: r.clock().Add(ttl)}
}
