// Package achievement evaluates threshold predicates over tracked counters
// and records first-time unlocks per chat and user.
package achievement

import (
	"time"

	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/state"
)

// Unlock is a newly recorded achievement ready for announcement.
type Unlock struct {
	ChatID      core.ChatID `json:"chat_id"`
	UserID      core.UserID `json:"user_id"`
	Achievement Definition  `json:"achievement"`
	At          time.Time   `json:"at"`
}

type Engine struct {
	store *state.Store
	defs  []Definition
	index map[string]Definition
	now   func() time.Time
}

func NewEngine(store *state.Store, defs []Definition, now func() time.Time) *Engine {
	if defs == nil {
		defs = DefaultCatalogue()
	}
	if now == nil {
		now = time.Now
	}
	index := make(map[string]Definition, len(defs))
	for _, d := range defs {
		index[d.ID] = d
	}
	return &Engine{store: store, defs: defs, index: index, now: now}
}

func (e *Engine) Catalogue() []Definition {
	return append([]Definition(nil), e.defs...)
}

func (e *Engine) Lookup(id string) (Definition, bool) {
	d, ok := e.index[id]
	return d, ok
}

// EvaluateIn checks every predicate for the user and records the ones that
// newly hold. The caller must be inside state.Store.Update for the chat.
func (e *Engine) EvaluateIn(c *state.Chat, user core.UserID) []Unlock {
	snap, ok := c.Lookup(user)
	if !ok {
		return nil
	}
	stats := Stats{Counters: snap.Counters, Reputation: snap.Reputation}
	var out []Unlock
	for _, d := range e.defs {
		if _, done := snap.Achievements[d.ID]; done {
			continue
		}
		if d.Holds == nil || !d.Holds(stats) {
			continue
		}
		at := e.now().UTC()
		if c.Unlock(user, d.ID, at) {
			out = append(out, Unlock{ChatID: c.ID, UserID: user, Achievement: d, At: at})
		}
	}
	return out
}

// Evaluate re-runs the catalogue for the user under the chat lock.
func (e *Engine) Evaluate(chat core.ChatID, user core.UserID) []Unlock {
	var out []Unlock
	_ = e.store.Update(chat, func(c *state.Chat) error {
		out = e.EvaluateIn(c, user)
		return nil
	})
	return out
}

// Unlock records id for the user and reports whether this call inserted it.
// Callers announce only on true.
func (e *Engine) Unlock(chat core.ChatID, user core.UserID, id string) bool {
	var inserted bool
	_ = e.store.Update(chat, func(c *state.Chat) error {
		inserted = c.Unlock(user, id, e.now().UTC())
		return nil
	})
	return inserted
}

// Unlocked lists the user's achievements resolved against the catalogue.
// Ids no longer in the catalogue are reported with only their id.
func (e *Engine) Unlocked(chat core.ChatID, user core.UserID) []Definition {
	var ids []string
	e.store.View(chat, func(c *state.Chat) { ids = c.Achievements(user) })
	out := make([]Definition, 0, len(ids))
	for _, id := range ids {
		if d, ok := e.index[id]; ok {
			out = append(out, d)
			continue
		}
		out = append(out, Definition{ID: id, Title: id})
	}
	return out
}
