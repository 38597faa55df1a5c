// Package reputation applies +1/-1 adjustments between chat members under a
// sliding 24-hour limit per giver.
package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/state"
)

const (
	DefaultLimit  = 10
	DefaultWindow = 24 * time.Hour
)

// AdminChecker reports administrator status. It must not fail; unknown is
// answered with false.
type AdminChecker interface {
	IsAdmin(ctx context.Context, chat core.ChatID, user core.UserID) bool
}

// Result describes an applied adjustment.
type Result struct {
	Giver         core.UserID          `json:"giver"`
	Target        core.UserID          `json:"target"`
	Delta         int64                `json:"delta"`
	GiverTotals   state.Reputation     `json:"giver_totals"`
	TargetTotals  state.Reputation     `json:"target_totals"`
	Remaining     int                  `json:"remaining"`
	TargetIsAdmin bool                 `json:"target_is_admin"`
	Unlocked      []achievement.Unlock `json:"unlocked,omitempty"`
}

type Ledger struct {
	store        *state.Store
	admins       AdminChecker
	achievements *achievement.Engine
	now          func() time.Time

	Limit  int
	Window time.Duration
}

func NewLedger(store *state.Store, admins AdminChecker, achievements *achievement.Engine, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:        store,
		admins:       admins,
		achievements: achievements,
		now:          now,
		Limit:        DefaultLimit,
		Window:       DefaultWindow,
	}
}

// Give applies delta (+1 or -1) from giver to target.
//
// A positive self-adjustment fails with core.ErrSelfTarget; the attempt is
// still counted and may unlock an achievement, which is reported in the
// returned Result. A giver with Limit adjustments inside Window fails with
// *core.RateLimitedError.
func (l *Ledger) Give(ctx context.Context, chat core.ChatID, giver, target core.UserID, delta int64) (Result, error) {
	if delta != 1 && delta != -1 {
		return Result{}, fmt.Errorf("%w: reputation delta must be +1 or -1, got %d", core.ErrInvalidState, delta)
	}
	if target == 0 {
		return Result{}, core.ErrAmbiguousTarget
	}

	if delta > 0 && target == giver {
		res := Result{Giver: giver, Target: target}
		_ = l.store.Update(chat, func(c *state.Chat) error {
			if _, err := c.Increment(giver, state.CounterSelfBoosts, 1); err != nil {
				return err
			}
			res.Unlocked = l.evaluate(c, giver)
			return nil
		})
		return res, core.ErrSelfTarget
	}

	// The platform lookup happens outside the chat lock.
	targetIsAdmin := false
	if l.admins != nil && target != giver {
		targetIsAdmin = l.admins.IsAdmin(ctx, chat, target)
	}

	limit := l.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := l.Window
	if window <= 0 {
		window = DefaultWindow
	}

	var res Result
	err := l.store.Update(chat, func(c *state.Chat) error {
		now := l.now().UTC()
		entries := c.PruneWindow(giver, now.Add(-window))
		if len(entries) >= limit {
			wait := entries[0].Add(window).Sub(now)
			if wait <= 0 {
				wait = time.Second
			}
			return &core.RateLimitedError{Wait: wait}
		}

		giverTotals, targetTotals := c.AdjustReputation(giver, target, delta)
		c.AppendWindow(giver, now, limit)
		if targetIsAdmin {
			if _, err := c.Increment(giver, state.CounterAdminAdjustments, 1); err != nil {
				return err
			}
		}

		res = Result{
			Giver:         giver,
			Target:        target,
			Delta:         delta,
			GiverTotals:   giverTotals,
			TargetTotals:  targetTotals,
			Remaining:     limit - len(entries) - 1,
			TargetIsAdmin: targetIsAdmin,
		}
		res.Unlocked = append(res.Unlocked, l.evaluate(c, giver)...)
		if target != giver {
			res.Unlocked = append(res.Unlocked, l.evaluate(c, target)...)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Remaining reports how many adjustments the giver may still issue now and,
// when none, how long until the next slot frees up.
func (l *Ledger) Remaining(chat core.ChatID, giver core.UserID) (int, time.Duration) {
	limit := l.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	window := l.Window
	if window <= 0 {
		window = DefaultWindow
	}
	remaining := limit
	var wait time.Duration
	l.store.View(chat, func(c *state.Chat) {
		now := l.now().UTC()
		var live []time.Time
		for _, ts := range c.Window(giver) {
			if ts.After(now.Add(-window)) {
				live = append(live, ts)
			}
		}
		remaining = limit - len(live)
		if remaining <= 0 && len(live) > 0 {
			remaining = 0
			wait = live[0].Add(window).Sub(now)
		}
	})
	return remaining, wait
}

func (l *Ledger) evaluate(c *state.Chat, user core.UserID) []achievement.Unlock {
	if l.achievements == nil {
		return nil
	}
	return l.achievements.EvaluateIn(c, user)
}
