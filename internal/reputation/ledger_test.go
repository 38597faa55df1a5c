package reputation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticAdmins map[core.UserID]bool

func (s staticAdmins) IsAdmin(_ context.Context, _ core.ChatID, user core.UserID) bool {
	return s[user]
}

func newLedger(admins AdminChecker) (*Ledger, *state.Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := state.NewStore()
	ach := achievement.NewEngine(store, nil, clock.Now)
	return NewLedger(store, admins, ach, clock.Now), store, clock
}

func TestSelfBoostRejectedAndUnlocksOnce(t *testing.T) {
	l, _, _ := newLedger(nil)

	res, err := l.Give(context.Background(), 1, 5, 5, 1)
	if !errors.Is(err, core.ErrSelfTarget) {
		t.Fatalf("expected ErrSelfTarget, got %v", err)
	}
	if len(res.Unlocked) != 1 || res.Unlocked[0].Achievement.ID != "self_booster" {
		t.Fatalf("first self boost unlocks = %+v", res.Unlocked)
	}

	res, err = l.Give(context.Background(), 1, 5, 5, 1)
	if !errors.Is(err, core.ErrSelfTarget) {
		t.Fatalf("expected ErrSelfTarget, got %v", err)
	}
	if len(res.Unlocked) != 0 {
		t.Fatalf("second self boost must not re-unlock: %+v", res.Unlocked)
	}
}

func TestNegativeSelfAdjustmentAllowed(t *testing.T) {
	l, _, _ := newLedger(nil)
	res, err := l.Give(context.Background(), 1, 5, 5, -1)
	if err != nil {
		t.Fatalf("self -1: %v", err)
	}
	if res.TargetTotals.Received != -1 || res.GiverTotals.Given != -1 {
		t.Fatalf("totals = %+v / %+v", res.GiverTotals, res.TargetTotals)
	}
}

func TestRateLimitSlidingWindow(t *testing.T) {
	l, _, clock := newLedger(nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		delta := int64(1)
		if i%2 == 1 {
			delta = -1
		}
		if _, err := l.Give(ctx, 1, 5, core.UserID(100+i), delta); err != nil {
			t.Fatalf("give %d: %v", i, err)
		}
		clock.Advance(time.Minute)
	}

	_, err := l.Give(ctx, 1, 5, 200, 1)
	var rl *core.RateLimitedError
	if !errors.As(err, &rl) || !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Wait <= 0 {
		t.Fatalf("wait must be positive, got %s", rl.Wait)
	}
	if want := 24*time.Hour - 10*time.Minute; rl.Wait != want {
		t.Fatalf("wait = %s, want %s", rl.Wait, want)
	}

	// Other givers and other chats are unaffected.
	if _, err := l.Give(ctx, 1, 6, 200, 1); err != nil {
		t.Fatalf("other giver: %v", err)
	}
	if _, err := l.Give(ctx, 2, 5, 200, 1); err != nil {
		t.Fatalf("other chat: %v", err)
	}

	clock.Advance(rl.Wait)
	if _, err := l.Give(ctx, 1, 5, 200, 1); err != nil {
		t.Fatalf("after window expiry: %v", err)
	}
}

func TestWindowNeverExceedsLimitUnderConcurrency(t *testing.T) {
	l, store, _ := newLedger(nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Give(ctx, 1, 5, core.UserID(100+i), 1); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 10 {
		t.Fatalf("applied = %d, want 10", applied)
	}
	store.View(1, func(c *state.Chat) {
		if n := len(c.Window(5)); n != 10 {
			t.Fatalf("window len = %d", n)
		}
	})
}

func TestTotalsAndAdminCounter(t *testing.T) {
	l, store, _ := newLedger(staticAdmins{9: true})
	ctx := context.Background()

	res, err := l.Give(ctx, 1, 5, 9, 1)
	if err != nil {
		t.Fatalf("give: %v", err)
	}
	if !res.TargetIsAdmin || res.Remaining != 9 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := l.Give(ctx, 1, 5, 8, -1); err != nil {
		t.Fatalf("give: %v", err)
	}

	store.View(1, func(c *state.Chat) {
		giver, _ := c.Lookup(5)
		if giver.Reputation.Given != 0 || giver.Reputation.PositiveGiven != 1 || giver.Reputation.NegativeGiven != 1 {
			t.Fatalf("giver totals = %+v", giver.Reputation)
		}
		if giver.Counter(state.CounterAdminAdjustments) != 1 {
			t.Fatalf("admin adjustments = %d", giver.Counter(state.CounterAdminAdjustments))
		}
		target, _ := c.Lookup(8)
		if target.Reputation.Received != -1 {
			t.Fatalf("target received = %d", target.Reputation.Received)
		}
	})

	remaining, wait := l.Remaining(1, 5)
	if remaining != 8 || wait != 0 {
		t.Fatalf("remaining = %d wait = %s", remaining, wait)
	}
}

func TestInvalidDeltaAndMissingTarget(t *testing.T) {
	l, _, _ := newLedger(nil)
	if _, err := l.Give(context.Background(), 1, 5, 6, 2); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := l.Give(context.Background(), 1, 5, 0, 1); !errors.Is(err, core.ErrAmbiguousTarget) {
		t.Fatalf("expected ErrAmbiguousTarget, got %v", err)
	}
}
