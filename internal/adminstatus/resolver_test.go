package adminstatus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/lampbot/internal/core"
)

type countingLookup struct {
	calls atomic.Int64
	admin bool
	err   error
	delay time.Duration
}

func (c *countingLookup) IsAdmin(ctx context.Context, _ core.ChatID, _ core.UserID) (bool, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	return c.admin, c.err
}

func TestResolverCachesAnswers(t *testing.T) {
	lookup := &countingLookup{admin: true}
	r := NewResolver(lookup, time.Minute, time.Second)

	for i := 0; i < 3; i++ {
		if !r.IsAdmin(context.Background(), 1, 2) {
			t.Fatalf("expected admin")
		}
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Fatalf("lookup calls = %d, want 1", n)
	}
}

func TestResolverDegradesOnError(t *testing.T) {
	lookup := &countingLookup{err: core.ErrExternalLookup}
	r := NewResolver(lookup, time.Minute, time.Second)
	if r.IsAdmin(context.Background(), 1, 2) {
		t.Fatalf("expected false on lookup error")
	}
	r.IsAdmin(context.Background(), 1, 2)
	if n := lookup.calls.Load(); n != 2 {
		t.Fatalf("failed lookups must not be cached, calls = %d", n)
	}
}

func TestResolverTimeout(t *testing.T) {
	lookup := &countingLookup{admin: true, delay: time.Second}
	r := NewResolver(lookup, time.Minute, 20*time.Millisecond)
	start := time.Now()
	if r.IsAdmin(context.Background(), 1, 2) {
		t.Fatalf("timed out lookup must answer false")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("lookup not bounded by timeout: %s", elapsed)
	}
}

func TestResolverOperatorIsAdmin(t *testing.T) {
	r := NewResolver(nil, 0, 0)
	r.Operator = 42
	if !r.IsAdmin(context.Background(), 1, 42) {
		t.Fatalf("operator must be admin")
	}
	if r.IsAdmin(context.Background(), 1, 43) {
		t.Fatalf("no lookup configured must answer false")
	}
}

func TestTelegramLookupStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botsecret/getChatMember" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status := "member"
		if r.URL.Query().Get("user_id") == "1" {
			status = "creator"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"status": status}})
	}))
	defer srv.Close()

	prev := telegramBaseURL
	telegramBaseURL = srv.URL
	defer func() { telegramBaseURL = prev }()

	lookup := &TelegramLookup{Token: "secret", HTTP: srv.Client()}
	admin, err := lookup.IsAdmin(context.Background(), -100, 1)
	if err != nil || !admin {
		t.Fatalf("creator lookup = %v, %v", admin, err)
	}
	admin, err = lookup.IsAdmin(context.Background(), -100, 2)
	if err != nil || admin {
		t.Fatalf("member lookup = %v, %v", admin, err)
	}
}

func TestTelegramLookupFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	prev := telegramBaseURL
	telegramBaseURL = srv.URL
	defer func() { telegramBaseURL = prev }()

	lookup := &TelegramLookup{Token: "secret", HTTP: srv.Client()}
	if _, err := lookup.IsAdmin(context.Background(), 1, 1); !errors.Is(err, core.ErrExternalLookup) {
		t.Fatalf("expected ErrExternalLookup, got %v", err)
	}
}
