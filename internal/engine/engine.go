// Package engine wires the per-chat components into the message pipeline
// and the command surface used by the transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/you/lampbot/internal/access"
	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/classify"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/identity"
	"github.com/you/lampbot/internal/metrics"
	"github.com/you/lampbot/internal/nickname"
	"github.com/you/lampbot/internal/persist"
	"github.com/you/lampbot/internal/reputation"
	"github.com/you/lampbot/internal/state"
	"github.com/you/lampbot/internal/trigger"
)

const (
	DefaultNickCooldown = time.Hour
	MinNickCooldown     = 10 * time.Second
	MaxNickCooldown     = time.Hour
	DefaultAbsence      = 7 * 24 * time.Hour
	ProposalWindow      = 2 * time.Minute
)

// AdminChecker answers whether a user administers a chat. Implementations
// must not fail; unknown means false.
type AdminChecker interface {
	IsAdmin(ctx context.Context, chat core.ChatID, user core.UserID) bool
}

// Deps are the components the engine drives. Persist, Classifier, Metrics
// and Publisher may be nil.
type Deps struct {
	Store        *state.Store
	Directory    *identity.Directory
	Access       *access.Control
	Admins       AdminChecker
	Ledger       *reputation.Ledger
	Triggers     *trigger.Engine
	Achievements *achievement.Engine
	Classifier   *classify.Detector
	Nicknames    *nickname.Generator
	Persist      *persist.Manager
	Metrics      *metrics.Metrics
	Publisher    Publisher
}

type Options struct {
	Operator     core.UserID
	NickCooldown time.Duration
	Absence      time.Duration
	Now          func() time.Time
}

type Engine struct {
	Deps
	operator     core.UserID
	nickCooldown time.Duration
	absence      time.Duration
	now          func() time.Time

	mu        sync.Mutex
	limiters  map[core.UserID]*rate.Limiter
	proposals map[string]*Proposal
}

func New(deps Deps, opts Options) *Engine {
	cooldown := opts.NickCooldown
	if cooldown <= 0 {
		cooldown = DefaultNickCooldown
	}
	if cooldown < MinNickCooldown {
		cooldown = MinNickCooldown
	}
	if cooldown > MaxNickCooldown {
		cooldown = MaxNickCooldown
	}
	absence := opts.Absence
	if absence <= 0 {
		absence = DefaultAbsence
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if deps.Nicknames == nil {
		deps.Nicknames = nickname.NewGenerator(time.Now().UnixNano())
	}
	e := &Engine{
		Deps:         deps,
		operator:     opts.Operator,
		nickCooldown: cooldown,
		absence:      absence,
		now:          now,
		limiters:     make(map[core.UserID]*rate.Limiter),
		proposals:    make(map[string]*Proposal),
	}
	if deps.Access != nil {
		deps.Access.OnDeny(e.forgetChat)
		served := func(id core.ChatID) bool { return !deps.Access.Revoked(id) }
		deps.Store.SetGuard(served)
		if deps.Triggers != nil {
			deps.Triggers.Guard = served
		}
	}
	return e
}

// forgetChat drops everything held for a chat that lost access.
func (e *Engine) forgetChat(chat core.ChatID) {
	e.Store.Drop(chat)
	e.Triggers.Drop(chat)
	if f, ok := e.Admins.(interface{ Forget(core.ChatID) }); ok {
		f.Forget(chat)
	}
	e.mu.Lock()
	for id, p := range e.proposals {
		if p.ChatID == chat {
			delete(e.proposals, id)
		}
	}
	e.mu.Unlock()
}

// Outcome reports what a message caused. Reply is the trigger reply to
// send, if any.
type Outcome struct {
	Rejected      bool                 `json:"rejected,omitempty"`
	Notify        bool                 `json:"notify,omitempty"`
	Comeback      bool                 `json:"comeback,omitempty"`
	Reputation    *reputation.Result   `json:"reputation,omitempty"`
	ReputationErr string               `json:"reputation_error,omitempty"`
	Trigger       string               `json:"trigger,omitempty"`
	Reply         string               `json:"reply,omitempty"`
	Suppressed    bool                 `json:"suppressed,omitempty"`
	Restricted    bool                 `json:"restricted,omitempty"`
	Unlocked      []achievement.Unlock `json:"unlocked,omitempty"`
}

// HandleMessage runs one inbound message through access control, activity
// counters, reputation commands, triggers and the content classifier, in
// that order. Per-operation failures are reported in Outcome; the returned
// error is reserved for malformed input.
func (e *Engine) HandleMessage(ctx context.Context, msg core.Message) (Outcome, error) {
	if msg.ChatID == 0 || msg.From.ID == 0 {
		return Outcome{}, fmt.Errorf("%w: message without chat or sender", core.ErrInvalidState)
	}
	if e.Access != nil {
		if d := e.Access.Admit(msg.ChatID, msg.ChatType); !d.Allowed {
			e.Metrics.IncMessages("rejected")
			if d.Notify {
				e.publish(Event{Type: EventChatRejected, ChatID: msg.ChatID, Text: rejectionNotice})
			}
			return Outcome{Rejected: true, Notify: d.Notify}, nil
		}
	}
	e.Metrics.IncMessages("handled")
	e.observe(msg.From)
	if msg.ReplyTo != nil {
		e.observe(*msg.ReplyTo)
	}

	ts := msg.Ts
	if ts.IsZero() {
		ts = e.now()
	}
	var out Outcome
	user := msg.From.ID
	err := e.Store.Update(msg.ChatID, func(c *state.Chat) error {
		if msg.ChatTitle != "" {
			c.Title = msg.ChatTitle
		}
		if _, err := c.Increment(user, state.CounterMessages, 1); err != nil {
			return err
		}
		if _, err := c.Increment(user, state.CounterCharacters, int64(utf8.RuneCountInString(msg.Text))); err != nil {
			return err
		}
		if c.Touch(user, ts, e.absence) {
			out.Comeback = true
			if _, err := c.Increment(user, state.CounterComebacks, 1); err != nil {
				return err
			}
		}
		out.Unlocked = append(out.Unlocked, e.Achievements.EvaluateIn(c, user)...)
		return nil
	})
	if errors.Is(err, core.ErrUnauthorized) {
		// Access was revoked after Admit.
		return e.revoked()
	}
	if err != nil {
		return out, err
	}

	if cmd, ok := ParseReputation(msg.Text); ok {
		target := core.UserID(0)
		switch {
		case msg.ReplyTo != nil:
			target = msg.ReplyTo.ID
		case cmd.Handle != "":
			if id, found := e.Directory.Resolve(cmd.Handle); found {
				target = id
			}
		}
		res, err := e.give(ctx, msg.ChatID, user, target, cmd.Delta)
		if err != nil {
			out.ReputationErr = err.Error()
		}
		if err == nil || errors.Is(err, core.ErrSelfTarget) {
			out.Reputation = &res
			out.Unlocked = append(out.Unlocked, res.Unlocked...)
		}
	} else if hit, fired := e.Triggers.Match(msg.ChatID, msg.Text); fired {
		e.Metrics.IncTrigger("fired")
		out.Trigger = hit.Rule.ID
		out.Reply = hit.Reply
		err := e.Store.Update(msg.ChatID, func(c *state.Chat) error {
			if _, err := c.Increment(user, state.CounterTriggerHits, 1); err != nil {
				return err
			}
			if hit.Rule.Category != "" {
				if _, err := c.Increment(user, state.TopicCounter(hit.Rule.Category), 1); err != nil {
					return err
				}
			}
			out.Unlocked = append(out.Unlocked, e.Achievements.EvaluateIn(c, user)...)
			return nil
		})
		if errors.Is(err, core.ErrUnauthorized) {
			return e.revoked()
		}
		if err != nil {
			return out, err
		}
		if hit.Reply != "" {
			e.publish(Event{Type: EventTriggerReply, ChatID: msg.ChatID, UserID: user, Text: hit.Reply})
		}
	} else if hit.Suppressed {
		e.Metrics.IncTrigger("suppressed")
		out.Suppressed = true
	}

	if e.Classifier.Restricted(msg.Text) {
		out.Restricted = true
		err := e.Store.Update(msg.ChatID, func(c *state.Chat) error {
			if _, err := c.Increment(user, state.CounterRestricted, 1); err != nil {
				return err
			}
			out.Unlocked = append(out.Unlocked, e.Achievements.EvaluateIn(c, user)...)
			return nil
		})
		if errors.Is(err, core.ErrUnauthorized) {
			return e.revoked()
		}
		if err != nil {
			return out, err
		}
	}

	e.announce(out.Unlocked)
	return out, nil
}

func (e *Engine) revoked() (Outcome, error) {
	e.Metrics.IncMessages("rejected")
	return Outcome{Rejected: true}, nil
}

func (e *Engine) observe(u core.User) {
	if e.Directory != nil {
		e.Directory.Observe(u)
	}
}

// give wraps the ledger with metrics. Self-boost unlocks are announced by
// the caller together with the rest.
func (e *Engine) give(ctx context.Context, chat core.ChatID, giver, target core.UserID, delta int64) (reputation.Result, error) {
	res, err := e.Ledger.Give(ctx, chat, giver, target, delta)
	switch {
	case err == nil:
		e.Metrics.IncReputation("ok")
	case errors.Is(err, core.ErrRateLimited):
		e.Metrics.IncReputation("rate_limited")
	case errors.Is(err, core.ErrSelfTarget):
		e.Metrics.IncReputation("self_target")
	case errors.Is(err, core.ErrAmbiguousTarget):
		e.Metrics.IncReputation("ambiguous")
	default:
		e.Metrics.IncReputation("error")
		slog.Warn("engine: reputation failed", "chat", chat, "giver", giver, "err", err)
	}
	return res, err
}

func (e *Engine) announce(unlocks []achievement.Unlock) {
	for _, u := range unlocks {
		e.Metrics.IncUnlock(u.Achievement.ID)
		text := fmt.Sprintf("🏅 %s получает ачивку «%s»: %s", e.display(u.UserID), u.Achievement.Title, u.Achievement.Description)
		e.publish(Event{Type: EventAchievement, ChatID: u.ChatID, UserID: u.UserID, Text: text, Data: u.Achievement})
	}
}

func (e *Engine) display(id core.UserID) string {
	if e.Directory == nil {
		return "id" + id.String()
	}
	return e.Directory.Display(id)
}

func (e *Engine) publish(ev Event) {
	if e.Publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	e.Publisher.Publish(ev)
}
