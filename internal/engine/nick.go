package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/state"
)

// NickRequest asks for a new nickname. The target is ReplyTo when set,
// then Handle, then the initiator.
type NickRequest struct {
	ChatID    core.ChatID   `json:"chat_id"`
	ChatType  core.ChatType `json:"chat_type"`
	Initiator core.User     `json:"initiator"`
	ReplyTo   *core.User    `json:"reply_to,omitempty"`
	Handle    string        `json:"handle,omitempty"`
}

// NickResult is either an applied nickname or, for an administrator
// target, an opened proposal.
type NickResult struct {
	Target   core.UserID          `json:"target"`
	Nickname string               `json:"nickname,omitempty"`
	Previous string               `json:"previous,omitempty"`
	Fallback bool                 `json:"fallback,omitempty"`
	Proposal *Proposal            `json:"proposal,omitempty"`
	Unlocked []achievement.Unlock `json:"unlocked,omitempty"`
}

// Proposal is a pending vote on renaming a chat administrator.
type Proposal struct {
	ID       string      `json:"id"`
	ChatID   core.ChatID `json:"chat_id"`
	Target   core.UserID `json:"target"`
	Nickname string      `json:"nickname"`
	OpenedBy core.UserID `json:"opened_by"`
	Deadline time.Time   `json:"deadline"`
}

type ProposalResult struct {
	Proposal Proposal             `json:"proposal"`
	Yes      int                  `json:"yes"`
	No       int                  `json:"no"`
	Passed   bool                 `json:"passed"`
	Unlocked []achievement.Unlock `json:"unlocked,omitempty"`
}

// Nick assigns a fresh nickname, subject to a per-initiator cooldown.
// Renaming an administrator other than yourself opens a proposal instead.
func (e *Engine) Nick(ctx context.Context, req NickRequest) (NickResult, error) {
	if err := e.admit(req.ChatID, req.ChatType); err != nil {
		return NickResult{}, err
	}
	e.observe(req.Initiator)

	now := e.now()
	reservation := e.limiter(req.Initiator.ID).ReserveN(now, 1)
	if wait := reservation.DelayFrom(now); wait > 0 {
		reservation.CancelAt(now)
		e.Metrics.IncNickname("cooldown")
		return NickResult{}, &core.CooldownError{Wait: wait}
	}

	target, err := e.nickTarget(req)
	if err != nil {
		reservation.CancelAt(now)
		e.Metrics.IncNickname("ambiguous")
		return NickResult{}, err
	}

	if target != req.Initiator.ID && e.Admins != nil && e.Admins.IsAdmin(ctx, req.ChatID, target) {
		p := e.openProposal(req.ChatID, target, req.Initiator.ID, now)
		e.Metrics.IncNickname("proposal")
		return NickResult{Target: target, Proposal: &p}, nil
	}

	res := NickResult{Target: target}
	err = e.Store.Update(req.ChatID, func(c *state.Chat) error {
		res.Previous = c.Nickname(target)
		nick, unique := e.Nicknames.Generate(res.Previous, c.NicknameTaken)
		if unique {
			if err := c.SetNickname(target, nick); err != nil {
				return err
			}
		} else {
			c.ForceNickname(target, nick)
		}
		res.Nickname = nick
		res.Fallback = !unique
		if _, err := c.Increment(target, state.CounterNickChanges, 1); err != nil {
			return err
		}
		res.Unlocked = e.Achievements.EvaluateIn(c, target)
		return nil
	})
	if err != nil {
		reservation.CancelAt(now)
		return NickResult{}, err
	}
	if res.Fallback {
		slog.Warn("engine: nickname namespace exhausted, using fallback", "chat", req.ChatID, "user", target)
	}
	e.Metrics.IncNickname("applied")

	text := fmt.Sprintf("%s теперь известен(а) как «%s»", e.display(target), res.Nickname)
	if target == req.Initiator.ID {
		text = fmt.Sprintf("Твой новый ник: «%s»", res.Nickname)
	}
	e.publish(Event{Type: EventNickname, ChatID: req.ChatID, UserID: target, Text: text})
	e.announce(res.Unlocked)
	return res, nil
}

func (e *Engine) nickTarget(req NickRequest) (core.UserID, error) {
	if req.ReplyTo != nil && req.ReplyTo.ID != 0 {
		e.observe(*req.ReplyTo)
		return req.ReplyTo.ID, nil
	}
	if req.Handle != "" {
		id, ok := e.Directory.Resolve(req.Handle)
		if !ok {
			return 0, fmt.Errorf("unknown handle %s: %w", req.Handle, core.ErrAmbiguousTarget)
		}
		return id, nil
	}
	return req.Initiator.ID, nil
}

func (e *Engine) limiter(user core.UserID) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[user]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.nickCooldown), 1)
		e.limiters[user] = lim
	}
	return lim
}

func (e *Engine) openProposal(chat core.ChatID, target, opener core.UserID, now time.Time) Proposal {
	var nick string
	_ = e.Store.Update(chat, func(c *state.Chat) error {
		nick, _ = e.Nicknames.Generate(c.Nickname(target), c.NicknameTaken)
		return nil
	})
	p := Proposal{
		ID:       uuid.NewString(),
		ChatID:   chat,
		Target:   target,
		Nickname: nick,
		OpenedBy: opener,
		Deadline: now.Add(ProposalWindow),
	}
	e.mu.Lock()
	e.proposals[p.ID] = &p
	e.mu.Unlock()

	text := fmt.Sprintf("Меняем ник админу %s на «%s»? Голосование открыто 2 минуты.", e.display(target), nick)
	e.publish(Event{Type: EventProposalOpened, ChatID: chat, UserID: target, Text: text, Data: p})
	return p
}

// ResolveProposal closes a proposal with the final vote. It passes with a
// strict majority; a nickname claimed by someone else in the meantime
// fails it.
func (e *Engine) ResolveProposal(id string, yes, no int) (ProposalResult, error) {
	e.mu.Lock()
	p, ok := e.proposals[id]
	if ok {
		delete(e.proposals, id)
	}
	e.mu.Unlock()
	if !ok {
		return ProposalResult{}, fmt.Errorf("proposal %s: %w", id, core.ErrNotFound)
	}

	res := ProposalResult{Proposal: *p, Yes: yes, No: no, Passed: yes > no}
	if res.Passed {
		err := e.Store.Update(p.ChatID, func(c *state.Chat) error {
			if c.Nickname(p.Target) == p.Nickname {
				return nil
			}
			if err := c.SetNickname(p.Target, p.Nickname); err != nil {
				return err
			}
			if _, err := c.Increment(p.Target, state.CounterNickChanges, 1); err != nil {
				return err
			}
			res.Unlocked = e.Achievements.EvaluateIn(c, p.Target)
			return nil
		})
		if err != nil {
			slog.Info("engine: proposal nickname no longer available", "proposal", id, "err", err)
			res.Passed = false
		}
	}

	text := fmt.Sprintf("❌ Голосование не прошло. Ник %s остаётся без изменений.", e.display(p.Target))
	if res.Passed {
		text = fmt.Sprintf("🎉 Голосование принято! %s теперь «%s»", e.display(p.Target), p.Nickname)
	}
	e.publish(Event{Type: EventProposalClosed, ChatID: p.ChatID, UserID: p.Target, Text: text, Data: res})
	e.announce(res.Unlocked)
	return res, nil
}

// CloseChatProposal lets an administrator force-close the chat's oldest
// open proposal with the votes counted so far.
func (e *Engine) CloseChatProposal(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, yes, no int) (ProposalResult, error) {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return ProposalResult{}, err
	}
	pending := e.Proposals(chat)
	if len(pending) == 0 {
		return ProposalResult{}, fmt.Errorf("no open proposal in chat %d: %w", chat, core.ErrNotFound)
	}
	return e.ResolveProposal(pending[0].ID, yes, no)
}

// Proposals lists the chat's open proposals, oldest deadline first.
func (e *Engine) Proposals(chat core.ChatID) []Proposal {
	e.mu.Lock()
	var out []Proposal
	for _, p := range e.proposals {
		if p.ChatID == chat {
			out = append(out, *p)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// ExpireProposals fails every proposal whose deadline has passed. Votes
// that never reached the engine count as none.
func (e *Engine) ExpireProposals(now time.Time) []ProposalResult {
	e.mu.Lock()
	var due []string
	for id, p := range e.proposals {
		if !now.Before(p.Deadline) {
			due = append(due, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(due)

	var out []ProposalResult
	for _, id := range due {
		if res, err := e.ResolveProposal(id, 0, 0); err == nil {
			out = append(out, res)
		}
	}
	return out
}

// RunProposalExpiry calls ExpireProposals every interval until ctx is done.
func (e *Engine) RunProposalExpiry(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.ExpireProposals(e.now())
		}
	}
}
