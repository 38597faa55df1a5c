package engine

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/persist"
	"github.com/you/lampbot/internal/reputation"
	"github.com/you/lampbot/internal/state"
	"github.com/you/lampbot/internal/trigger"
)

var eightBallAnswers = []string{
	"Бесспорно.", "Предрешено.", "Никаких сомнений.", "Определённо да.",
	"Можешь быть уверен в этом.", "Мне кажется, да.", "Вероятнее всего.",
	"Хорошие перспективы.", "Знаки говорят «да».", "Пока не ясно, попробуй снова.",
	"Спроси позже.", "Лучше не рассказывать.", "Сейчас нельзя предсказать.",
	"Даже не думай.", "Мой ответ «нет».", "По моим данным, нет.",
	"Перспективы не очень.", "Весьма сомнительно.",
}

func (e *Engine) admit(chat core.ChatID, typ core.ChatType) error {
	if chat == 0 {
		return fmt.Errorf("%w: missing chat", core.ErrInvalidState)
	}
	if e.Access == nil {
		return nil
	}
	if !e.Access.Admit(chat, typ).Allowed {
		return fmt.Errorf("chat %d is not allowed: %w", chat, core.ErrUnauthorized)
	}
	return nil
}

// adminIn admits the chat and then requires an administrator of it.
func (e *Engine) adminIn(ctx context.Context, chat core.ChatID, typ core.ChatType, actor core.UserID) error {
	if err := e.admit(chat, typ); err != nil {
		return err
	}
	return e.requireAdmin(ctx, chat, actor)
}

// requireAdmin passes the operator and chat administrators.
func (e *Engine) requireAdmin(ctx context.Context, chat core.ChatID, actor core.UserID) error {
	if e.operator != 0 && actor == e.operator {
		return nil
	}
	if e.Admins != nil && e.Admins.IsAdmin(ctx, chat, actor) {
		return nil
	}
	return core.ErrUnauthorized
}

func (e *Engine) requireOperator(actor core.UserID) error {
	if e.operator == 0 || actor != e.operator {
		return core.ErrUnauthorized
	}
	return nil
}

// EightBall counts a question to the oracle and returns its answer.
func (e *Engine) EightBall(ctx context.Context, chat core.ChatID, typ core.ChatType, user core.User) (string, []achievement.Unlock, error) {
	if err := e.admit(chat, typ); err != nil {
		return "", nil, err
	}
	e.observe(user)
	var unlocked []achievement.Unlock
	err := e.Store.Update(chat, func(c *state.Chat) error {
		if _, err := c.Increment(user.ID, state.CounterEightBall, 1); err != nil {
			return err
		}
		unlocked = e.Achievements.EvaluateIn(c, user.ID)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	e.announce(unlocked)
	return eightBallAnswers[rand.Intn(len(eightBallAnswers))], unlocked, nil
}

// GiveReputation is the explicit form of a "+1"/"-1" message.
func (e *Engine) GiveReputation(ctx context.Context, chat core.ChatID, typ core.ChatType, giver core.User, target core.UserID, delta int64) (reputation.Result, error) {
	if err := e.admit(chat, typ); err != nil {
		return reputation.Result{}, err
	}
	e.observe(giver)
	res, err := e.give(ctx, chat, giver.ID, target, delta)
	e.announce(res.Unlocked)
	return res, err
}

func (e *Engine) ListTriggers(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType) ([]trigger.Rule, error) {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return nil, err
	}
	return e.Triggers.Rules(chat), nil
}

func (e *Engine) AddTrigger(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, rule trigger.Rule) (trigger.Rule, error) {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return trigger.Rule{}, err
	}
	return e.Triggers.Add(chat, rule)
}

// ConfigureTriggers replaces the chat's rules. Rules that fail to compile
// are reported and skipped.
func (e *Engine) ConfigureTriggers(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, rules []trigger.Rule) ([]trigger.Rule, error) {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return nil, err
	}
	return e.Triggers.Configure(chat, rules)
}

func (e *Engine) SetTriggerEnabled(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, id string, enabled bool) error {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return err
	}
	return e.Triggers.SetEnabled(chat, id, enabled)
}

func (e *Engine) DeleteTrigger(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, id string) error {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return err
	}
	return e.Triggers.Delete(chat, id)
}

// ResetChat wipes the chat's users and drops its open proposals. Trigger
// configuration is kept.
func (e *Engine) ResetChat(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType) error {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return err
	}
	e.Store.ClearChat(chat)
	e.mu.Lock()
	for id, p := range e.proposals {
		if p.ChatID == chat {
			delete(e.proposals, id)
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) ResetUser(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, user core.UserID) error {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return err
	}
	e.Store.ClearUser(chat, user)
	return nil
}

// Export encodes a snapshot of one chat for its administrators, or of the
// whole store when all is set. The whole-store export is operator-only.
func (e *Engine) Export(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, all bool) ([]byte, error) {
	if e.Persist == nil {
		return nil, fmt.Errorf("%w: persistence disabled", core.ErrInvalidState)
	}
	if all {
		if err := e.requireOperator(actor); err != nil {
			return nil, err
		}
		return persist.Encode(e.Persist.SnapshotAll())
	}
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return nil, err
	}
	snap, err := e.Persist.SnapshotChat(chat)
	if err != nil {
		return nil, err
	}
	return persist.Encode(snap)
}

// Import replaces chat with the snapshot payload. Invalid payloads leave
// the chat untouched.
func (e *Engine) Import(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType, data []byte) (persist.ImportReport, error) {
	if e.Persist == nil {
		return persist.ImportReport{}, fmt.Errorf("%w: persistence disabled", core.ErrInvalidState)
	}
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return persist.ImportReport{}, err
	}
	return e.Persist.ImportScoped(chat, data)
}

// Diagnostics is the admin status view of a chat.
type Diagnostics struct {
	persist.Diagnostics
	SnapshotBytes  int `json:"snapshot_bytes"`
	ActiveTriggers int `json:"active_triggers"`
	Users          int `json:"users"`
	Chats          int `json:"chats"`
	OpenProposals  int `json:"open_proposals"`
}

func (e *Engine) Diagnostics(ctx context.Context, actor core.UserID, chat core.ChatID, typ core.ChatType) (Diagnostics, error) {
	if err := e.adminIn(ctx, chat, typ, actor); err != nil {
		return Diagnostics{}, err
	}
	d := Diagnostics{
		ActiveTriggers: e.Triggers.ActiveCount(chat),
		Chats:          len(e.Store.Chats()),
		OpenProposals:  len(e.Proposals(chat)),
	}
	e.Store.View(chat, func(c *state.Chat) { d.Users = len(c.Users()) })
	if e.Persist != nil {
		d.Diagnostics = e.Persist.Diagnostics()
		if snap, err := e.Persist.SnapshotChat(chat); err == nil {
			if data, err := persist.Encode(snap); err == nil {
				d.SnapshotBytes = len(data)
			}
		}
	}
	return d, nil
}

// SaveNow forces a full save, lifting any hold left by a rejected load.
func (e *Engine) SaveNow(ctx context.Context, actor core.UserID) error {
	if err := e.requireOperator(actor); err != nil {
		return err
	}
	if e.Persist == nil {
		return fmt.Errorf("%w: persistence disabled", core.ErrInvalidState)
	}
	e.Persist.Release()
	return e.Persist.Save(ctx)
}

func (e *Engine) AllowChat(actor core.UserID, chat core.ChatID) error {
	return e.Access.Allow(actor, chat)
}

// DenyChat removes the chat from the allowlist and forgets its state.
func (e *Engine) DenyChat(actor core.UserID, chat core.ChatID) error {
	return e.Access.Deny(actor, chat)
}

func (e *Engine) ListChats(actor core.UserID) ([]core.ChatID, error) {
	return e.Access.List(actor)
}
