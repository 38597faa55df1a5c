// Package access keeps the allowlist of group chats the bot serves.
package access

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/you/lampbot/internal/core"
)

// Decision is the verdict for one inbound event. Notify is set the first
// time a chat is rejected; callers post the notice and leave the chat.
type Decision struct {
	Allowed bool
	Notify  bool
}

// Control is the allowlist. Only Operator may change it.
type Control struct {
	Operator core.UserID

	mu      sync.RWMutex
	allowed map[core.ChatID]struct{}
	noticed map[core.ChatID]struct{}
	revoked map[core.ChatID]struct{}
	onDeny  []func(core.ChatID)
}

func New(operator core.UserID, seed []core.ChatID) *Control {
	c := &Control{
		Operator: operator,
		allowed:  make(map[core.ChatID]struct{}, len(seed)),
		noticed:  make(map[core.ChatID]struct{}),
		revoked:  make(map[core.ChatID]struct{}),
	}
	for _, id := range seed {
		c.allowed[id] = struct{}{}
	}
	return c
}

// OnDeny registers a hook run after a chat is removed from the allowlist.
// Hooks drop per-chat state held elsewhere.
func (c *Control) OnDeny(fn func(core.ChatID)) {
	c.mu.Lock()
	c.onDeny = append(c.onDeny, fn)
	c.mu.Unlock()
}

func (c *Control) IsAllowed(chat core.ChatID) bool {
	c.mu.RLock()
	_, ok := c.allowed[chat]
	c.mu.RUnlock()
	return ok
}

// Revoked reports whether chat was denied and not allowed again since.
// Stores consult it so a late event cannot recreate a denied chat.
func (c *Control) Revoked(chat core.ChatID) bool {
	c.mu.RLock()
	_, ok := c.revoked[chat]
	c.mu.RUnlock()
	return ok
}

// Admit decides whether an event from chat may be processed. Private chats
// always pass.
func (c *Control) Admit(chat core.ChatID, typ core.ChatType) Decision {
	if !typ.IsGroup() {
		return Decision{Allowed: true}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.allowed[chat]; ok {
		return Decision{Allowed: true}
	}
	if _, seen := c.noticed[chat]; seen {
		return Decision{}
	}
	c.noticed[chat] = struct{}{}
	slog.Info("access: rejected chat", "chat", chat)
	return Decision{Notify: true}
}

func (c *Control) Allow(actor core.UserID, chat core.ChatID) error {
	if !c.isOperator(actor) {
		return core.ErrUnauthorized
	}
	c.mu.Lock()
	c.allowed[chat] = struct{}{}
	delete(c.noticed, chat)
	delete(c.revoked, chat)
	c.mu.Unlock()
	slog.Info("access: chat allowed", "chat", chat)
	return nil
}

// Deny removes chat from the allowlist and runs the OnDeny hooks.
func (c *Control) Deny(actor core.UserID, chat core.ChatID) error {
	if !c.isOperator(actor) {
		return core.ErrUnauthorized
	}
	c.mu.Lock()
	delete(c.allowed, chat)
	delete(c.noticed, chat)
	c.revoked[chat] = struct{}{}
	hooks := slices.Clone(c.onDeny)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(chat)
	}
	slog.Info("access: chat denied", "chat", chat)
	return nil
}

func (c *Control) List(actor core.UserID) ([]core.ChatID, error) {
	if !c.isOperator(actor) {
		return nil, core.ErrUnauthorized
	}
	return c.Export(), nil
}

// Export returns the allowlist sorted, without an operator check.
func (c *Control) Export() []core.ChatID {
	c.mu.RLock()
	out := make([]core.ChatID, 0, len(c.allowed))
	for id := range c.allowed {
		out = append(out, id)
	}
	c.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Replace swaps the allowlist wholesale, used when loading a snapshot.
func (c *Control) Replace(ids []core.ChatID) {
	allowed := make(map[core.ChatID]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	c.mu.Lock()
	c.allowed = allowed
	c.noticed = make(map[core.ChatID]struct{})
	for id := range allowed {
		delete(c.revoked, id)
	}
	c.mu.Unlock()
}

func (c *Control) isOperator(actor core.UserID) bool {
	return c.Operator != 0 && actor == c.Operator
}
