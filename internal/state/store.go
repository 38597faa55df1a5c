// Package state owns every per-chat nickname, counter, reputation and
// achievement map. All mutation goes through Store so each chat's
// read-modify-write sequences run under that chat's lock.
package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/you/lampbot/internal/core"
)

type slot struct {
	mu      sync.Mutex
	chat    *Chat
	dropped bool
}

type Store struct {
	mu    sync.Mutex
	chats map[core.ChatID]*slot
	guard func(core.ChatID) bool
}

func NewStore() *Store {
	return &Store{chats: make(map[core.ChatID]*slot)}
}

// SetGuard installs a check run before a chat is created. Chats it refuses
// are never recreated by Update.
func (s *Store) SetGuard(fn func(core.ChatID) bool) {
	s.mu.Lock()
	s.guard = fn
	s.mu.Unlock()
}

func (s *Store) slotFor(id core.ChatID, create bool) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.chats[id]
	if !ok && create {
		if s.guard != nil && !s.guard(id) {
			return nil
		}
		sl = &slot{chat: NewChat(id)}
		s.chats[id] = sl
	}
	return sl
}

// Update runs fn with exclusive access to the chat, creating it on first use.
// A chat refused by the guard fails with core.ErrUnauthorized.
func (s *Store) Update(id core.ChatID, fn func(*Chat) error) error {
	for {
		sl := s.slotFor(id, true)
		if sl == nil {
			return fmt.Errorf("%w: chat %d is not served", core.ErrUnauthorized, id)
		}
		sl.mu.Lock()
		if sl.dropped {
			// Dropped between lookup and lock; retry against the fresh slot.
			sl.mu.Unlock()
			continue
		}
		err := fn(sl.chat)
		sl.mu.Unlock()
		return err
	}
}

// View runs fn under the chat lock without creating the chat. It reports
// whether the chat exists.
func (s *Store) View(id core.ChatID, fn func(*Chat)) bool {
	sl := s.slotFor(id, false)
	if sl == nil {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dropped {
		return false
	}
	fn(sl.chat)
	return true
}

// EnsureChat creates empty containers for the chat. Idempotent.
func (s *Store) EnsureChat(id core.ChatID) {
	_ = s.Update(id, func(*Chat) error { return nil })
}

func (s *Store) SetNickname(chat core.ChatID, user core.UserID, nick string) error {
	return s.Update(chat, func(c *Chat) error { return c.SetNickname(user, nick) })
}

func (s *Store) IncrementCounter(chat core.ChatID, user core.UserID, kind CounterKind, amount int64) (int64, error) {
	var total int64
	err := s.Update(chat, func(c *Chat) error {
		var err error
		total, err = c.Increment(user, kind, amount)
		return err
	})
	return total, err
}

func (s *Store) ClearUser(chat core.ChatID, user core.UserID) {
	s.View(chat, func(c *Chat) { c.ClearUser(user) })
}

// ClearChat wipes all users of the chat but keeps the chat known.
func (s *Store) ClearChat(chat core.ChatID) {
	s.View(chat, func(c *Chat) { c.Reset() })
}

// Drop removes the chat entirely.
func (s *Store) Drop(id core.ChatID) {
	s.mu.Lock()
	sl, ok := s.chats[id]
	delete(s.chats, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	sl.mu.Lock()
	sl.dropped = true
	sl.chat = nil
	sl.mu.Unlock()
}

// Chats lists known chat ids in ascending order.
func (s *Store) Chats() []core.ChatID {
	s.mu.Lock()
	ids := make([]core.ChatID, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Export copies one chat under its lock.
func (s *Store) Export(id core.ChatID) (ChatData, bool) {
	var data ChatData
	ok := s.View(id, func(c *Chat) { data = c.Export() })
	return data, ok
}

// ExportAll copies every chat, each under its own lock.
func (s *Store) ExportAll() []ChatData {
	ids := s.Chats()
	out := make([]ChatData, 0, len(ids))
	for _, id := range ids {
		if data, ok := s.Export(id); ok {
			out = append(out, data)
		}
	}
	return out
}

// Put swaps a prepared chat in place of the live one. Other chats are not
// touched.
func (s *Store) Put(c *Chat) {
	_ = s.Update(c.ID, func(live *Chat) error {
		*live = *c
		return nil
	})
}

// Replace discards every chat and installs chats. Used once at boot.
func (s *Store) Replace(chats []*Chat) {
	next := make(map[core.ChatID]*slot, len(chats))
	for _, c := range chats {
		next[c.ID] = &slot{chat: c}
	}
	s.mu.Lock()
	old := s.chats
	s.chats = next
	s.mu.Unlock()
	for _, sl := range old {
		sl.mu.Lock()
		sl.dropped = true
		sl.chat = nil
		sl.mu.Unlock()
	}
}
