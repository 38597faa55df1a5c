package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/you/lampbot/internal/core"
)

// ChatData is a detached deep copy of a chat, used by snapshots.
type ChatData struct {
	ID      core.ChatID
	Title   string
	Users   map[core.UserID]UserState
	Windows map[core.UserID][]time.Time
}

// Export copies the chat so it can be serialized without holding the lock.
func (c *Chat) Export() ChatData {
	data := ChatData{
		ID:      c.ID,
		Title:   c.Title,
		Users:   make(map[core.UserID]UserState, len(c.users)),
		Windows: make(map[core.UserID][]time.Time, len(c.windows)),
	}
	for id, u := range c.users {
		data.Users[id] = u.clone()
	}
	for id, w := range c.windows {
		data.Windows[id] = append([]time.Time(nil), w...)
	}
	return data
}

// FromData validates data and builds a chat from it. Nothing is shared with
// the input. Negative counters or an oversize window reject the whole chat.
// A nickname shared by several users (the forced generator fallback) is
// kept for all of them; the most recently active holder owns it.
func FromData(data ChatData, maxWindow int) (*Chat, error) {
	c := NewChat(data.ID)
	c.Title = data.Title

	ids := make([]core.UserID, 0, len(data.Users))
	for id := range data.Users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		src := data.Users[id]
		u := newUserState()
		for k, v := range src.Counters {
			if v < 0 {
				return nil, fmt.Errorf("%w: user %d counter %s is negative", core.ErrInvalidState, id, k)
			}
			u.Counters[k] = v
		}
		for k, v := range src.Achievements {
			u.Achievements[k] = v
		}
		u.Reputation = src.Reputation
		u.LastMessage = src.LastMessage
		c.users[id] = u
		if src.Nickname != "" {
			u.Nickname = src.Nickname
			owner, taken := c.nickOwners[src.Nickname]
			if !taken || !c.users[owner].LastMessage.After(u.LastMessage) {
				c.nickOwners[src.Nickname] = id
			}
		}
	}

	for id, w := range data.Windows {
		if maxWindow > 0 && len(w) > maxWindow {
			return nil, fmt.Errorf("%w: user %d window has %d entries", core.ErrInvalidState, id, len(w))
		}
		if len(w) == 0 {
			continue
		}
		entries := append([]time.Time(nil), w...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Before(entries[j]) })
		c.windows[id] = entries
	}
	return c, nil
}
