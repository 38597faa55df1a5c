package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/you/lampbot/internal/core"
)

// CounterKind names a monotonic per-user activity counter.
type CounterKind string

const (
	CounterMessages         CounterKind = "messages"
	CounterCharacters       CounterKind = "characters"
	CounterNickChanges      CounterKind = "nick_changes"
	CounterTriggerHits      CounterKind = "trigger_hits"
	CounterEightBall        CounterKind = "eight_ball"
	CounterComebacks        CounterKind = "comebacks"
	CounterRestricted       CounterKind = "restricted"
	CounterAdminAdjustments CounterKind = "admin_adjustments"
	CounterSelfBoosts       CounterKind = "self_boosts"

	topicPrefix = "topic:"
)

// TopicCounter is the counter fed by trigger rules of the given category.
func TopicCounter(category string) CounterKind {
	return CounterKind(topicPrefix + strings.ToLower(strings.TrimSpace(category)))
}

// Reputation holds the running totals for one user in one chat. Given and
// Received are signed sums of deltas.
type Reputation struct {
	Given         int64 `json:"given"`
	Received      int64 `json:"received"`
	PositiveGiven int64 `json:"positive_given"`
	NegativeGiven int64 `json:"negative_given"`
}

// UserState is everything tracked for a user inside a single chat.
type UserState struct {
	Nickname     string
	Counters     map[CounterKind]int64
	Reputation   Reputation
	LastMessage  time.Time
	Achievements map[string]time.Time
}

func newUserState() *UserState {
	return &UserState{
		Counters:     make(map[CounterKind]int64),
		Achievements: make(map[string]time.Time),
	}
}

func (u *UserState) clone() UserState {
	out := *u
	out.Counters = make(map[CounterKind]int64, len(u.Counters))
	for k, v := range u.Counters {
		out.Counters[k] = v
	}
	out.Achievements = make(map[string]time.Time, len(u.Achievements))
	for k, v := range u.Achievements {
		out.Achievements[k] = v
	}
	return out
}

func (u *UserState) Counter(kind CounterKind) int64 {
	if u == nil {
		return 0
	}
	return u.Counters[kind]
}

// Chat is the per-chat container. Its methods must only be called from
// inside Store.Update or Store.View, which hold the chat lock.
type Chat struct {
	ID    core.ChatID
	Title string

	users      map[core.UserID]*UserState
	nickOwners map[string]core.UserID
	windows    map[core.UserID][]time.Time
}

func NewChat(id core.ChatID) *Chat {
	return &Chat{
		ID:         id,
		users:      make(map[core.UserID]*UserState),
		nickOwners: make(map[string]core.UserID),
		windows:    make(map[core.UserID][]time.Time),
	}
}

// User returns the user's state, creating it on first use.
func (c *Chat) User(id core.UserID) *UserState {
	u, ok := c.users[id]
	if !ok {
		u = newUserState()
		c.users[id] = u
	}
	return u
}

// Lookup returns a copy of the user's state without creating it.
func (c *Chat) Lookup(id core.UserID) (UserState, bool) {
	u, ok := c.users[id]
	if !ok {
		return UserState{}, false
	}
	return u.clone(), true
}

// Users lists the known users in ascending id order.
func (c *Chat) Users() []core.UserID {
	ids := make([]core.UserID, 0, len(c.users))
	for id := range c.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Chat) Nickname(id core.UserID) string {
	if u, ok := c.users[id]; ok {
		return u.Nickname
	}
	return ""
}

// NicknameOwner reports which user currently holds nick.
func (c *Chat) NicknameOwner(nick string) (core.UserID, bool) {
	id, ok := c.nickOwners[nick]
	return id, ok
}

// NicknameTaken is the in-use predicate handed to the nickname generator.
func (c *Chat) NicknameTaken(nick string) bool {
	_, ok := c.nickOwners[nick]
	return ok
}

// SetNickname retires the user's previous nickname and claims nick. A nick
// held by a different user is rejected with core.ErrInvalidState.
func (c *Chat) SetNickname(id core.UserID, nick string) error {
	if nick == "" {
		return fmt.Errorf("%w: empty nickname", core.ErrInvalidState)
	}
	if owner, ok := c.nickOwners[nick]; ok && owner != id {
		return fmt.Errorf("%w: nickname %q held by %d", core.ErrInvalidState, nick, owner)
	}
	u := c.User(id)
	if u.Nickname != "" && c.nickOwners[u.Nickname] == id {
		delete(c.nickOwners, u.Nickname)
	}
	u.Nickname = nick
	c.nickOwners[nick] = id
	return nil
}

// ForceNickname assigns nick even when another user holds it. Only the
// exhausted-namespace fallback of the generator uses this path; the previous
// holder keeps the string and the in-use set points at the newest owner.
func (c *Chat) ForceNickname(id core.UserID, nick string) {
	u := c.User(id)
	if u.Nickname != "" && c.nickOwners[u.Nickname] == id {
		delete(c.nickOwners, u.Nickname)
	}
	u.Nickname = nick
	c.nickOwners[nick] = id
}

// Increment adds amount to a counter. Counters never decrease.
func (c *Chat) Increment(id core.UserID, kind CounterKind, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: negative increment %d for %s", core.ErrInvalidState, amount, kind)
	}
	u := c.User(id)
	u.Counters[kind] += amount
	return u.Counters[kind], nil
}

// Touch stamps the user's last message time and reports whether the previous
// message was more than absence ago.
func (c *Chat) Touch(id core.UserID, now time.Time, absence time.Duration) bool {
	u := c.User(id)
	prev := u.LastMessage
	if now.After(prev) {
		u.LastMessage = now
	}
	return !prev.IsZero() && absence > 0 && now.Sub(prev) >= absence
}

// AdjustReputation applies delta from giver to target.
func (c *Chat) AdjustReputation(giver, target core.UserID, delta int64) (Reputation, Reputation) {
	g := c.User(giver)
	g.Reputation.Given += delta
	if delta > 0 {
		g.Reputation.PositiveGiven++
	} else if delta < 0 {
		g.Reputation.NegativeGiven++
	}
	t := c.User(target)
	t.Reputation.Received += delta
	return g.Reputation, t.Reputation
}

// Window returns a copy of the giver's adjustment timestamps.
func (c *Chat) Window(giver core.UserID) []time.Time {
	return append([]time.Time(nil), c.windows[giver]...)
}

// PruneWindow drops timestamps at or before cutoff and returns what is left.
func (c *Chat) PruneWindow(giver core.UserID, cutoff time.Time) []time.Time {
	entries := c.windows[giver]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(c.windows, giver)
		return nil
	}
	c.windows[giver] = kept
	return append([]time.Time(nil), kept...)
}

// AppendWindow records an adjustment, retaining at most max entries.
func (c *Chat) AppendWindow(giver core.UserID, ts time.Time, max int) {
	entries := append(c.windows[giver], ts)
	if max > 0 && len(entries) > max {
		entries = append([]time.Time(nil), entries[len(entries)-max:]...)
	}
	c.windows[giver] = entries
}

func (c *Chat) HasAchievement(id core.UserID, achievement string) bool {
	u, ok := c.users[id]
	if !ok {
		return false
	}
	_, unlocked := u.Achievements[achievement]
	return unlocked
}

// Unlock records achievement for the user. It returns false when the
// achievement was already present and leaves the record untouched.
func (c *Chat) Unlock(id core.UserID, achievement string, at time.Time) bool {
	u := c.User(id)
	if _, ok := u.Achievements[achievement]; ok {
		return false
	}
	u.Achievements[achievement] = at
	return true
}

// Achievements lists the user's unlocked ids in sorted order.
func (c *Chat) Achievements(id core.UserID) []string {
	u, ok := c.users[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(u.Achievements))
	for a := range u.Achievements {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ClearUser forgets everything about the user and releases their nickname.
func (c *Chat) ClearUser(id core.UserID) {
	if u, ok := c.users[id]; ok && u.Nickname != "" && c.nickOwners[u.Nickname] == id {
		delete(c.nickOwners, u.Nickname)
	}
	delete(c.users, id)
	delete(c.windows, id)
}

// Reset wipes every user in the chat, keeping the id and title.
func (c *Chat) Reset() {
	c.users = make(map[core.UserID]*UserState)
	c.nickOwners = make(map[string]core.UserID)
	c.windows = make(map[core.UserID][]time.Time)
}
