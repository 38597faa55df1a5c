// Package persist serializes bot state into versioned snapshots, writes them
// to a primary blob store with a local file fallback, and restores them
// either wholesale at boot or one chat at a time.
package persist

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/identity"
	"github.com/you/lampbot/internal/state"
	"github.com/you/lampbot/internal/trigger"
)

const SchemaVersion = 1

type Scope string

const (
	ScopeAll  Scope = "all"
	ScopeChat Scope = "chat"
)

// Snapshot is the on-disk document. Chat-scoped sections are keyed by chat
// id and then user id, so a single chat can be lifted out of a full dump.
type Snapshot struct {
	Version      int                                                  `json:"version"`
	Scope        Scope                                                `json:"scope"`
	ChatID       core.ChatID                                          `json:"chat_id,omitempty"`
	CreatedAt    time.Time                                            `json:"created_at"`
	Allowlist    []core.ChatID                                        `json:"allowlist,omitempty"`
	Identities   map[core.UserID]identity.Entry                       `json:"identities"`
	Chats        map[core.ChatID]ChatMeta                             `json:"chats"`
	Nicknames    map[core.ChatID]map[core.UserID]string               `json:"nicknames"`
	Reputation   map[core.ChatID]map[core.UserID]state.Reputation     `json:"reputation"`
	RateWindows  map[core.ChatID]map[core.UserID][]time.Time          `json:"rate_windows"`
	Activity     map[core.ChatID]map[core.UserID]Activity             `json:"activity"`
	Achievements map[core.ChatID]map[core.UserID]map[string]time.Time `json:"achievements"`
	Triggers     map[core.ChatID]TriggerSection                       `json:"triggers"`
}

type ChatMeta struct {
	Title string `json:"title,omitempty"`
}

type Activity struct {
	Counters    map[state.CounterKind]int64 `json:"counters,omitempty"`
	LastMessage *time.Time                  `json:"last_message,omitempty"`
}

// TriggerSection is present only for chats whose rule list was seeded or
// configured; absent chats fall back to the defaults.
type TriggerSection struct {
	Rules []trigger.Rule `json:"rules"`
}

func newSnapshot(scope Scope, at time.Time) *Snapshot {
	return &Snapshot{
		Version:      SchemaVersion,
		Scope:        scope,
		CreatedAt:    at.UTC(),
		Identities:   make(map[core.UserID]identity.Entry),
		Chats:        make(map[core.ChatID]ChatMeta),
		Nicknames:    make(map[core.ChatID]map[core.UserID]string),
		Reputation:   make(map[core.ChatID]map[core.UserID]state.Reputation),
		RateWindows:  make(map[core.ChatID]map[core.UserID][]time.Time),
		Activity:     make(map[core.ChatID]map[core.UserID]Activity),
		Achievements: make(map[core.ChatID]map[core.UserID]map[string]time.Time),
		Triggers:     make(map[core.ChatID]TriggerSection),
	}
}

// addChat spreads one chat across the sections. Empty per-user entries are
// left out.
func (s *Snapshot) addChat(data state.ChatData) {
	id := data.ID
	s.Chats[id] = ChatMeta{Title: data.Title}
	for uid, u := range data.Users {
		if u.Nickname != "" {
			sectionFor(s.Nicknames, id)[uid] = u.Nickname
		}
		if u.Reputation != (state.Reputation{}) {
			sectionFor(s.Reputation, id)[uid] = u.Reputation
		}
		act := Activity{}
		for k, v := range u.Counters {
			if v == 0 {
				continue
			}
			if act.Counters == nil {
				act.Counters = make(map[state.CounterKind]int64)
			}
			act.Counters[k] = v
		}
		if !u.LastMessage.IsZero() {
			ts := u.LastMessage.UTC()
			act.LastMessage = &ts
		}
		if act.Counters != nil || act.LastMessage != nil {
			sectionFor(s.Activity, id)[uid] = act
		}
		if len(u.Achievements) > 0 {
			achs := make(map[string]time.Time, len(u.Achievements))
			for k, v := range u.Achievements {
				achs[k] = v.UTC()
			}
			sectionFor(s.Achievements, id)[uid] = achs
		}
	}
	for uid, w := range data.Windows {
		if len(w) == 0 {
			continue
		}
		entries := make([]time.Time, len(w))
		for i, ts := range w {
			entries[i] = ts.UTC()
		}
		sectionFor(s.RateWindows, id)[uid] = entries
	}
}

func sectionFor[V any](m map[core.ChatID]map[core.UserID]V, chat core.ChatID) map[core.UserID]V {
	sec, ok := m[chat]
	if !ok {
		sec = make(map[core.UserID]V)
		m[chat] = sec
	}
	return sec
}

// chatData gathers one chat back out of the sections.
func (s *Snapshot) chatData(id core.ChatID) state.ChatData {
	data := state.ChatData{
		ID:      id,
		Title:   s.Chats[id].Title,
		Users:   make(map[core.UserID]state.UserState),
		Windows: make(map[core.UserID][]time.Time),
	}
	user := func(uid core.UserID) state.UserState {
		u, ok := data.Users[uid]
		if !ok {
			u = state.UserState{
				Counters:     make(map[state.CounterKind]int64),
				Achievements: make(map[string]time.Time),
			}
		}
		return u
	}
	for uid, nick := range s.Nicknames[id] {
		u := user(uid)
		u.Nickname = nick
		data.Users[uid] = u
	}
	for uid, rep := range s.Reputation[id] {
		u := user(uid)
		u.Reputation = rep
		data.Users[uid] = u
	}
	for uid, act := range s.Activity[id] {
		u := user(uid)
		for k, v := range act.Counters {
			u.Counters[k] = v
		}
		if act.LastMessage != nil {
			u.LastMessage = *act.LastMessage
		}
		data.Users[uid] = u
	}
	for uid, achs := range s.Achievements[id] {
		u := user(uid)
		for k, v := range achs {
			u.Achievements[k] = v
		}
		data.Users[uid] = u
	}
	for uid, w := range s.RateWindows[id] {
		data.Windows[uid] = append([]time.Time(nil), w...)
	}
	return data
}

// ChatIDs lists the chats the snapshot covers, sorted.
func (s *Snapshot) ChatIDs() []core.ChatID {
	ids := make([]core.ChatID, 0, len(s.Chats))
	for id := range s.Chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Encode renders the snapshot as indented JSON.
func Encode(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Decode parses and structurally validates a snapshot. Every failure wraps
// core.ErrMalformedSnapshot.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedSnapshot, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedSnapshot, err)
	}
	return &s, nil
}

func (s *Snapshot) validate() error {
	if s.Version != SchemaVersion {
		return fmt.Errorf("unsupported version %d", s.Version)
	}
	switch s.Scope {
	case ScopeAll:
	case ScopeChat:
		if _, ok := s.Chats[s.ChatID]; !ok || len(s.Chats) != 1 {
			return fmt.Errorf("chat scope must cover exactly chat %d", s.ChatID)
		}
	default:
		return fmt.Errorf("unknown scope %q", s.Scope)
	}
	known := func(section string, id core.ChatID) error {
		if _, ok := s.Chats[id]; !ok {
			return fmt.Errorf("%s references unknown chat %d", section, id)
		}
		return nil
	}
	for id := range s.Nicknames {
		if err := known("nicknames", id); err != nil {
			return err
		}
	}
	for id := range s.Reputation {
		if err := known("reputation", id); err != nil {
			return err
		}
	}
	for id := range s.RateWindows {
		if err := known("rate_windows", id); err != nil {
			return err
		}
	}
	for id := range s.Activity {
		if err := known("activity", id); err != nil {
			return err
		}
	}
	for id := range s.Achievements {
		if err := known("achievements", id); err != nil {
			return err
		}
	}
	for id := range s.Triggers {
		if err := known("triggers", id); err != nil {
			return err
		}
	}
	for uid, e := range s.Identities {
		if e.UserID != uid {
			return fmt.Errorf("identity %d carries user id %d", uid, e.UserID)
		}
	}
	return nil
}
