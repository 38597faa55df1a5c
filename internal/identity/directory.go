// Package identity maps platform handles to stable user ids and display names.
// The directory is shared by every chat.
package identity

import (
	"strconv"
	"strings"
	"sync"

	"github.com/you/lampbot/internal/core"
)

// Entry is one known user.
type Entry struct {
	UserID  core.UserID `json:"user_id"`
	Handle  string      `json:"handle,omitempty"`
	Display string      `json:"display"`
}

type Directory struct {
	mu       sync.RWMutex
	byHandle map[string]core.UserID
	byID     map[core.UserID]Entry
}

func New() *Directory {
	return &Directory{
		byHandle: make(map[string]core.UserID),
		byID:     make(map[core.UserID]Entry),
	}
}

// NormalizeHandle lower-cases a handle and strips the leading "@".
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// DisplayName derives the handle shown to users: @username, the full name, or
// id<N> as a last resort.
func DisplayName(u core.User) string {
	if name := strings.TrimSpace(u.Username); name != "" {
		return "@" + name
	}
	if full := strings.TrimSpace(u.FullName); full != "" {
		return full
	}
	return "id" + strconv.FormatInt(int64(u.ID), 10)
}

// Observe records the user as seen. A handle that moved to a different id is
// re-pointed at the new owner.
func (d *Directory) Observe(u core.User) {
	if u.ID == 0 {
		return
	}
	entry := Entry{UserID: u.ID, Handle: NormalizeHandle(u.Username), Display: DisplayName(u)}

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.byID[u.ID]; ok && prev.Handle != "" && prev.Handle != entry.Handle {
		if d.byHandle[prev.Handle] == u.ID {
			delete(d.byHandle, prev.Handle)
		}
	}
	d.byID[u.ID] = entry
	if entry.Handle != "" {
		d.byHandle[entry.Handle] = u.ID
	}
}

// Resolve looks up a handle with or without the leading "@".
func (d *Directory) Resolve(handle string) (core.UserID, bool) {
	key := NormalizeHandle(handle)
	if key == "" {
		return 0, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byHandle[key]
	return id, ok
}

// Display returns the best known display name for id.
func (d *Directory) Display(id core.UserID) string {
	d.mu.RLock()
	entry, ok := d.byID[id]
	d.mu.RUnlock()
	if ok && entry.Display != "" {
		return entry.Display
	}
	return "id" + strconv.FormatInt(int64(id), 10)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Export copies every entry keyed by user id.
func (d *Directory) Export() map[core.UserID]Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[core.UserID]Entry, len(d.byID))
	for id, e := range d.byID {
		out[id] = e
	}
	return out
}

// Replace swaps the whole directory, used by the boot-time load.
func (d *Directory) Replace(entries map[core.UserID]Entry) {
	byHandle := make(map[string]core.UserID, len(entries))
	byID := make(map[core.UserID]Entry, len(entries))
	for id, e := range entries {
		e.UserID = id
		byID[id] = e
		if e.Handle != "" {
			byHandle[e.Handle] = id
		}
	}
	d.mu.Lock()
	d.byHandle = byHandle
	d.byID = byID
	d.mu.Unlock()
}

// Merge adds entries for ids the directory has not seen yet. Live
// observations win over imported ones.
func (d *Directory) Merge(entries map[core.UserID]Entry) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	added := 0
	for id, e := range entries {
		if _, ok := d.byID[id]; ok {
			continue
		}
		e.UserID = id
		d.byID[id] = e
		if e.Handle != "" {
			if _, taken := d.byHandle[e.Handle]; !taken {
				d.byHandle[e.Handle] = id
			}
		}
		added++
	}
	return added
}
