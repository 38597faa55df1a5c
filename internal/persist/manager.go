package persist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/you/lampbot/internal/access"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/identity"
	"github.com/you/lampbot/internal/metrics"
	"github.com/you/lampbot/internal/reputation"
	"github.com/you/lampbot/internal/state"
	"github.com/you/lampbot/internal/trigger"
)

const DefaultTimeout = 10 * time.Second

// Manager snapshots and restores the live components. Primary may be nil;
// Fallback is always written after the primary attempt.
type Manager struct {
	Store     *state.Store
	Triggers  *trigger.Engine
	Directory *identity.Directory
	Access    *access.Control

	Primary  BlobStore
	Fallback BlobStore
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Now      func() time.Time
	// QuarantineDir receives copies of snapshots that could not be fully
	// applied at load.
	QuarantineDir string

	saveMu sync.Mutex
	mu     sync.Mutex
	diag   Diagnostics
}

// Diagnostics describes the last successful save and the last load.
type Diagnostics struct {
	LastSave     time.Time     `json:"last_save,omitempty"`
	LastSize     int           `json:"last_size"`
	LastTarget   string        `json:"last_target,omitempty"`
	LoadedFrom   string        `json:"loaded_from,omitempty"`
	SkippedChats []core.ChatID `json:"skipped_chats,omitempty"`
	Quarantined  []string      `json:"quarantined,omitempty"`
	// SavesHeld is set when a rejected snapshot may still be the only copy
	// of the state; saves stop until the operator forces one.
	SavesHeld string `json:"saves_held,omitempty"`
}

// ImportReport summarises a scoped import.
type ImportReport struct {
	SourceChat core.ChatID `json:"source_chat"`
	Users      int         `json:"users"`
	Rules      int         `json:"rules"`
	Identities int         `json:"identities"`
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return DefaultTimeout
}

// SnapshotAll builds a full snapshot. Each chat is copied under its own
// lock; chats are not frozen against each other.
func (m *Manager) SnapshotAll() *Snapshot {
	snap := newSnapshot(ScopeAll, m.now())
	for _, data := range m.Store.ExportAll() {
		snap.addChat(data)
	}
	for id, rules := range m.Triggers.ExportAll() {
		if _, ok := snap.Chats[id]; !ok {
			snap.Chats[id] = ChatMeta{}
		}
		snap.Triggers[id] = TriggerSection{Rules: rules}
	}
	snap.Identities = m.Directory.Export()
	snap.Allowlist = m.Access.Export()
	return snap
}

// SnapshotChat builds a snapshot holding one chat and the identities of its
// users.
func (m *Manager) SnapshotChat(id core.ChatID) (*Snapshot, error) {
	data, haveState := m.Store.Export(id)
	rules, haveRules := m.Triggers.Export(id)
	if !haveState && !haveRules {
		return nil, fmt.Errorf("chat %d: %w", id, core.ErrNotFound)
	}
	snap := newSnapshot(ScopeChat, m.now())
	snap.ChatID = id
	if haveState {
		snap.addChat(data)
	} else {
		snap.Chats[id] = ChatMeta{}
	}
	if haveRules {
		snap.Triggers[id] = TriggerSection{Rules: rules}
	}
	all := m.Directory.Export()
	for uid := range data.Users {
		if e, ok := all[uid]; ok {
			snap.Identities[uid] = e
		}
	}
	return snap, nil
}

type preparedChat struct {
	chat  *state.Chat
	rules *trigger.RuleSet
}

// prepare turns a chat section into live objects without touching any
// shared state.
func prepare(snap *Snapshot, src, dst core.ChatID) (preparedChat, error) {
	data := snap.chatData(src)
	data.ID = dst
	chat, err := state.FromData(data, reputation.DefaultLimit)
	if err != nil {
		return preparedChat{}, fmt.Errorf("%w: chat %d: %w", core.ErrMalformedSnapshot, src, err)
	}
	p := preparedChat{chat: chat}
	if sec, ok := snap.Triggers[src]; ok {
		set, err := trigger.CompileAll(sec.Rules)
		if err != nil {
			return preparedChat{}, fmt.Errorf("%w: chat %d triggers: %w", core.ErrMalformedSnapshot, src, err)
		}
		p.rules = set
	}
	return p, nil
}

// ImportScoped replaces chat with the matching section of data. When the
// snapshot covers a single other chat, that chat is imported under the
// requested id. The payload is fully validated before any live state is
// touched; on error nothing changes.
func (m *Manager) ImportScoped(chat core.ChatID, data []byte) (ImportReport, error) {
	snap, err := Decode(data)
	if err != nil {
		return ImportReport{}, err
	}
	src := chat
	if _, ok := snap.Chats[chat]; !ok {
		if len(snap.Chats) != 1 {
			return ImportReport{}, fmt.Errorf("%w: no section for chat %d", core.ErrMalformedSnapshot, chat)
		}
		src = snap.ChatIDs()[0]
	}
	p, err := prepare(snap, src, chat)
	if err != nil {
		return ImportReport{}, err
	}

	idents := make(map[core.UserID]identity.Entry)
	users := p.chat.Users()
	for _, uid := range users {
		if e, ok := snap.Identities[uid]; ok {
			idents[uid] = e
		}
	}

	m.Store.Put(p.chat)
	if p.rules != nil {
		m.Triggers.Install(chat, p.rules)
	} else {
		m.Triggers.Drop(chat)
	}
	added := m.Directory.Merge(idents)

	report := ImportReport{SourceChat: src, Users: len(users), Identities: added}
	if p.rules != nil {
		report.Rules = len(p.rules.Rules())
	}
	slog.Info("persist: chat imported", "chat", chat, "source", src, "users", report.Users, "rules", report.Rules)
	return report, nil
}

// Load restores everything from the first store that yields a usable
// snapshot, trying Primary before Fallback. With no snapshot anywhere the
// bot starts empty. The configured allowlist is kept and extended by the
// snapshot's. A chat section that fails validation is skipped without
// affecting the others. Rejected snapshots are copied to QuarantineDir;
// when that copy fails, or no store yielded a usable snapshot, periodic
// saves are held so the rejected data is not overwritten.
func (m *Manager) Load(ctx context.Context) (string, error) {
	var (
		errs        []error
		rejected    bool
		unprotected bool
	)
	for _, store := range []BlobStore{m.Primary, m.Fallback} {
		if store == nil {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, m.timeout())
		data, err := store.Load(lctx)
		cancel()
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("persist: load failed", "target", store.Name(), "err", err)
			errs = append(errs, err)
			continue
		}
		skipped, err := m.apply(data)
		if err != nil {
			slog.Error("persist: snapshot rejected", "target", store.Name(), "err", err)
			errs = append(errs, err)
			rejected = true
			if !m.quarantine(store.Name(), data) {
				unprotected = true
			}
			continue
		}
		if len(skipped) > 0 && !m.quarantine(store.Name(), data) {
			unprotected = true
		}
		m.mu.Lock()
		m.diag.LoadedFrom = store.Name()
		m.diag.SkippedChats = skipped
		m.mu.Unlock()
		if unprotected {
			m.hold("a rejected snapshot could not be quarantined")
		}
		log.Printf("persist: loaded snapshot from %s (%d bytes, %d chats skipped)", store.Name(), len(data), len(skipped))
		return store.Name(), nil
	}
	if rejected {
		m.hold("no stored snapshot could be applied")
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	log.Printf("persist: no snapshot found, starting empty")
	return "", nil
}

// apply installs every valid chat of data. It fails only when the snapshot
// as a whole cannot be decoded; invalid chat sections are returned as
// skipped.
func (m *Manager) apply(data []byte) ([]core.ChatID, error) {
	snap, err := Decode(data)
	if err != nil {
		return nil, err
	}
	var skipped []core.ChatID
	ids := snap.ChatIDs()
	chats := make([]*state.Chat, 0, len(ids))
	sets := make(map[core.ChatID]*trigger.RuleSet)
	for _, id := range ids {
		p, err := prepare(snap, id, id)
		if err != nil {
			slog.Error("persist: chat skipped", "chat", id, "err", err)
			skipped = append(skipped, id)
			continue
		}
		chats = append(chats, p.chat)
		if p.rules != nil {
			sets[id] = p.rules
		}
	}

	m.Store.Replace(chats)
	m.Triggers.ReplaceAll(sets)
	m.Directory.Replace(snap.Identities)
	m.Access.Replace(append(m.Access.Export(), snap.Allowlist...))
	return skipped, nil
}

// quarantine keeps a copy of a snapshot that was not fully applied.
func (m *Manager) quarantine(source string, data []byte) bool {
	if m.QuarantineDir == "" {
		return false
	}
	name := fmt.Sprintf("rejected-%s-%s.json", source, m.now().UTC().Format("20060102T150405.000000000Z"))
	path := filepath.Join(m.QuarantineDir, name)
	if err := atomicWrite(path, data, 0o600); err != nil {
		slog.Error("persist: quarantine failed", "path", path, "err", err)
		return false
	}
	log.Printf("persist: rejected snapshot from %s kept at %s", source, path)
	m.mu.Lock()
	m.diag.Quarantined = append(m.diag.Quarantined, path)
	m.mu.Unlock()
	return true
}

func (m *Manager) hold(reason string) {
	slog.Error("persist: saves held", "reason", reason)
	m.mu.Lock()
	m.diag.SavesHeld = reason
	m.mu.Unlock()
}

// Release lifts a save hold so the next Save overwrites the stores.
func (m *Manager) Release() {
	m.mu.Lock()
	m.diag.SavesHeld = ""
	m.mu.Unlock()
}

// Save writes a full snapshot to Primary (bounded by Timeout) and then to
// Fallback. Failures are logged and counted; an error is returned only
// when no target accepted the snapshot.
func (m *Manager) Save(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	held := m.diag.SavesHeld
	m.mu.Unlock()
	if held != "" {
		return fmt.Errorf("%w: saves held: %s", core.ErrInvalidState, held)
	}

	data, err := Encode(m.SnapshotAll())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	var (
		errs  []error
		saved string
	)
	for _, store := range []BlobStore{m.Primary, m.Fallback} {
		if store == nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, m.timeout())
		err := store.Store(sctx, data)
		cancel()
		at := m.now()
		m.Metrics.ObserveSave(store.Name(), err, len(data), at)
		if err != nil {
			slog.Warn("persist: save failed", "target", store.Name(), "err", err)
			errs = append(errs, err)
			continue
		}
		if saved == "" {
			saved = store.Name()
		}
		m.mu.Lock()
		m.diag.LastSave = at
		m.diag.LastSize = len(data)
		m.diag.LastTarget = saved
		m.mu.Unlock()
	}
	if saved == "" {
		if len(errs) == 0 {
			return errors.New("persist: no store configured")
		}
		return errors.Join(errs...)
	}
	return nil
}

func (m *Manager) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diag
}

// Run saves every interval until ctx is done, then saves once more.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return m.finalSave()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.finalSave()
		case <-ticker.C:
			if err := m.Save(ctx); err != nil {
				slog.Error("persist: periodic save failed", "err", err)
			}
		}
	}
}

func (m *Manager) finalSave() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout())
	defer cancel()
	if err := m.Save(ctx); err != nil {
		slog.Error("persist: final save failed", "err", err)
		return nil
	}
	log.Printf("persist: final snapshot saved")
	return nil
}
