package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/you/lampbot/internal/access"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/identity"
	"github.com/you/lampbot/internal/state"
	"github.com/you/lampbot/internal/trigger"
)

const (
	chatA core.ChatID = -1001
	chatB core.ChatID = -1002
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newManager(t *testing.T, path string) *Manager {
	t.Helper()
	engine, err := trigger.NewEngine(trigger.DefaultRules(), func() time.Time { return t0 })
	if err != nil {
		t.Fatalf("trigger engine: %v", err)
	}
	return &Manager{
		Store:     state.NewStore(),
		Triggers:  engine,
		Directory: identity.New(),
		Access:    access.New(1, nil),
		Fallback:  &FileStore{Path: path},
		Now:       func() time.Time { return t0 },

		QuarantineDir: filepath.Dir(path),
	}
}

func populate(t *testing.T, m *Manager) {
	t.Helper()
	err := m.Store.Update(chatA, func(c *state.Chat) error {
		c.Title = "Pub"
		if err := c.SetNickname(10, "Sleepy Fox"); err != nil {
			return err
		}
		if err := c.SetNickname(11, "Loud Owl"); err != nil {
			return err
		}
		if _, err := c.Increment(10, state.CounterMessages, 42); err != nil {
			return err
		}
		if _, err := c.Increment(10, state.TopicCounter("beer"), 3); err != nil {
			return err
		}
		c.Touch(11, t0.Add(-time.Hour), 0)
		c.AdjustReputation(10, 11, 1)
		c.AppendWindow(10, t0.Add(-time.Minute), 10)
		c.Unlock(10, "self_booster", t0.Add(-2*time.Hour))
		return nil
	})
	if err != nil {
		t.Fatalf("populate chat A: %v", err)
	}
	err = m.Store.Update(chatB, func(c *state.Chat) error {
		c.Title = "Office"
		return c.SetNickname(20, "Calm Cat")
	})
	if err != nil {
		t.Fatalf("populate chat B: %v", err)
	}
	if _, err := m.Triggers.Configure(chatA, []trigger.Rule{{ID: "beer", Name: "beer", Pattern: "beer", Replies: []string{"cheers"}, Enabled: true, Category: "beer"}}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	m.Directory.Observe(core.User{ID: 10, Username: "fox"})
	m.Directory.Observe(core.User{ID: 11, FullName: "Owl Person"})
	m.Directory.Observe(core.User{ID: 20, Username: "cat"})
	if err := m.Access.Allow(1, chatA); err != nil {
		t.Fatalf("allow: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	src := newManager(t, path)
	populate(t, src)
	if err := src.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if d := src.Diagnostics(); d.LastSize == 0 || d.LastTarget != "file" || !d.LastSave.Equal(t0) {
		t.Fatalf("diagnostics = %+v", d)
	}

	dst := newManager(t, path)
	from, err := dst.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if from != "file" {
		t.Fatalf("loaded from %q", from)
	}
	if diff := cmp.Diff(src.Store.ExportAll(), dst.Store.ExportAll()); diff != "" {
		t.Fatalf("chat state (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.Triggers.ExportAll(), dst.Triggers.ExportAll()); diff != "" {
		t.Fatalf("triggers (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src.Directory.Export(), dst.Directory.Export()); diff != "" {
		t.Fatalf("identities (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]core.ChatID{chatA}, dst.Access.Export()); diff != "" {
		t.Fatalf("allowlist (-want +got):\n%s", diff)
	}
}

func TestLoadWithoutSnapshotStartsEmpty(t *testing.T) {
	m := newManager(t, filepath.Join(t.TempDir(), "missing.json"))
	from, err := m.Load(context.Background())
	if err != nil || from != "" {
		t.Fatalf("Load = %q, %v", from, err)
	}
	if len(m.Store.Chats()) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestExportResetImport(t *testing.T) {
	m := newManager(t, filepath.Join(t.TempDir(), "state.json"))
	populate(t, m)
	before, _ := m.Store.Export(chatA)
	rulesBefore, _ := m.Triggers.Export(chatA)
	otherBefore, _ := m.Store.Export(chatB)

	snap, err := m.SnapshotChat(chatA)
	if err != nil {
		t.Fatalf("SnapshotChat: %v", err)
	}
	data, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	m.Store.ClearChat(chatA)
	m.Triggers.Drop(chatA)
	if after, _ := m.Store.Export(chatA); len(after.Users) != 0 {
		t.Fatalf("reset left users behind")
	}

	report, err := m.ImportScoped(chatA, data)
	if err != nil {
		t.Fatalf("ImportScoped: %v", err)
	}
	if report.Users != 2 || report.Rules != 1 {
		t.Fatalf("report = %+v", report)
	}
	restored, _ := m.Store.Export(chatA)
	if diff := cmp.Diff(before, restored); diff != "" {
		t.Fatalf("restored chat (-want +got):\n%s", diff)
	}
	rulesAfter, _ := m.Triggers.Export(chatA)
	if diff := cmp.Diff(rulesBefore, rulesAfter); diff != "" {
		t.Fatalf("restored rules (-want +got):\n%s", diff)
	}
	otherAfter, _ := m.Store.Export(chatB)
	if diff := cmp.Diff(otherBefore, otherAfter); diff != "" {
		t.Fatalf("other chat changed (-want +got):\n%s", diff)
	}
}

func TestImportIntoDifferentChat(t *testing.T) {
	m := newManager(t, filepath.Join(t.TempDir(), "state.json"))
	populate(t, m)
	snap, err := m.SnapshotChat(chatB)
	if err != nil {
		t.Fatalf("SnapshotChat: %v", err)
	}
	data, _ := Encode(snap)

	const target core.ChatID = -1003
	report, err := m.ImportScoped(target, data)
	if err != nil {
		t.Fatalf("ImportScoped: %v", err)
	}
	if report.SourceChat != chatB {
		t.Fatalf("source chat = %d", report.SourceChat)
	}
	var nick string
	m.Store.View(target, func(c *state.Chat) { nick = c.Nickname(20) })
	if nick != "Calm Cat" {
		t.Fatalf("nickname in target chat = %q", nick)
	}
}

func TestForcedNicknameSurvivesSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	src := newManager(t, path)
	populate(t, src)
	_ = src.Store.Update(chatA, func(c *state.Chat) error {
		c.Touch(12, t0, 0)
		c.ForceNickname(12, "Sleepy Fox")
		return nil
	})
	if err := src.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := newManager(t, path)
	if _, err := dst.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]core.ChatID{chatB, chatA}, dst.Store.Chats()); diff != "" {
		t.Fatalf("restored chats (-want +got):\n%s", diff)
	}
	var owner core.UserID
	var first, forced string
	dst.Store.View(chatA, func(c *state.Chat) {
		owner, _ = c.NicknameOwner("Sleepy Fox")
		first, forced = c.Nickname(10), c.Nickname(12)
	})
	if first != "Sleepy Fox" || forced != "Sleepy Fox" || owner != 12 {
		t.Fatalf("holders %q/%q owner %d", first, forced, owner)
	}
	if d := dst.Diagnostics(); d.SavesHeld != "" || len(d.SkippedChats) != 0 {
		t.Fatalf("diagnostics = %+v", d)
	}
}

func TestLoadSkipsOnlyInvalidChat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	src := newManager(t, path)
	populate(t, src)
	snap := src.SnapshotAll()
	snap.Activity[chatA][10] = Activity{Counters: map[state.CounterKind]int64{state.CounterMessages: -1}}
	data, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	dst := newManager(t, path)
	if _, err := dst.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]core.ChatID{chatB}, dst.Store.Chats()); diff != "" {
		t.Fatalf("restored chats (-want +got):\n%s", diff)
	}
	d := dst.Diagnostics()
	if diff := cmp.Diff([]core.ChatID{chatA}, d.SkippedChats); diff != "" {
		t.Fatalf("skipped (-want +got):\n%s", diff)
	}
	if len(d.Quarantined) != 1 {
		t.Fatalf("quarantined = %v", d.Quarantined)
	}
	kept, err := os.ReadFile(d.Quarantined[0])
	if err != nil || string(kept) != string(data) {
		t.Fatalf("quarantine copy differs: %v", err)
	}
	if err := dst.Save(context.Background()); err != nil {
		t.Fatalf("Save after quarantined load: %v", err)
	}
}

func TestRejectedSnapshotHoldsSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	original := []byte(`{"version":1,"scope":"all","chats":{"-5":{}},"nicknames":{"-9":{"1":"x"}}}`)
	if err := os.WriteFile(path, original, 0o600); err != nil {
		t.Fatal(err)
	}
	m := newManager(t, path)
	m.QuarantineDir = ""
	if _, err := m.Load(context.Background()); !errors.Is(err, core.ErrMalformedSnapshot) {
		t.Fatalf("Load = %v", err)
	}
	if m.Diagnostics().SavesHeld == "" {
		t.Fatalf("saves should be held")
	}
	if err := m.Save(context.Background()); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("Save = %v, want ErrInvalidState", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(original) {
		t.Fatalf("held save overwrote the rejected snapshot")
	}

	m.Release()
	if err := m.Save(context.Background()); err != nil {
		t.Fatalf("Save after Release: %v", err)
	}
}

func TestImportRejectsWholePayload(t *testing.T) {
	m := newManager(t, filepath.Join(t.TempDir(), "state.json"))
	populate(t, m)
	before, _ := m.Store.Export(chatA)

	snap, err := m.SnapshotChat(chatA)
	if err != nil {
		t.Fatalf("SnapshotChat: %v", err)
	}
	snap.Activity[chatA][10] = Activity{Counters: map[state.CounterKind]int64{state.CounterMessages: -3}}
	negative, _ := Encode(snap)

	snap2, _ := m.SnapshotChat(chatA)
	snap2.Triggers[chatA] = TriggerSection{Rules: []trigger.Rule{{ID: "bad", Kind: trigger.KindRegex, Pattern: "("}}}
	badRule, _ := Encode(snap2)

	cases := map[string][]byte{
		"negative counter": negative,
		"bad trigger":      badRule,
		"not json":         []byte("{"),
		"bad version":      []byte(`{"version":2,"scope":"all"}`),
		"wrong chat":       []byte(`{"version":1,"scope":"all","chats":{"1":{},"2":{}}}`),
	}
	for name, data := range cases {
		if _, err := m.ImportScoped(chatA, data); !errors.Is(err, core.ErrMalformedSnapshot) {
			t.Errorf("%s: want ErrMalformedSnapshot, got %v", name, err)
		}
	}
	after, _ := m.Store.Export(chatA)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("failed import changed state (-want +got):\n%s", diff)
	}
}

func TestDecodeValidatesSections(t *testing.T) {
	bad := []string{
		`{"version":1,"scope":"all","chats":{},"nicknames":{"-5":{"1":"x"}}}`,
		`{"version":1,"scope":"chat","chat_id":-5,"chats":{"-6":{}}}`,
		`{"version":1,"scope":"sideways","chats":{}}`,
		`{"version":1,"scope":"all","chats":{"abc":{}}}`,
		`{"version":1,"scope":"all","chats":{},"identities":{"1":{"user_id":2,"display":"x"}}}`,
	}
	for _, doc := range bad {
		if _, err := Decode([]byte(doc)); !errors.Is(err, core.ErrMalformedSnapshot) {
			t.Errorf("Decode(%s) = %v", doc, err)
		}
	}
	if _, err := Decode([]byte(`{"version":1,"scope":"all","chats":{"-5":{"title":"x"}}}`)); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}
}

func TestSnapshotTimestampsAreUTC(t *testing.T) {
	m := newManager(t, filepath.Join(t.TempDir(), "state.json"))
	loc := time.FixedZone("MSK", 3*3600)
	_ = m.Store.Update(chatA, func(c *state.Chat) error {
		c.Touch(1, time.Date(2024, 5, 1, 13, 0, 0, 0, loc), 0)
		return nil
	})
	data, err := Encode(m.SnapshotAll())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"last_message": "2024-05-01T10:00:00Z"`) {
		t.Fatalf("timestamp not normalised to UTC:\n%s", data)
	}
}

type failingStore struct{ err error }

func (f failingStore) Name() string                         { return "broken" }
func (f failingStore) Load(context.Context) ([]byte, error) { return nil, f.err }
func (f failingStore) Store(context.Context, []byte) error  { return f.err }

func TestSaveFallsBackWhenPrimaryFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	m := newManager(t, path)
	m.Primary = failingStore{err: core.ErrExternalLookup}
	populate(t, m)
	if err := m.Save(context.Background()); err != nil {
		t.Fatalf("Save should succeed via fallback: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("fallback file missing: %v", err)
	}

	m.Fallback = failingStore{err: errors.New("disk full")}
	if err := m.Save(context.Background()); err == nil {
		t.Fatalf("expected error when every target fails")
	}
}

func TestLoadSkipsCorruptPrimary(t *testing.T) {
	dir := t.TempDir()
	good := newManager(t, filepath.Join(dir, "state.json"))
	populate(t, good)
	if err := good.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("not a snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}

	m := newManager(t, filepath.Join(dir, "state.json"))
	m.Primary = &FileStore{Path: corrupt}
	from, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if from != "file" || len(m.Store.Chats()) != 2 {
		t.Fatalf("Load from %q with %d chats", from, len(m.Store.Chats()))
	}
}

func TestRunSavesOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "state.json")
	m := newManager(t, path)
	m.Now = time.Now
	populate(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.Diagnostics().LastSave.IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Diagnostics().LastSave.IsZero() {
		t.Fatalf("periodic save never ran")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
}
