package trigger

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/lampbot/internal/core"
)

// DefaultCooldown is the per-chat debounce between two firings.
const DefaultCooldown = 20 * time.Second

// Hit is the outcome of a match. Suppressed is set when a rule matched but
// the chat was still cooling down; nothing fired in that case.
type Hit struct {
	Rule       Rule
	Reply      string
	Suppressed bool
}

type chatRules struct {
	set      *RuleSet
	lastFire time.Time
}

// Engine keeps an ordered rule list per chat. A chat is seeded from the
// current defaults the first time it is touched.
type Engine struct {
	Cooldown time.Duration
	// Guard, when set, must approve a chat before Match seeds it.
	Guard func(core.ChatID) bool

	mu       sync.Mutex
	chats    map[core.ChatID]*chatRules
	defaults *RuleSet
	now      func() time.Time
	rng      *rand.Rand
}

func NewEngine(defaults []Rule, now func() time.Time) (*Engine, error) {
	set, err := CompileAll(defaults)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		Cooldown: DefaultCooldown,
		chats:    make(map[core.ChatID]*chatRules),
		defaults: set,
		now:      now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetDefaults swaps the seed set. Chats that already have rules keep them.
func (e *Engine) SetDefaults(rules []Rule) error {
	set, err := CompileAll(rules)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.defaults = set
	e.mu.Unlock()
	return nil
}

func (e *Engine) Defaults() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defaults.Rules()
}

func (e *Engine) chatLocked(chat core.ChatID) *chatRules {
	cr, ok := e.chats[chat]
	if !ok {
		cr = &chatRules{set: &RuleSet{rules: append([]compiled(nil), e.defaults.rules...)}}
		e.chats[chat] = cr
	}
	return cr
}

// Configure replaces the chat's rule list. Rules that fail to compile are
// left out and reported as *core.PatternError values joined together; the
// others are installed in order.
func (e *Engine) Configure(chat core.ChatID, rules []Rule) ([]Rule, error) {
	var (
		accepted []compiled
		errs     []error
	)
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if _, dup := seen[r.ID]; dup {
			r.ID = uuid.NewString()
		}
		m, err := Compile(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen[r.ID] = struct{}{}
		accepted = append(accepted, compiled{Rule: cloneRule(r), matcher: m})
	}

	e.mu.Lock()
	cr := e.chatLocked(chat)
	cr.set = &RuleSet{rules: accepted}
	e.mu.Unlock()

	out := make([]Rule, len(accepted))
	for i, c := range accepted {
		out[i] = cloneRule(c.Rule)
	}
	return out, errors.Join(errs...)
}

// Match tries the enabled rules in order and fires the first one that
// matches, unless the chat fired less than Cooldown ago.
func (e *Engine) Match(chat core.ChatID, text string) (Hit, bool) {
	if text == "" {
		return Hit{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, known := e.chats[chat]; !known && e.Guard != nil && !e.Guard(chat) {
		return Hit{}, false
	}
	cr := e.chatLocked(chat)
	for _, c := range cr.set.rules {
		if !c.Enabled || !c.matcher.Match(text) {
			continue
		}
		now := e.now()
		if !cr.lastFire.IsZero() && now.Sub(cr.lastFire) < e.Cooldown {
			return Hit{Rule: cloneRule(c.Rule), Suppressed: true}, false
		}
		cr.lastFire = now
		hit := Hit{Rule: cloneRule(c.Rule)}
		if n := len(c.Replies); n > 0 {
			hit.Reply = c.Replies[e.rng.Intn(n)]
		}
		return hit, true
	}
	return Hit{}, false
}

func (e *Engine) Rules(chat core.ChatID) []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chatLocked(chat).set.Rules()
}

// ActiveCount returns how many enabled rules a chat has. It does not seed.
func (e *Engine) ActiveCount(chat core.ChatID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.defaults
	if cr, ok := e.chats[chat]; ok {
		set = cr.set
	}
	n := 0
	for _, c := range set.rules {
		if c.Enabled {
			n++
		}
	}
	return n
}

// Add appends a rule, assigning an id when none is set.
func (e *Engine) Add(chat core.ChatID, r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m, err := Compile(r)
	if err != nil {
		return Rule{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cr := e.chatLocked(chat)
	for _, c := range cr.set.rules {
		if c.ID == r.ID {
			return Rule{}, &core.PatternError{RuleID: r.ID, Err: errors.New("duplicate id")}
		}
	}
	rules := append(append([]compiled(nil), cr.set.rules...), compiled{Rule: cloneRule(r), matcher: m})
	cr.set = &RuleSet{rules: rules}
	return cloneRule(r), nil
}

func (e *Engine) SetEnabled(chat core.ChatID, id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr := e.chatLocked(chat)
	rules := append([]compiled(nil), cr.set.rules...)
	for i := range rules {
		if rules[i].ID == id {
			rules[i].Enabled = enabled
			cr.set = &RuleSet{rules: rules}
			return nil
		}
	}
	return core.ErrNotFound
}

func (e *Engine) Delete(chat core.ChatID, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr := e.chatLocked(chat)
	rules := make([]compiled, 0, len(cr.set.rules))
	found := false
	for _, c := range cr.set.rules {
		if c.ID == id {
			found = true
			continue
		}
		rules = append(rules, c)
	}
	if !found {
		return core.ErrNotFound
	}
	cr.set = &RuleSet{rules: rules}
	return nil
}

// Export returns the chat's rules, and false when the chat was never seeded.
func (e *Engine) Export(chat core.ChatID) ([]Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cr, ok := e.chats[chat]
	if !ok {
		return nil, false
	}
	return cr.set.Rules(), true
}

func (e *Engine) ExportAll() map[core.ChatID][]Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[core.ChatID][]Rule, len(e.chats))
	for id, cr := range e.chats {
		out[id] = cr.set.Rules()
	}
	return out
}

// Install puts a precompiled set in place and resets the chat's cooldown.
func (e *Engine) Install(chat core.ChatID, set *RuleSet) {
	if set == nil {
		set = &RuleSet{}
	}
	e.mu.Lock()
	e.chats[chat] = &chatRules{set: set}
	e.mu.Unlock()
}

// ReplaceAll swaps in every chat's rules at once. Chats not present fall
// back to the defaults on next use.
func (e *Engine) ReplaceAll(sets map[core.ChatID]*RuleSet) {
	chats := make(map[core.ChatID]*chatRules, len(sets))
	for id, set := range sets {
		if set == nil {
			set = &RuleSet{}
		}
		chats[id] = &chatRules{set: set}
	}
	e.mu.Lock()
	e.chats = chats
	e.mu.Unlock()
}

// Drop forgets a chat entirely.
func (e *Engine) Drop(chat core.ChatID) {
	e.mu.Lock()
	delete(e.chats, chat)
	e.mu.Unlock()
}
