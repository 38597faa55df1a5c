package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/you/lampbot/internal/core"
)

// Kind tags how Pattern is interpreted.
type Kind string

const (
	KindLiteral Kind = "literal"
	KindRegex   Kind = "regex"
)

// Rule is one configured pattern-to-reply mapping. WholeWord applies to
// literal patterns only. Matching is case-insensitive unless CaseSensitive.
type Rule struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Kind          Kind     `yaml:"kind" json:"kind"`
	Pattern       string   `yaml:"pattern" json:"pattern"`
	CaseSensitive bool     `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	WholeWord     bool     `yaml:"whole_word,omitempty" json:"whole_word,omitempty"`
	Replies       []string `yaml:"replies" json:"replies"`
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Category      string   `yaml:"category,omitempty" json:"category,omitempty"`
}

// Matcher is a compiled pattern.
type Matcher interface {
	Match(text string) bool
}

type literalMatcher struct{ re *regexp.Regexp }

func (m literalMatcher) Match(text string) bool { return m.re.MatchString(text) }

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) Match(text string) bool { return m.re.MatchString(text) }

// Word boundaries are Unicode-aware; RE2's \b only knows ASCII.
const (
	wordStart = `(?:^|[^\p{L}\p{N}_])`
	wordEnd   = `(?:$|[^\p{L}\p{N}_])`
)

// Compile validates the rule and builds its matcher. Errors are
// *core.PatternError.
func Compile(r Rule) (Matcher, error) {
	if strings.TrimSpace(r.Pattern) == "" {
		return nil, &core.PatternError{RuleID: r.ID, Err: fmt.Errorf("empty pattern")}
	}
	flags := "(?i)"
	if r.CaseSensitive {
		flags = ""
	}
	switch r.Kind {
	case KindLiteral, "":
		expr := regexp.QuoteMeta(r.Pattern)
		if r.WholeWord {
			expr = wordStart + expr + wordEnd
		}
		re, err := regexp.Compile(flags + expr)
		if err != nil {
			return nil, &core.PatternError{RuleID: r.ID, Err: err}
		}
		return literalMatcher{re: re}, nil
	case KindRegex:
		re, err := regexp.Compile(flags + r.Pattern)
		if err != nil {
			return nil, &core.PatternError{RuleID: r.ID, Err: err}
		}
		return regexMatcher{re: re}, nil
	default:
		return nil, &core.PatternError{RuleID: r.ID, Err: fmt.Errorf("unknown kind %q", r.Kind)}
	}
}

type compiled struct {
	Rule
	matcher Matcher
}

// RuleSet is an ordered list of rules that all compiled.
type RuleSet struct {
	rules []compiled
}

// CompileAll compiles every rule; any failure rejects the whole set. Used
// where partial application is not acceptable, such as snapshot import.
func CompileAll(rules []Rule) (*RuleSet, error) {
	set := &RuleSet{rules: make([]compiled, 0, len(rules))}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, &core.PatternError{RuleID: r.Name, Err: fmt.Errorf("missing id")}
		}
		if _, dup := seen[r.ID]; dup {
			return nil, &core.PatternError{RuleID: r.ID, Err: fmt.Errorf("duplicate id")}
		}
		seen[r.ID] = struct{}{}
		m, err := Compile(r)
		if err != nil {
			return nil, err
		}
		set.rules = append(set.rules, compiled{Rule: cloneRule(r), matcher: m})
	}
	return set, nil
}

func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	for i, c := range s.rules {
		out[i] = cloneRule(c.Rule)
	}
	return out
}

func cloneRule(r Rule) Rule {
	r.Replies = append([]string(nil), r.Replies...)
	if r.Kind == "" {
		r.Kind = KindLiteral
	}
	return r
}
