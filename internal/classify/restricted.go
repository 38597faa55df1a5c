// Package classify flags message content that feeds content counters.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultRestricted is the built-in word list. A trailing "*" matches any
// word starting with the stem.
var DefaultRestricted = []string{
	"блин", "блять*", "бля", "черт*", "чёрт*", "жоп*", "сука", "сучк*",
	"хрен*", "говн*", "damn", "shit*", "fuck*", "crap",
}

// Detector reports whether text contains a restricted word.
type Detector struct {
	re *regexp.Regexp
}

func NewDetector(words []string) (*Detector, error) {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(strings.ToLower(w))
		if w == "" {
			continue
		}
		if stem, ok := strings.CutSuffix(w, "*"); ok {
			parts = append(parts, regexp.QuoteMeta(stem)+`[\p{L}\p{N}]*`)
			continue
		}
		parts = append(parts, regexp.QuoteMeta(w))
	}
	if len(parts) == 0 {
		return &Detector{}, nil
	}
	expr := `(?i)(?:^|[^\p{L}\p{N}_])(?:` + strings.Join(parts, "|") + `)(?:$|[^\p{L}\p{N}_])`
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("restricted words: %w", err)
	}
	return &Detector{re: re}, nil
}

// Restricted is true when at least one listed word appears. A message counts
// once no matter how many words it contains.
func (d *Detector) Restricted(text string) bool {
	if d == nil || d.re == nil || text == "" {
		return false
	}
	return d.re.MatchString(text)
}
