// Package nickname composes random chat nicknames from a fixed lexicon.
package nickname

import (
	"math/rand"
	"strings"
	"sync"
)

const (
	defaultAttempts = 50

	spicyChance = 0.25
	tailChance  = 0.85
	emojiChance = 0.7
)

var (
	adjectives = []string{
		"шальной", "хрустящий", "лысый", "бурлящий", "ламповый", "коварный", "бархатный", "дерзкий", "мягкотелый",
		"стальной", "сонный", "бравый", "хитрый", "космический", "солёный", "дымный", "пряный", "бодрый", "тёплый",
		"грозный", "подозрительный", "барский", "весёлый", "рандомный", "великосветский",
	}
	nouns = []string{
		"ёж", "краб", "барсук", "жираф", "карась", "барон", "пират", "самурай", "тракторист", "клоун", "волк", "кот",
		"кабан", "медведь", "сова", "дракондон", "гусь", "козырь", "джентльмен", "шаман", "киборг", "арбуз", "колобок",
		"профессор", "червяк",
	}
	tails = []string{
		"из подъезда №3", "с приветом", "на максималках", "XL", "в тапках", "из будущего", "при бабочке", "deluxe",
		"edition 2.0", "без тормозов", "официально", "с огоньком", "в отставке", "на бобине", "turbo", "™️",
		"prime", "на районе", "с сюрпризом", "VIP",
	}
	emojis = []string{
		"🦔", "🦀", "🦊", "🐻", "🐺", "🐗", "🐱", "🦉", "🐟", "🦆", "🦄", "🐲", "🥒", "🍉", "🧀", "🍔", "🍺", "☕️",
		"🔥", "💣", "✨", "🛠️", "👑", "🛸",
	}
	spicy = []string{
		"подозрительный тип", "хитрожоп", "задорный бузотёр", "порочный джентльмен", "дворовый князь",
		"барон с понтами", "сомнительный эксперт", "самурай-недоучка", "киборг на минималках",
		"пират без лицензии", "клоун-пофигист", "барсук-бродяга",
	}
)

// Generator is safe for concurrent use.
type Generator struct {
	Attempts int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{Attempts: defaultAttempts, rng: rand.New(rand.NewSource(seed))}
}

// Generate returns a candidate different from prev that taken rejects. The
// second return value is false when every attempt collided and the minimal
// fallback, which is not checked for uniqueness, was returned instead.
func (g *Generator) Generate(prev string, taken func(string) bool) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	attempts := g.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	for i := 0; i < attempts; i++ {
		nick := g.compose()
		if prev != "" && nick == prev {
			continue
		}
		if taken != nil && taken(nick) {
			continue
		}
		return nick, true
	}
	return strings.Join([]string{g.pick(adjectives), g.pick(nouns), g.pick(tails)}, " "), false
}

func (g *Generator) compose() string {
	parts := make([]string, 0, 4)
	if g.rng.Float64() < spicyChance {
		parts = append(parts, g.pick(spicy))
	} else {
		parts = append(parts, g.pick(adjectives))
	}
	parts = append(parts, g.pick(nouns))
	if g.rng.Float64() < tailChance {
		parts = append(parts, g.pick(tails))
	}
	if g.rng.Float64() < emojiChance {
		parts = append(parts, g.pick(emojis))
	}
	return strings.Join(parts, " ")
}

func (g *Generator) pick(words []string) string {
	return words[g.rng.Intn(len(words))]
}
