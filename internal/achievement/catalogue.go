package achievement

import "github.com/you/lampbot/internal/state"

// Stats is the read-only view a predicate is evaluated against.
type Stats struct {
	Counters   map[state.CounterKind]int64
	Reputation state.Reputation
}

func (s Stats) Counter(kind state.CounterKind) int64 { return s.Counters[kind] }

// Definition is one catalogue entry. Holds must be a pure function of Stats.
type Definition struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	Holds func(Stats) bool `json:"-"`
}

func atLeast(kind state.CounterKind, n int64) func(Stats) bool {
	return func(s Stats) bool { return s.Counter(kind) >= n }
}

// DefaultCatalogue is the built-in achievement set.
func DefaultCatalogue() []Definition {
	return []Definition{
		{ID: "chatterbox", Title: "Болтун", Description: "1000 сообщений в чате", Holds: atLeast(state.CounterMessages, 1000)},
		{ID: "novelist", Title: "Писатель", Description: "20000 символов набрано", Holds: atLeast(state.CounterCharacters, 20000)},
		{ID: "identity_crisis", Title: "Кризис личности", Description: "ник сменился 5 раз", Holds: atLeast(state.CounterNickChanges, 5)},
		{ID: "trigger_happy", Title: "Триггерный", Description: "25 срабатываний триггеров", Holds: atLeast(state.CounterTriggerHits, 25)},
		{ID: "oracle_addict", Title: "Завсегдатай оракула", Description: "20 обращений к 8ball", Holds: atLeast(state.CounterEightBall, 20)},
		{ID: "self_booster", Title: "Самолюб", Description: "попытка поднять репутацию самому себе", Holds: atLeast(state.CounterSelfBoosts, 1)},
		{ID: "beloved", Title: "Любимчик", Description: "+20 полученной репутации", Holds: func(s Stats) bool { return s.Reputation.Received >= 20 }},
		{ID: "outcast", Title: "Изгой", Description: "−20 полученной репутации", Holds: func(s Stats) bool { return s.Reputation.Received <= -20 }},
		{ID: "philanthropist", Title: "Меценат", Description: "50 раз поставил +1", Holds: func(s Stats) bool { return s.Reputation.PositiveGiven >= 50 }},
		{ID: "critic", Title: "Критик", Description: "20 раз поставил −1", Holds: func(s Stats) bool { return s.Reputation.NegativeGiven >= 20 }},
		{ID: "admin_whisperer", Title: "Заклинатель админов", Description: "5 оценок администраторам", Holds: atLeast(state.CounterAdminAdjustments, 5)},
		{ID: "prodigal", Title: "Блудный сын", Description: "вернулся после долгого молчания", Holds: atLeast(state.CounterComebacks, 1)},
		{ID: "sailor", Title: "Боцман", Description: "10 сообщений с крепким словцом", Holds: atLeast(state.CounterRestricted, 10)},
		{ID: "beer_connoisseur", Title: "Пивной сомелье", Description: "5 пивных триггеров", Holds: atLeast(state.TopicCounter("beer"), 5)},
	}
}
