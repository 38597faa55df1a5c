package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/lampbot/internal/core"
)

type Config struct {
	Operator     core.UserID
	AllowedChats []core.ChatID
	NickCooldown time.Duration
	Absence      time.Duration
	Triggers     TriggerConfig
	Store        StoreConfig
	Admin        AdminConfig
	HTTP         HTTPConfig
}

type TriggerConfig struct {
	Cooldown time.Duration
	File     string
}

type StoreConfig struct {
	Kind         string
	URL          string
	Token        string
	SQLitePath   string
	SQLiteTuning bool
	Timeout      time.Duration
	DataFile     string
	SaveInterval time.Duration
}

type AdminConfig struct {
	BotToken      string
	LookupTimeout time.Duration
	CacheTTL      time.Duration
}

type HTTPConfig struct {
	Addr      string
	APIToken  string
	RateRPS   int
	RateBurst int
}

const (
	defaultNickCooldown    = time.Hour
	defaultTriggerCooldown = 20 * time.Second
	defaultAbsence         = 7 * 24 * time.Hour
	defaultSaveInterval    = 5 * time.Minute
	defaultDataFile        = "lampbot-state.json"
	defaultSQLitePath      = "lampbot.db"
	defaultStoreTimeout    = 10 * time.Second
	defaultLookupTimeout   = 3 * time.Second
	defaultAdminCacheTTL   = 2 * time.Minute
	defaultHTTPAddr        = ":8080"
	defaultRateRPS         = 20
	defaultRateBurst       = 40

	minNickCooldown = 10 * time.Second
	maxNickCooldown = time.Hour
)

func Load() Config {
	cfg := Config{}

	cfg.Operator = core.UserID(readInt64("LAMPBOT_OPERATOR_ID", 0))
	for _, raw := range splitList(os.Getenv("LAMPBOT_ALLOWED_CHATS")) {
		id, err := core.ParseChatID(raw)
		if err != nil || id == 0 {
			continue
		}
		cfg.AllowedChats = append(cfg.AllowedChats, id)
	}

	cfg.NickCooldown = clampDuration(readDuration("LAMPBOT_NICK_COOLDOWN", defaultNickCooldown), minNickCooldown, maxNickCooldown)
	cfg.Absence = readDuration("LAMPBOT_ABSENCE", defaultAbsence)

	cfg.Triggers.Cooldown = readDuration("LAMPBOT_TRIGGER_COOLDOWN", defaultTriggerCooldown)
	cfg.Triggers.File = strings.TrimSpace(os.Getenv("LAMPBOT_TRIGGERS_FILE"))

	cfg.Store.Kind = strings.ToLower(strings.TrimSpace(os.Getenv("LAMPBOT_STORE")))
	cfg.Store.URL = strings.TrimSpace(os.Getenv("LAMPBOT_STORE_URL"))
	cfg.Store.Token = strings.TrimSpace(os.Getenv("LAMPBOT_STORE_TOKEN"))
	cfg.Store.SQLitePath = strings.TrimSpace(os.Getenv("LAMPBOT_STORE_SQLITE_PATH"))
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaultSQLitePath
	}
	cfg.Store.SQLiteTuning = readBool("LAMPBOT_SQLITE_TUNING", false)
	cfg.Store.Timeout = readDuration("LAMPBOT_STORE_TIMEOUT", defaultStoreTimeout)
	cfg.Store.DataFile = strings.TrimSpace(os.Getenv("LAMPBOT_DATA_FILE"))
	if cfg.Store.DataFile == "" {
		cfg.Store.DataFile = defaultDataFile
	}
	cfg.Store.SaveInterval = readDuration("LAMPBOT_SAVE_INTERVAL", defaultSaveInterval)
	if cfg.Store.Kind == "" && cfg.Store.URL != "" {
		cfg.Store.Kind = "http"
	}

	cfg.Admin.BotToken = strings.TrimSpace(os.Getenv("LAMPBOT_BOT_TOKEN"))
	cfg.Admin.LookupTimeout = readDuration("LAMPBOT_ADMIN_LOOKUP_TIMEOUT", defaultLookupTimeout)
	cfg.Admin.CacheTTL = readDuration("LAMPBOT_ADMIN_CACHE_TTL", defaultAdminCacheTTL)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("LAMPBOT_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	cfg.HTTP.APIToken = strings.TrimSpace(os.Getenv("LAMPBOT_API_TOKEN"))
	cfg.HTTP.RateRPS = readInt("LAMPBOT_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("LAMPBOT_HTTP_RATE_BURST", defaultRateBurst)

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.TrimSpace(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readInt64(name string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// readDuration accepts Go durations ("90s", "1h") or plain seconds.
func readDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func (c Config) Summary() Summary {
	return Summary{
		Operator:     c.Operator != 0,
		AllowedChats: len(c.AllowedChats),
		NickCooldown: c.NickCooldown.String(),
		Store:        c.StoreKind(),
		DataFile:     c.Store.DataFile,
		SaveInterval: c.Store.SaveInterval.String(),
		TriggersFile: c.Triggers.File,
		AdminLookup:  c.Admin.BotToken != "",
		HTTPAddr:     c.HTTP.Addr,
		APIToken:     c.HTTP.APIToken != "",
	}
}

type Summary struct {
	Operator     bool   `json:"operator"`
	AllowedChats int    `json:"allowed_chats"`
	NickCooldown string `json:"nick_cooldown"`
	Store        string `json:"store"`
	DataFile     string `json:"data_file"`
	SaveInterval string `json:"save_interval"`
	TriggersFile string `json:"triggers_file,omitempty"`
	AdminLookup  bool   `json:"admin_lookup"`
	HTTPAddr     string `json:"http_addr"`
	APIToken     bool   `json:"api_token"`
}

func (c Config) Redacted() map[string]any {
	chats := make([]string, 0, len(c.AllowedChats))
	for _, id := range c.AllowedChats {
		chats = append(chats, id.String())
	}
	return map[string]any{
		"operator_id":   c.Operator.String(),
		"allowed_chats": chats,
		"nick_cooldown": c.NickCooldown.String(),
		"absence":       c.Absence.String(),
		"triggers": map[string]any{
			"cooldown": c.Triggers.Cooldown.String(),
			"file":     c.Triggers.File,
		},
		"store": map[string]any{
			"kind":          c.StoreKind(),
			"url":           c.Store.URL,
			"token":         redactString(c.Store.Token),
			"sqlite_path":   c.Store.SQLitePath,
			"sqlite_tuning": c.Store.SQLiteTuning,
			"timeout":       c.Store.Timeout.String(),
			"data_file":     c.Store.DataFile,
			"save_interval": c.Store.SaveInterval.String(),
		},
		"admin": map[string]any{
			"bot_token":      redactString(c.Admin.BotToken),
			"lookup_timeout": c.Admin.LookupTimeout.String(),
			"cache_ttl":      c.Admin.CacheTTL.String(),
		},
		"http": map[string]any{
			"addr":       c.HTTP.Addr,
			"api_token":  redactString(c.HTTP.APIToken),
			"rate_rps":   c.HTTP.RateRPS,
			"rate_burst": c.HTTP.RateBurst,
		},
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

// StoreKind names the primary store, "file" when only the local file is used.
func (c Config) StoreKind() string {
	switch c.Store.Kind {
	case "http", "sqlite":
		return c.Store.Kind
	default:
		return "file"
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
