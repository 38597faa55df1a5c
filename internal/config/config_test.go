package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/you/lampbot/internal/core"
)

var allKeys = []string{
	"LAMPBOT_OPERATOR_ID", "LAMPBOT_ALLOWED_CHATS", "LAMPBOT_NICK_COOLDOWN",
	"LAMPBOT_TRIGGER_COOLDOWN", "LAMPBOT_ABSENCE", "LAMPBOT_SAVE_INTERVAL",
	"LAMPBOT_DATA_FILE", "LAMPBOT_STORE", "LAMPBOT_STORE_URL", "LAMPBOT_STORE_TOKEN",
	"LAMPBOT_STORE_SQLITE_PATH", "LAMPBOT_SQLITE_TUNING", "LAMPBOT_STORE_TIMEOUT",
	"LAMPBOT_BOT_TOKEN", "LAMPBOT_ADMIN_LOOKUP_TIMEOUT", "LAMPBOT_ADMIN_CACHE_TTL",
	"LAMPBOT_TRIGGERS_FILE", "LAMPBOT_HTTP_ADDR", "LAMPBOT_API_TOKEN",
	"LAMPBOT_HTTP_RATE_RPS", "LAMPBOT_HTTP_RATE_BURST",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	if cfg.Operator != 0 || len(cfg.AllowedChats) != 0 {
		t.Fatalf("unexpected operator/allowlist: %+v", cfg)
	}
	if cfg.NickCooldown != time.Hour {
		t.Fatalf("nick cooldown = %s", cfg.NickCooldown)
	}
	if cfg.Triggers.Cooldown != 20*time.Second {
		t.Fatalf("trigger cooldown = %s", cfg.Triggers.Cooldown)
	}
	if cfg.Store.DataFile != "lampbot-state.json" || cfg.Store.SQLitePath != "lampbot.db" {
		t.Fatalf("store paths = %+v", cfg.Store)
	}
	if cfg.StoreKind() != "file" {
		t.Fatalf("store kind = %s", cfg.StoreKind())
	}
	if cfg.Store.SaveInterval != 5*time.Minute || cfg.Store.Timeout != 10*time.Second {
		t.Fatalf("store timings = %+v", cfg.Store)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.HTTP.RateRPS != 20 || cfg.HTTP.RateBurst != 40 {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LAMPBOT_OPERATOR_ID", "4242")
	t.Setenv("LAMPBOT_ALLOWED_CHATS", "-1002, -1001;bogus -1002")
	t.Setenv("LAMPBOT_NICK_COOLDOWN", "2s")
	t.Setenv("LAMPBOT_TRIGGER_COOLDOWN", "45")
	t.Setenv("LAMPBOT_STORE_URL", "https://kv.example.test/lampbot")
	t.Setenv("LAMPBOT_STORE_TOKEN", "kv-secret")
	t.Setenv("LAMPBOT_BOT_TOKEN", "123:abc")
	t.Setenv("LAMPBOT_ADMIN_CACHE_TTL", "not-a-duration")
	t.Setenv("LAMPBOT_HTTP_RATE_BURST", "-3")

	cfg := Load()
	if cfg.Operator != 4242 {
		t.Fatalf("operator = %d", cfg.Operator)
	}
	if diff := cmp.Diff([]core.ChatID{-1001, -1002}, cfg.AllowedChats); diff != "" {
		t.Fatalf("allowed chats (-want +got):\n%s", diff)
	}
	if cfg.NickCooldown != 10*time.Second {
		t.Fatalf("nick cooldown should clamp to 10s, got %s", cfg.NickCooldown)
	}
	if cfg.Triggers.Cooldown != 45*time.Second {
		t.Fatalf("trigger cooldown = %s", cfg.Triggers.Cooldown)
	}
	if cfg.StoreKind() != "http" {
		t.Fatalf("store kind = %s", cfg.StoreKind())
	}
	if cfg.Admin.CacheTTL != 2*time.Minute {
		t.Fatalf("invalid TTL should fall back, got %s", cfg.Admin.CacheTTL)
	}
	if cfg.HTTP.RateBurst != 40 {
		t.Fatalf("negative burst should fall back, got %d", cfg.HTTP.RateBurst)
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("LAMPBOT_STORE_TOKEN", "kv-secret")
	t.Setenv("LAMPBOT_BOT_TOKEN", "123:abc")
	t.Setenv("LAMPBOT_API_TOKEN", "api-secret")
	cfg := Load()

	out := string(cfg.RedactedJSON()) + string(cfg.SummaryJSON())
	for _, secret := range []string{"kv-secret", "123:abc", "api-secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked: %s", secret, out)
		}
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("expected redaction marker: %s", out)
	}
	if !strings.Contains(string(cfg.SummaryJSON()), `"config_summary"`) {
		t.Fatalf("summary JSON missing wrapper")
	}
}
