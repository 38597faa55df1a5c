package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/you/lampbot/internal/access"
	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/adminstatus"
	"github.com/you/lampbot/internal/classify"
	"github.com/you/lampbot/internal/config"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/engine"
	"github.com/you/lampbot/internal/httpadmin"
	"github.com/you/lampbot/internal/httpapi"
	"github.com/you/lampbot/internal/identity"
	"github.com/you/lampbot/internal/metrics"
	"github.com/you/lampbot/internal/nickname"
	"github.com/you/lampbot/internal/persist"
	"github.com/you/lampbot/internal/reputation"
	"github.com/you/lampbot/internal/state"
	"github.com/you/lampbot/internal/trigger"
	"github.com/you/lampbot/internal/version"
)

const proposalSweep = 5 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag  bool
		envFile      string
		operator     int64
		httpAddr     string
		dataFile     string
		storeKind    string
		sqlitePath   string
		triggersFile string
		saveInterval time.Duration
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading LAMPBOT_* variables")
	flag.Int64Var(&operator, "operator", 0, "Operator user id")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API address (e.g., :8080)")
	flag.StringVar(&dataFile, "data-file", "", "Path to the local JSON snapshot")
	flag.StringVar(&storeKind, "store", "", "Primary snapshot store: http or sqlite (empty keeps only the local file)")
	flag.StringVar(&sqlitePath, "sqlite", "", "Path to the SQLite snapshot database")
	flag.StringVar(&triggersFile, "triggers-file", "", "YAML file with default trigger rules, watched for changes")
	flag.DurationVar(&saveInterval, "save-interval", 0, "Interval between periodic snapshots")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"lampbot version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("lampbot: dotenv %s: %v", envFile, err)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()
	if overrides["operator"] {
		cfg.Operator = core.UserID(operator)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["data-file"] {
		cfg.Store.DataFile = strings.TrimSpace(dataFile)
	}
	if overrides["store"] {
		cfg.Store.Kind = strings.ToLower(strings.TrimSpace(storeKind))
	}
	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(sqlitePath)
	}
	if overrides["triggers-file"] {
		cfg.Triggers.File = strings.TrimSpace(triggersFile)
	}
	if overrides["save-interval"] {
		cfg.Store.SaveInterval = saveInterval
	}

	log.Printf("%s", cfg.SummaryJSON())
	if cfg.Operator == 0 {
		log.Printf("lampbot: no operator configured; allowlist and whole-store commands are disabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	hub := httpapi.NewHub(m)

	defaults := trigger.DefaultRules()
	if cfg.Triggers.File != "" {
		rules, err := trigger.LoadRulesFile(cfg.Triggers.File)
		if err != nil {
			log.Fatalf("lampbot: triggers file: %v", err)
		}
		defaults = rules
	}
	triggers, err := trigger.NewEngine(defaults, nil)
	if err != nil {
		log.Fatalf("lampbot: triggers: %v", err)
	}
	triggers.Cooldown = cfg.Triggers.Cooldown

	detector, err := classify.NewDetector(classify.DefaultRestricted)
	if err != nil {
		log.Fatalf("lampbot: classifier: %v", err)
	}

	admins := newAdmins(cfg)

	store := state.NewStore()
	directory := identity.New()
	control := access.New(cfg.Operator, cfg.AllowedChats)
	achievements := achievement.NewEngine(store, achievement.DefaultCatalogue(), nil)
	ledger := reputation.NewLedger(store, admins, achievements, nil)

	primary, closePrimary := openPrimary(cfg)
	defer closePrimary()

	manager := &persist.Manager{
		Store:         store,
		Triggers:      triggers,
		Directory:     directory,
		Access:        control,
		Primary:       primary,
		Fallback:      &persist.FileStore{Path: cfg.Store.DataFile},
		Timeout:       cfg.Store.Timeout,
		QuarantineDir: filepath.Dir(cfg.Store.DataFile),
		Metrics:       m,
	}

	eng := engine.New(engine.Deps{
		Store:        store,
		Directory:    directory,
		Access:       control,
		Admins:       admins,
		Ledger:       ledger,
		Triggers:     triggers,
		Achievements: achievements,
		Classifier:   detector,
		Nicknames:    nickname.NewGenerator(time.Now().UnixNano()),
		Persist:      manager,
		Metrics:      m,
		Publisher:    hub,
	}, engine.Options{
		Operator:     cfg.Operator,
		NickCooldown: cfg.NickCooldown,
		Absence:      cfg.Absence,
	})

	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	api := httpapi.New(eng, hub, httpapi.Options{
		Addr:      cfg.HTTP.Addr,
		APIToken:  cfg.HTTP.APIToken,
		Operator:  cfg.Operator,
		RateRPS:   cfg.HTTP.RateRPS,
		RateBurst: cfg.HTTP.RateBurst,
		Build:     build,
		Metrics:   m,
	})

	httpadmin.New(adminOps{triggers: triggers, path: cfg.Triggers.File, manager: manager}, cfg.HTTP.APIToken).Register(api.Mux())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return api.Shutdown(sctx)
	})

	source, err := manager.Load(gctx)
	if err != nil {
		log.Printf("lampbot: load state: %v; starting with what could be restored", err)
	}
	if source != "" {
		log.Printf("lampbot: state restored from %s (%d chats)", source, len(store.Chats()))
	}
	if held := manager.Diagnostics().SavesHeld; held != "" {
		log.Printf("lampbot: saves held (%s); POST /admin/save after checking the stored snapshot", held)
	}
	api.SetReady(true)
	log.Printf("lampbot: ready")

	g.Go(func() error { return manager.Run(gctx, cfg.Store.SaveInterval) })
	g.Go(func() error { return eng.RunProposalExpiry(gctx, proposalSweep) })
	if cfg.Triggers.File != "" {
		g.Go(func() error { return triggers.WatchDefaults(gctx, cfg.Triggers.File) })
	}

	if err := g.Wait(); err != nil {
		log.Printf("lampbot: stopped with error: %v", err)
		os.Exit(1)
	}
	log.Printf("lampbot: shutdown complete")
}

func openPrimary(cfg config.Config) (persist.BlobStore, func()) {
	switch cfg.StoreKind() {
	case "http":
		if cfg.Store.URL == "" {
			log.Fatal("lampbot: LAMPBOT_STORE=http requires LAMPBOT_STORE_URL")
		}
		return persist.NewHTTPStore(cfg.Store.URL, cfg.Store.Token), func() {}
	case "sqlite":
		db, err := persist.OpenSQLite(cfg.Store.SQLitePath, cfg.Store.SQLiteTuning)
		if err != nil {
			log.Fatalf("lampbot: open sqlite: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("lampbot: ping sqlite: %v", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Printf("lampbot: closing sqlite: %v", err)
			}
		}
	default:
		return nil, func() {}
	}
}

type adminOps struct {
	triggers *trigger.Engine
	path     string
	manager  *persist.Manager
}

func (a adminOps) ReloadTriggers() (int, error) {
	if a.path == "" {
		if err := a.triggers.SetDefaults(trigger.DefaultRules()); err != nil {
			return 0, err
		}
		return len(a.triggers.Defaults()), nil
	}
	return a.triggers.ReloadDefaults(a.path)
}

// SaveNow is an explicit operator save, so it lifts any hold left by Load.
func (a adminOps) SaveNow(ctx context.Context) error {
	a.manager.Release()
	return a.manager.Save(ctx)
}

// newAdmins picks the admin checker. Both variants count the operator as an
// administrator of every chat.
func newAdmins(cfg config.Config) engine.AdminChecker {
	if cfg.Admin.BotToken == "" {
		log.Printf("lampbot: LAMPBOT_BOT_TOKEN not set; only the operator counts as admin")
		return staticAdmins{operator: cfg.Operator}
	}
	lookup := &adminstatus.TelegramLookup{Token: cfg.Admin.BotToken}
	r := adminstatus.NewResolver(lookup, cfg.Admin.CacheTTL, cfg.Admin.LookupTimeout)
	r.Operator = cfg.Operator
	return r
}

// staticAdmins is used when no bot token is available for member lookups.
type staticAdmins struct {
	operator core.UserID
}

func (a staticAdmins) IsAdmin(_ context.Context, _ core.ChatID, user core.UserID) bool {
	return a.operator != 0 && user == a.operator
}
