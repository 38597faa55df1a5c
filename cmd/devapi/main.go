package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/you/lampbot/internal/access"
	"github.com/you/lampbot/internal/achievement"
	"github.com/you/lampbot/internal/classify"
	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/engine"
	"github.com/you/lampbot/internal/httpapi"
	"github.com/you/lampbot/internal/identity"
	"github.com/you/lampbot/internal/metrics"
	"github.com/you/lampbot/internal/persist"
	"github.com/you/lampbot/internal/reputation"
	"github.com/you/lampbot/internal/state"
	"github.com/you/lampbot/internal/trigger"
)

// devAdmins treats every listed user as admin of every chat.
type devAdmins map[core.UserID]bool

func (a devAdmins) IsAdmin(_ context.Context, _ core.ChatID, user core.UserID) bool { return a[user] }

type nickReq struct {
	ChatID    core.ChatID `json:"chat_id"`
	Initiator core.UserID `json:"initiator"`
	ReplyTo   core.UserID `json:"reply_to,omitempty"`
	Handle    string      `json:"handle,omitempty"`
}

func main() {
	var (
		addr     string
		operator int64
		admin    int64
		chat     int64
		dataFile string
	)

	flag.StringVar(&addr, "addr", ":8765", "HTTP listen address")
	flag.Int64Var(&operator, "operator", 1, "Operator user id")
	flag.Int64Var(&admin, "admin", 2, "User id treated as chat admin")
	flag.Int64Var(&chat, "chat", -100, "Chat id allowed from the start")
	flag.StringVar(&dataFile, "data", "devapi-state.json", "Local snapshot file (empty keeps state in memory only)")
	flag.Parse()

	triggers, err := trigger.NewEngine(trigger.DefaultRules(), nil)
	if err != nil {
		log.Fatalf("triggers: %v", err)
	}
	detector, err := classify.NewDetector(classify.DefaultRestricted)
	if err != nil {
		log.Fatalf("classifier: %v", err)
	}

	admins := devAdmins{core.UserID(admin): true}
	store := state.NewStore()
	directory := identity.New()
	control := access.New(core.UserID(operator), []core.ChatID{core.ChatID(chat)})
	achievements := achievement.NewEngine(store, achievement.DefaultCatalogue(), nil)
	m := metrics.New()
	hub := httpapi.NewHub(m)
	publish := engine.PublisherFunc(func(ev engine.Event) {
		log.Printf("event %s chat=%s: %s", ev.Type, ev.ChatID, ev.Text)
		hub.Publish(ev)
	})

	var manager *persist.Manager
	if dataFile != "" {
		manager = &persist.Manager{
			Store:     store,
			Triggers:  triggers,
			Directory: directory,
			Access:    control,
			Fallback:  &persist.FileStore{Path: dataFile},
			Metrics:   m,
		}
		if _, err := manager.Load(context.Background()); err != nil {
			log.Printf("load: %v", err)
		}
	}

	eng := engine.New(engine.Deps{
		Store:        store,
		Directory:    directory,
		Access:       control,
		Admins:       admins,
		Ledger:       reputation.NewLedger(store, admins, achievements, nil),
		Triggers:     triggers,
		Achievements: achievements,
		Classifier:   detector,
		Persist:      manager,
		Metrics:      m,
		Publisher:    publish,
	}, engine.Options{Operator: core.UserID(operator), NickCooldown: engine.MinNickCooldown})

	api := httpapi.New(eng, hub, httpapi.Options{Addr: addr, APIToken: "dev", Operator: core.UserID(operator), Metrics: m})
	api.SetReady(true)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.HandleFunc("POST /dev/nick", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req nickReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		nr := engine.NickRequest{
			ChatID:    req.ChatID,
			ChatType:  core.ChatSupergroup,
			Initiator: core.User{ID: req.Initiator},
			Handle:    req.Handle,
		}
		if req.ReplyTo != 0 {
			nr.ReplyTo = &core.User{ID: req.ReplyTo}
		}
		res, err := eng.Nick(r.Context(), nr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("GET /dev/triggers", func(w http.ResponseWriter, r *http.Request) {
		id, err := core.ParseChatID(r.URL.Query().Get("chat"))
		if err != nil {
			http.Error(w, "bad chat", http.StatusBadRequest)
			return
		}
		rules, err := eng.ListTriggers(r.Context(), core.UserID(operator), id, core.ChatSupergroup)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(rules)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("devapi listening on %s (operator=%d admin=%d chat=%d)", addr, operator, admin, chat)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	if manager != nil {
		if err := manager.Save(context.Background()); err != nil {
			log.Printf("save: %v", err)
		}
	}
}
