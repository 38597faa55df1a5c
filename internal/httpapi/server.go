package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/you/lampbot/internal/core"
	"github.com/you/lampbot/internal/engine"
	"github.com/you/lampbot/internal/metrics"
)

const (
	maxMessageBytes  = 64 << 10
	maxCommandBytes  = 1 << 20
	maxSnapshotBytes = 32 << 20
)

// Engine is the part of the rules engine exposed over HTTP.
type Engine interface {
	HandleMessage(ctx context.Context, msg core.Message) (engine.Outcome, error)
	Dispatch(ctx context.Context, cmd engine.Command) (any, error)
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	engine     Engine
	hub        *Hub
	opts       Options
	metrics    *metrics.Metrics
	limiter    *ipRateLimiter
	ready      atomic.Bool
}

type Options struct {
	Addr string
	// APIToken guards every /v1 route. When empty, ingest and the event
	// stream are open while commands and snapshots are disabled.
	APIToken string
	// Operator is the actor snapshot requests run as.
	Operator  core.UserID
	RateRPS   int
	RateBurst int
	Build     BuildInfo
	Metrics   *metrics.Metrics
}

func New(eng Engine, hub *Hub, opts Options) *Server {
	if hub == nil {
		hub = NewHub(opts.Metrics)
	}
	srv := &Server{
		engine:  eng,
		hub:     hub,
		opts:    opts,
		metrics: opts.Metrics,
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", srv.wrap("healthz", srv.handleHealthz))
	mux.Handle("/info", srv.wrap("info", srv.handleInfo))
	if opts.Metrics != nil {
		mux.Handle("/metrics", srv.wrap("metrics", opts.Metrics.Handler().ServeHTTP))
	}
	mux.Handle("/v1/events", srv.wrap("events", srv.handleEvents))
	mux.Handle("/v1/messages", srv.wrap("messages", srv.handleMessages))
	mux.Handle("/v1/commands", srv.wrap("commands", srv.handleCommands))
	mux.Handle("POST /v1/proposals/{id}/vote", srv.wrap("vote", srv.handleVote))
	mux.Handle("/v1/snapshot", srv.wrap("snapshot", srv.handleSnapshot))

	srv.mux = mux
	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Mux lets other packages register extra routes before Start.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Hub returns the event hub the server streams from.
func (s *Server) Hub() *Hub { return s.hub }

// SetReady flips /healthz to 200 once state has been loaded.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "loading", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.APIToken != "" && !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.ready.Load() {
		http.Error(w, "loading", http.StatusServiceUnavailable)
		return
	}
	var msg core.Message
	dec := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes))
	if err := dec.Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	if msg.ChatID == 0 || msg.From.ID == 0 {
		http.Error(w, "chat_id and from.id are required", http.StatusBadRequest)
		return
	}
	if msg.ChatType == "" {
		msg.ChatType = core.ChatSupergroup
	}

	out, err := s.engine.HandleMessage(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var chat core.ChatID
	all := true
	typ := core.ChatType(r.URL.Query().Get("chat_type"))
	if raw := strings.TrimSpace(r.URL.Query().Get("chat")); raw != "" {
		id, err := core.ParseChatID(raw)
		if err != nil || id == 0 {
			http.Error(w, "invalid chat", http.StatusBadRequest)
			return
		}
		chat, all = id, false
	}

	switch r.Method {
	case http.MethodGet:
		res, err := s.engine.Dispatch(r.Context(), engine.Command{
			Name: engine.CmdExport, ChatID: chat, ChatType: typ, Actor: core.User{ID: s.opts.Operator}, All: all,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		data, _ := res.(json.RawMessage)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if gz, ok := maybeGzip(w, r); ok {
			defer gz.Close()
			_, _ = gz.Write(data)
			return
		}
		_, _ = w.Write(data)
	case http.MethodPost:
		if all {
			http.Error(w, "chat is required for import", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBytes))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		report, err := s.engine.Dispatch(r.Context(), engine.Command{
			Name: engine.CmdImport, ChatID: chat, ChatType: typ, Actor: core.User{ID: s.opts.Operator}, Snapshot: data,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCommands runs one bot command on behalf of the actor named in the
// body. The transport is trusted to have verified the actor.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.ready.Load() {
		http.Error(w, "loading", http.StatusServiceUnavailable)
		return
	}
	var cmd engine.Command
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCommandBytes)).Decode(&cmd); err != nil {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, cmd)
}

type voteRequest struct {
	Actor core.User `json:"actor"`
	Yes   int       `json:"yes"`
	No    int       `json:"no"`
}

// handleVote closes a nickname proposal with the final tally.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.ready.Load() {
		http.Error(w, "loading", http.StatusServiceUnavailable)
		return
	}
	var req voteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid vote", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, engine.Command{
		Name:  engine.CmdProposalResolve,
		ID:    r.PathValue("id"),
		Actor: req.Actor,
		Yes:   req.Yes,
		No:    req.No,
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd engine.Command) {
	res, err := s.engine.Dispatch(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.APIToken == "" {
		return false
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIToken)) == 1
}

func (s *Server) queryToken(r *http.Request) bool {
	got := r.URL.Query().Get("token")
	return s.opts.APIToken != "" && got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrMalformedSnapshot), errors.Is(err, core.ErrInvalidPattern), errors.Is(err, core.ErrBadCommand):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrSelfTarget), errors.Is(err, core.ErrAmbiguousTarget):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, core.ErrRateLimited), errors.Is(err, core.ErrCooldown):
		status = http.StatusTooManyRequests
	}
	if status == http.StatusInternalServerError {
		log.Printf("http: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}
