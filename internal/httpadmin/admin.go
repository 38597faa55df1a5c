// Package httpadmin exposes operator maintenance endpoints.
package httpadmin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

type Operations interface {
	ReloadTriggers() (rules int, err error)
	SaveNow(ctx context.Context) error
}

type Server struct {
	ops   Operations
	token string
}

// New returns an admin surface guarded by a bearer token. An empty token
// disables every route except healthz.
func New(ops Operations, token string) *Server { return &Server{ops: ops, token: token} }

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/triggers/reload", s.guard(func(w http.ResponseWriter, _ *http.Request) {
		n, err := s.ops.ReloadTriggers()
		if err != nil {
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "reloaded": true, "rules": n})
	}))
	mux.HandleFunc("/admin/save", s.guard(func(w http.ResponseWriter, r *http.Request) {
		if err := s.ops.SaveNow(r.Context()); err != nil {
			http.Error(w, "save failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "saved": true})
	}))
}

func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
