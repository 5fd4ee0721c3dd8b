package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"relay/internal/dlq"
	"relay/internal/metrics"
	"relay/internal/types"
)

type MetricsSource interface {
	Snapshot(ctx context.Context) (metrics.Snapshot, error)
}

type DeadLetters interface {
	List(ctx context.Context, count int64) ([]types.DeadLetterEntry, error)
	Replay(ctx context.Context, id string) (string, error)
	Discard(ctx context.Context, id string) error
}

type Server struct {
	Metrics    MetricsSource
	DLQ        DeadLetters
	Logger     func(msg string, kv ...any)
	AdminToken string

	ConsumerName string
	Stream       string
	Group        string
}

func NewServer(m MetricsSource, d DeadLetters, logger func(string, ...any), adminToken string) *Server {
	return &Server{Metrics: m, DLQ: d, Logger: logger, AdminToken: adminToken}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	if s.AdminToken != "" && s.DLQ != nil {
		mux.HandleFunc("/dlq", s.handleDLQList)
		mux.HandleFunc("/dlq/", s.handleDLQEntry)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"consumerName": s.ConsumerName,
		"stream":       s.Stream,
		"group":        s.Group,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Metrics.Snapshot(r.Context())
	if err != nil {
		s.log("metrics_read_error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GET /dlq?count=n
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	count := int64(dlq.DefaultListCount)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		count = n
	}
	entries, err := s.DLQ.List(r.Context(), count)
	if err != nil {
		s.log("dlq_list_error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":             e.ID,
			"error":          e.Error,
			"failedAt":       e.FailedAt.UTC().Format(dlq.TimeFormat),
			"originalStream": e.OriginalStream,
			"fields":         e.Fields,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// POST /dlq/{id}/replay, DELETE /dlq/{id}
func (s *Server) handleDLQEntry(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdmin(w, r) {
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/dlq/"), "/")
	id := parts[0]
	if id == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	ctx := r.Context()
	switch {
	case len(parts) == 2 && parts[1] == "replay":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		newID, err := s.DLQ.Replay(ctx, id)
		if err != nil {
			s.entryError(w, "dlq_replay_error", id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "replayedAs": newID})
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.DLQ.Discard(ctx, id); err != nil {
			s.entryError(w, "dlq_discard_error", id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "discarded": true})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) entryError(w http.ResponseWriter, msg, id string, err error) {
	if errors.Is(err, dlq.ErrEntryNotFound) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, dlq.ErrNoEventFields) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.log(msg, "id", id, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) checkAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.AdminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		tok := strings.TrimSpace(auth[7:])
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.AdminToken)) == 1 {
			return true
		}
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) log(msg string, kv ...any) {
	if s.Logger != nil {
		s.Logger(msg, kv...)
	}
}
