// Package api exposes the challenge pool over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/blob"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/selector"
)

const maxBodyBytes = 64 << 10

// Selector serves and verifies challenges.
type Selector interface {
	Next(ctx context.Context, filter challenge.Filter) (*selector.Assignment, error)
	Verify(ctx context.Context, token, solution string) (selector.Verdict, error)
}

// Store answers the read-only status endpoints.
type Store interface {
	BatchStatus(ctx context.Context, batchID string) (*challenge.Batch, error)
	PoolStats(ctx context.Context) (map[challenge.Status]int, error)
}

// Deps wires the server.
type Deps struct {
	Selector Selector
	Store    Store
	// Media, when set, is served under /media/{key}.
	Media        blob.Store
	Difficulties []string
	// Ping reports backend health for /healthz.
	Ping    func(ctx context.Context) error
	Limiter *RateLimiter
	Logger  *slog.Logger
}

type Server struct {
	deps         Deps
	difficulties map[string]bool
	logger       *slog.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, difficulties: make(map[string]bool), logger: deps.Logger}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "api")
	}
	for _, d := range deps.Difficulties {
		s.difficulties[d] = true
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/challenges/next", s.handleNext)
	mux.HandleFunc("POST /v1/challenges/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleBatch)
	mux.HandleFunc("GET /v1/pool", s.handlePool)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Media != nil {
		mux.HandleFunc("GET /media/{key}", s.handleMedia)
	}

	var h http.Handler = mux
	if s.deps.Limiter != nil {
		h = s.deps.Limiter.Middleware(h)
	}
	h = Logging(s.logger)(h)
	return RequestID(h)
}

type nextRequest struct {
	Difficulty string `json:"difficulty"`
}

type verifyRequest struct {
	Token    string `json:"token"`
	Solution string `json:"solution"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var req nextRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			WriteBadRequest(w, r, err.Error())
			return
		}
	}
	if req.Difficulty != "" && len(s.difficulties) > 0 && !s.difficulties[req.Difficulty] {
		WriteBadRequest(w, r, fmt.Sprintf("unknown difficulty %q", req.Difficulty))
		return
	}

	a, err := s.deps.Selector.Next(r.Context(), challenge.Filter{Difficulty: req.Difficulty})
	switch {
	case errors.Is(err, challenge.ErrPoolExhausted):
		WriteServiceUnavailable(w, r, 30, "No challenge is available right now.")
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(w, r, &req); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		WriteBadRequest(w, r, "token is required")
		return
	}

	v, err := s.deps.Selector.Verify(r.Context(), req.Token, req.Solution)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type batchView struct {
	ID             string     `json:"id"`
	SlotKey        string     `json:"slot_key"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	TargetCount    int        `json:"target_count"`
	GeneratedCount int        `json:"generated_count"`
	FailedCount    int        `json:"failed_count"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Store.BatchStatus(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, challenge.ErrBatchNotFound):
		WriteNotFound(w, r, "batch not found")
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchView{
		ID:             b.ID,
		SlotKey:        b.SlotKey,
		Kind:           string(b.Kind),
		Status:         string(b.Status),
		TargetCount:    b.TargetCount,
		GeneratedCount: b.GeneratedCount,
		FailedCount:    b.FailedCount,
		CreatedAt:      b.CreatedAt,
		StartedAt:      b.StartedAt,
		FinishedAt:     b.FinishedAt,
		Error:          b.Error,
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.PoolStats(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	counts := make(map[string]int, len(stats))
	for status, n := range stats {
		counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	obj, err := s.deps.Media.Get(r.Context(), r.PathValue("key"))
	switch {
	case errors.Is(err, blob.ErrNotFound):
		WriteNotFound(w, r, "media not found")
		return
	case errors.Is(err, blob.ErrInvalidKey):
		WriteBadRequest(w, r, "invalid media key")
		return
	case err != nil:
		WriteInternal(w, r, err)
		return
	}

	data := obj.Data
	if obj.ContentEncoding == "gzip" {
		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
		} else if data, err = blob.Decode(obj); err != nil {
			WriteInternal(w, r, err)
			return
		}
	}
	w.Header().Set("Vary", "Accept-Encoding")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
