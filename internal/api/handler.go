package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/coordinator"
	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/retrieval"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	pool   *coordinator.Pool
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(pool *coordinator.Pool, logger *zap.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/libraries", h.listLibraries)
		r.Post("/libraries/{library}/memorize", h.memorize)
		r.Post("/libraries/{library}/recall", h.recall)
		r.Get("/sessions/{id}", h.sessionStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.pool.ListLibraries(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if libs == nil {
		libs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"libraries": libs})
}

type memorizeRequest struct {
	Content string `json:"content"`
}

func (h *Handler) memorize(w http.ResponseWriter, r *http.Request) {
	library := chi.URLParam(r, "library")
	var req memorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	c, err := h.pool.Get(r.Context(), library)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sessionID, err := c.Memorize(r.Context(), req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"library":    library,
	})
}

type recallRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
	Strategy string `json:"strategy,omitempty"`
}

type recallResult struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Source     string    `json:"source,omitempty"`
	Similarity float64   `json:"similarity"`
	Importance float64   `json:"importance"`
	Score      float64   `json:"score"`
	Rank       int       `json:"rank"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	library := chi.URLParam(r, "library")
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TopK == 0 {
		req.TopK = 5
	}

	c, ok := h.pool.Lookup(library)
	if !ok {
		// No live coordinator yet; create one only if the library exists.
		if err := h.knownLibrary(r, library); err != nil {
			h.writeError(w, err)
			return
		}
		var err error
		c, err = h.pool.Get(r.Context(), library)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}

	results, err := c.Recall(r.Context(), retrieval.Query{
		Text:     req.Query,
		TopK:     req.TopK,
		Strategy: retrieval.Strategy(req.Strategy),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]recallResult, 0, len(results))
	for _, res := range results {
		out = append(out, recallResult{
			ID:         res.Memory.ID,
			Content:    retrieval.Excerpt(res.Memory.Content),
			Source:     res.Memory.Source,
			Similarity: res.Similarity,
			Importance: res.Memory.Importance,
			Score:      res.Score,
			Rank:       res.Rank,
			CreatedAt:  res.Memory.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"library": library,
		"results": out,
	})
}

func (h *Handler) knownLibrary(r *http.Request, library string) error {
	libs, err := h.pool.ListLibraries(r.Context())
	if err != nil {
		return err
	}
	for _, name := range libs {
		if name == library {
			return nil
		}
	}
	return memory.ErrLibraryNotFound
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.pool.SessionStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, memory.ErrLibraryNotFound), errors.Is(err, memory.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrEmbeddingUnavailable), errors.Is(err, memory.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
