package blobhost

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler serves the wire contract over an in-memory blob store.
type Handler struct {
	store *Memory
}

// NewHandler creates a handler over the given store.
func NewHandler(store *Memory) *Handler {
	return &Handler{store: store}
}

// NewRouter creates a router with all blob host routes configured.
// apiKey may be empty, in which case no authentication is enforced.
func NewRouter(h *Handler, apiKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		if apiKey != "" {
			r.Use(AuthMiddleware(apiKey))
		}
		r.Get("/find", h.Find)
		r.Post("/push", h.Push)
		r.Get("/check", h.Check)
		r.Get("/pull", h.Pull)
		r.Get("/versions", h.Versions)
	})

	return r
}

// Find handles GET /find?roomTag=<fingerprint>. An unknown room answers
// with an empty gistId rather than 404: discovery misses are expected.
func (h *Handler) Find(w http.ResponseWriter, r *http.Request) {
	roomTag := r.URL.Query().Get("roomTag")
	if roomTag == "" {
		WriteProblem(w, r, http.StatusBadRequest, "roomTag is required")
		return
	}

	writeJSON(w, map[string]string{"gistId": h.store.Find(roomTag)})
}

// Push handles POST /push with body {gistId, description, blob}.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GistID      string `json:"gistId"`
		Description string `json:"description"`
		Blob        string `json:"blob"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Blob == "" {
		WriteProblem(w, r, http.StatusBadRequest, "blob is required")
		return
	}

	id, err := h.store.Push(req.GistID, req.Description, req.Blob)
	if err != nil {
		mapStoreError(w, r, err)
		return
	}

	writeJSON(w, map[string]string{"gistId": id})
}

// Check handles GET /check?gistId=<id>.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	gistID := r.URL.Query().Get("gistId")
	if gistID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "gistId is required")
		return
	}

	description, updatedAt, err := h.store.Check(gistID)
	if err != nil {
		mapStoreError(w, r, err)
		return
	}

	writeJSON(w, map[string]string{
		"description": description,
		"updatedAt":   updatedAt.UTC().Format(time.RFC3339),
	})
}

// Pull handles GET /pull?gistId=<id>&sha=<optional>.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	gistID := r.URL.Query().Get("gistId")
	if gistID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "gistId is required")
		return
	}

	blob, err := h.store.Pull(gistID, r.URL.Query().Get("sha"))
	if err != nil {
		mapStoreError(w, r, err)
		return
	}

	writeJSON(w, map[string]string{"blob": blob})
}

// Versions handles GET /versions?gistId=<id>&count=<n>.
func (h *Handler) Versions(w http.ResponseWriter, r *http.Request) {
	gistID := r.URL.Query().Get("gistId")
	if gistID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "gistId is required")
		return
	}
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil || count <= 0 {
		count = 5
	}

	versions, err := h.store.Versions(gistID, count)
	if err != nil {
		mapStoreError(w, r, err)
		return
	}

	writeJSON(w, versions)
}

func mapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "Blob not found")
		return
	}
	// Never expose internal error details to the client.
	WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
