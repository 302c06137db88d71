package blob

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Uploads are page images; anything larger than this is a client bug.
const maxUploadBytes = 32 << 20 // 32MB

// Handler exposes the store over HTTP: upload a document into a session,
// fetch it back by id.
type Handler struct {
	store *Store
}

// NewHandler wraps a store.
func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the upload and fetch endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions/{sessionID}/documents", h.handleUpload)
	mux.HandleFunc("GET /api/sessions/{sessionID}/documents/{documentID}", h.handleFetch)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}
	if len(data) > maxUploadBytes {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}

	documentID := uuid.New().String()
	h.store.Put(sessionID, documentID, Blob{
		Data:        data,
		ContentType: r.Header.Get("Content-Type"),
		Filename:    r.URL.Query().Get("filename"),
	})

	log.Info().
		Str("session_id", sessionID).
		Str("document_id", documentID).
		Int("bytes", len(data)).
		Msg("document uploaded")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"document_id": documentID})
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	documentID := r.PathValue("documentID")

	b, ok := h.store.Get(sessionID, documentID)
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	if b.ContentType != "" {
		w.Header().Set("Content-Type", b.ContentType)
	}
	w.Write(b.Data)
}
