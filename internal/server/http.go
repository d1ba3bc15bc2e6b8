package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/zot/sandbox/internal/metrics"
	"github.com/zot/sandbox/internal/sandbox"
	"github.com/zot/sandbox/internal/session"
	"github.com/zot/sandbox/internal/storage"
)

const maxImportBytes = 8 << 20

// HTTPEndpoint handles HTTP requests.
type HTTPEndpoint struct {
	sessions   *session.Manager
	store      storage.Backend
	metrics    *metrics.Metrics
	wsEndpoint *WebSocketEndpoint
	mux        *http.ServeMux
}

// createRequest is the optional body of POST /api/sessions.
type createRequest struct {
	Dialect  string `json:"dialect"`
	Snapshot string `json:"snapshot"`
}

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPEndpoint creates a new HTTP endpoint. m may be nil.
func NewHTTPEndpoint(sessions *session.Manager, store storage.Backend, m *metrics.Metrics, wsEndpoint *WebSocketEndpoint) *HTTPEndpoint {
	h := &HTTPEndpoint{
		sessions:   sessions,
		store:      store,
		metrics:    m,
		wsEndpoint: wsEndpoint,
		mux:        http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

// setupRoutes configures HTTP routes.
func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("GET /ws/{dialect}", h.handleWebSocket)

	h.mux.HandleFunc("POST /api/sessions", h.handleCreateSession)
	h.mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	h.mux.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("DELETE /api/sessions/{id}", h.handleDeleteSession)
	h.mux.HandleFunc("GET /api/sessions/{id}/export", h.handleExport)
	h.mux.HandleFunc("POST /api/sessions/{id}/import", h.handleImport)

	h.mux.HandleFunc("GET /api/snapshots", h.handleListSnapshots)
	h.mux.HandleFunc("GET /api/snapshots/{name}", h.handleGetSnapshot)
	h.mux.HandleFunc("PUT /api/snapshots/{name}", h.handleSaveSnapshot)
	h.mux.HandleFunc("DELETE /api/snapshots/{name}", h.handleDeleteSnapshot)
}

// Handle registers an extra handler, e.g. the metrics endpoint.
func (h *HTTPEndpoint) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleWebSocket attaches a websocket to the session named by ?session=,
// or to a new session speaking the dialect in the path.
func (h *HTTPEndpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	dialect := r.PathValue("dialect")
	if dialect != sandbox.DialectPython && dialect != sandbox.DialectGo {
		http.Error(w, "Unknown dialect", http.StatusNotFound)
		return
	}
	var sess *session.Session
	if id := r.URL.Query().Get("session"); id != "" {
		var ok bool
		if sess, ok = h.sessions.GetSession(id); !ok {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		if sess.Dialect != dialect {
			http.Error(w, "Session speaks "+sess.Dialect, http.StatusConflict)
			return
		}
	} else {
		var err error
		if sess, err = h.sessions.CreateSession(dialect); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	h.wsEndpoint.HandleWebSocket(w, r, sess)
}

func (h *HTTPEndpoint) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			h.writeError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	var data []byte
	if req.Snapshot != "" {
		snap, err := h.store.Load(req.Snapshot)
		h.observeSnapshot("load", err)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		data = snap.Data
	}
	sess, err := h.sessions.CreateSession(req.Dialect)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if data != nil {
		if err := sess.Import(data); err != nil {
			h.sessions.DestroySession(sess.ID)
			h.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	info, err := sess.Info()
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusCreated, info)
}

func (h *HTTPEndpoint) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := []session.Info{}
	for _, sess := range h.sessions.GetAllSessions() {
		info, err := sess.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	h.writeJSON(w, http.StatusOK, infos)
}

func (h *HTTPEndpoint) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	info, err := sess.Info()
	if err != nil {
		h.writeError(w, err.Error(), http.StatusGone)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *HTTPEndpoint) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.sessions.DestroySession(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPEndpoint) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := sess.Export()
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *HTTPEndpoint) handleImport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, "environment data exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := sess.Import(data); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := sess.Info()
	if err != nil {
		h.writeError(w, err.Error(), http.StatusGone)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *HTTPEndpoint) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	infos, err := h.store.List()
	h.observeSnapshot("list", err)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []storage.Info{}
	}
	h.writeJSON(w, http.StatusOK, infos)
}

func (h *HTTPEndpoint) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.Load(r.PathValue("name"))
	h.observeSnapshot("load", err)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(snap.Data)
}

// handleSaveSnapshot stores the export of ?session= under the path name.
func (h *HTTPEndpoint) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.GetSession(r.URL.Query().Get("session"))
	if !ok {
		h.writeError(w, "Session not found", http.StatusNotFound)
		return
	}
	name := r.PathValue("name")
	if err := storage.ValidateName(name); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := saveSnapshot(sess, h.store, h.metrics, name)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, storage.Info{
		Name:     snap.Name,
		Services: snap.Services,
		Size:     len(snap.Data),
		SavedAt:  snap.SavedAt,
	})
}

func (h *HTTPEndpoint) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.PathValue("name"))
	h.observeSnapshot("delete", err)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPEndpoint) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := h.sessions.GetSession(r.PathValue("id"))
	if !ok {
		h.writeError(w, "Session not found", http.StatusNotFound)
	}
	return sess, ok
}

func (h *HTTPEndpoint) observeSnapshot(op string, err error) {
	if h.metrics != nil {
		h.metrics.ObserveSnapshot(op, err)
	}
}

func (h *HTTPEndpoint) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response.
func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

func (h *HTTPEndpoint) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeError(w, err.Error(), http.StatusInternalServerError)
}
