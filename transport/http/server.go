package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medirec/offsync/cursor"
	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
	"github.com/medirec/offsync/transport"
)

// Notifier is told about committed writes so connected clients can be nudged
// to sync. Optional.
type Notifier interface {
	Broadcast(collection string)
}

// Server exposes a RemoteStore over the wire format the Client speaks. It is
// the reference remote used by integration tests and the demo.
type Server struct {
	store    transport.RemoteStore
	notifier Notifier
	router   chi.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithNotifier wires change broadcasts for committed writes.
func WithNotifier(n Notifier) ServerOption {
	return func(s *Server) { s.notifier = n }
}

// NewServer builds the reference server over the given store.
func NewServer(store transport.RemoteStore, opts ...ServerOption) *Server {
	s := &Server{store: store}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/collections/{collection}", func(r chi.Router) {
		r.Post("/documents", s.handleCreate)
		r.Get("/documents/{id}", s.handleGet)
		r.Put("/documents/{id}", s.handleUpdate)
		r.Delete("/documents/{id}", s.handleDelete)
		r.Get("/changes", s.handleChanges)
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var doc record.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, syncErrors.NewValidation(syncErrors.OpPush, err))
		return
	}
	doc.Collection = chi.URLParam(r, "collection")

	created, err := s.store.CreateDocument(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(doc.Collection)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	baseVersion, err := parseIfMatch(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var doc record.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, syncErrors.NewValidation(syncErrors.OpPush, err))
		return
	}
	doc.Collection = chi.URLParam(r, "collection")
	doc.ID = chi.URLParam(r, "id")

	updated, err := s.store.UpdateDocument(r.Context(), doc, baseVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(doc.Collection)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	baseVersion, err := parseIfMatch(r)
	if err != nil {
		writeError(w, err)
		return
	}

	collection := chi.URLParam(r, "collection")
	version, err := s.store.DeleteDocument(r.Context(), collection, chi.URLParam(r, "id"), baseVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notify(collection)
	writeJSON(w, http.StatusOK, deleteResponse{Version: version})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var since cursor.Cursor
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		c, err := cursor.Decode([]byte(raw))
		if err != nil {
			writeError(w, syncErrors.NewValidation(syncErrors.OpPull, err))
			return
		}
		since = c
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, syncErrors.NewValidation(syncErrors.OpPull, err))
			return
		}
		limit = n
	}

	res, err := s.store.ListDocuments(r.Context(), chi.URLParam(r, "collection"), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := changesResponse{Documents: res.Documents}
	if res.Next != nil {
		wc, err := cursor.MarshalWire(res.Next)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Next = wc
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) notify(collection string) {
	if s.notifier != nil {
		s.notifier.Broadcast(collection)
	}
}

func parseIfMatch(r *http.Request) (int64, error) {
	raw := r.Header.Get(ifMatchHeader)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, syncErrors.NewValidation(syncErrors.OpPush, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy back onto HTTP statuses, the inverse of
// the client's FromHTTPStatus classification.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	default:
		switch syncErrors.KindOf(err) {
		case syncErrors.KindConflict:
			status = http.StatusConflict
		case syncErrors.KindValidation:
			status = http.StatusUnprocessableEntity
		case syncErrors.KindPermission:
			status = http.StatusForbidden
		case syncErrors.KindTransient:
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Kind:  string(syncErrors.KindOf(err)),
	})
}
