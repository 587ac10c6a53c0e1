package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/function"
	"github.com/tripwire/bpffs/internal/namespace"
)

// MaxSourceSize bounds a source upload.
const MaxSourceSize = 1 << 20

// Functions is the namespace surface the handlers use.
// *namespace.Namespace implements it.
type Functions interface {
	Root() string
	Create(name string) error
	Remove(name string) error
	Get(name string) (*function.Function, error)
	Write(ctx context.Context, k namespace.Key, data []byte) error
	Read(k namespace.Key) ([]byte, error)
	Lookup(k namespace.Key) bool
	Attach(name, spec string) error
	Detach(name string) error
	Describe(name string) (function.Info, error)
	List() []function.Info
}

// TraceReader returns the trace lines buffered right now.
type TraceReader func() ([]string, error)

// Server holds the dependencies of the REST handlers.
type Server struct {
	fns    Functions
	socket string
	trace  TraceReader
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSocket names the descriptor transport socket reported by the fd
// entry.
func WithSocket(path string) ServerOption {
	return func(s *Server) { s.socket = path }
}

// WithTrace enables GET /api/v1/trace.
func WithTrace(tr TraceReader) ServerOption {
	return func(s *Server) { s.trace = tr }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a Server over fns.
func NewServer(fns Functions, opts ...ServerOption) *Server {
	s := &Server{fns: fns, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func key(r *http.Request, role namespace.Role) namespace.Key {
	return namespace.Key{Function: chi.URLParam(r, "name"), Role: role}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"functions": len(s.fns.List()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fns.List())
}

type createRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be JSON {\"name\": ...}")
		return
	}
	if err := s.fns.Create(req.Name); err != nil {
		writeFailure(w, err)
		return
	}
	info, _ := s.fns.Describe(req.Name)
	w.Header().Set("Location", "/api/v1/functions/"+req.Name)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	info, err := s.fns.Describe(chi.URLParam(r, "name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.fns.Remove(chi.URLParam(r, "name")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWrite serves PUT on the source and type entries. The body is the
// raw entry content. A type write blocks until the load finishes and
// answers 422 with the diagnostic when it fails.
func (s *Server) handleWrite(role namespace.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxSourceSize))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", MaxSourceSize))
			return
		}
		k := key(r, role)
		if err := s.fns.Write(r.Context(), k, data); err != nil {
			writeFailure(w, err)
			return
		}
		info, _ := s.fns.Describe(k.Function)
		writeJSON(w, http.StatusOK, info)
	}
}

// handleRead serves GET on the source and type entries as plain text.
func (s *Server) handleRead(role namespace.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := s.fns.Read(key(r, role))
		if err != nil {
			writeFailure(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

// handleError serves the pending diagnostic as JSON, or as the error
// entry's text with ?format=text.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	k := key(r, namespace.RoleError)
	if r.URL.Query().Get("format") == "text" {
		s.handleRead(namespace.RoleError)(w, r)
		return
	}
	f, err := s.fns.Get(k.Function)
	if err != nil {
		writeFailure(w, err)
		return
	}
	d, err := f.Diagnostic()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type fdResponse struct {
	Path   string `json:"path"`
	Socket string `json:"socket,omitempty"`
}

// handleFD reports where the handle can be fetched. The entry exists only
// while the function is loaded.
func (s *Server) handleFD(w http.ResponseWriter, r *http.Request) {
	k := key(r, namespace.RoleFD)
	if _, err := s.fns.Get(k.Function); err != nil {
		writeFailure(w, err)
		return
	}
	if !s.fns.Lookup(k) {
		writeFailure(w, fmt.Errorf("%w: %s: function is not loaded", bpffs.ErrNotFound, k))
		return
	}
	writeJSON(w, http.StatusOK, fdResponse{Path: k.Path(s.fns.Root()), Socket: s.socket})
}

type attachRequest struct {
	Event string `json:"event"`
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be JSON {\"event\": ...}")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.fns.Attach(name, req.Event); err != nil {
		writeFailure(w, err)
		return
	}
	info, _ := s.fns.Describe(name)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.fns.Detach(name); err != nil {
		writeFailure(w, err)
		return
	}
	info, _ := s.fns.Describe(name)
	writeJSON(w, http.StatusOK, info)
}

type traceResponse struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if s.trace == nil {
		writeFailure(w, fmt.Errorf("%w: trace reader not configured", bpffs.ErrNotSupported))
		return
	}
	lines, err := s.trace()
	if err != nil {
		s.logger.Warn("rest: read trace", slog.Any("error", err))
		writeFailure(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, traceResponse{Lines: lines})
}
