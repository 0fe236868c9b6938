package docserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIVersion is the document API version served.
const APIVersion = "v1.2.0"

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 500
	maxLimit     = 5000
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (default ":8787"). Use ":0" in tests.
	Addr string
	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string
	// Logger for server activity (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8787",
		Logger: slog.Default(),
	}
}

// Server exposes a Store over HTTP.
type Server struct {
	store  Store
	config *Config
	logger *slog.Logger

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewServer creates a server over store.
func NewServer(store Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		config: config,
		logger: logger.With("component", "docserver"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/collections/{collection}/docs", s.auth(s.handleList))
	mux.HandleFunc("GET /v1/collections/{collection}/docs/{id}", s.auth(s.handleGet))
	mux.HandleFunc("PUT /v1/collections/{collection}/docs/{id}", s.auth(s.handleSet))
	mux.HandleFunc("PATCH /v1/collections/{collection}/docs/{id}", s.auth(s.handleMerge))
	mux.HandleFunc("DELETE /v1/collections/{collection}/docs/{id}", s.auth(s.handleDelete))
	return s.logRequests(mux)
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := s.config.Addr
	if addr == "" {
		addr = ":8787"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("document server listening", "addr", ln.Addr().String(), "api_version", APIVersion)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to ctx's deadline for requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("document server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"api_version": APIVersion,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := Query{CreatedBy: r.URL.Query().Get("createdBy"), Limit: defaultLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		q.Limit = min(n, maxLimit)
	}

	docs, err := s.store.List(r.Context(), r.PathValue("collection"), q)
	if err != nil {
		s.internalError(w, "list", err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	if err != nil {
		s.internalError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, ok := s.decodeDocument(w, r, id)
	if !ok {
		return
	}
	if err := s.store.Set(r.Context(), r.PathValue("collection"), id, doc); err != nil {
		s.internalError(w, "set", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, ok := s.decodeDocument(w, r, id)
	if !ok {
		return
	}
	err := s.store.Merge(r.Context(), r.PathValue("collection"), id, doc)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	if err != nil {
		s.internalError(w, "merge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.store.Delete(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "document not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeDocument reads the body as a document. The path id wins over any id
// in the body; a conflicting body id is rejected.
func (s *Server) decodeDocument(w http.ResponseWriter, r *http.Request, id string) (Document, bool) {
	var doc Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be a JSON object")
		return nil, false
	}
	if doc == nil {
		doc = Document{}
	}
	if bodyID, ok := doc["id"]; ok && bodyID != id {
		writeError(w, http.StatusBadRequest, "id_mismatch", "body id does not match path id")
		return nil, false
	}
	doc["id"] = id
	return doc, true
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.config.APIKey == "" {
		return next
	}
	want := []byte("Bearer " + s.config.APIKey)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if strings.HasPrefix(r.URL.Path, "/healthz") {
			return
		}
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("store operation failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}
