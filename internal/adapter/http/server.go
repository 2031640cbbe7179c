package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jthickma/ytbatch/internal/domain"
	"github.com/jthickma/ytbatch/internal/events"
)

// maxUploadSize bounds an uploaded URL list.
const maxUploadSize = 10 << 20

// Runtime exposes the dispatcher settings that can change while running.
type Runtime interface {
	Settings() domain.RuntimeConfig
	ApplySettings(s domain.RuntimeConfig) error
	Running() int
}

// Server is the HTTP adapter for the job control API.
type Server struct {
	svc     *domain.JobService
	runtime Runtime
	bus     *events.Bus
	buffer  int
	log     logrus.FieldLogger
	mux     *http.ServeMux
	server  *http.Server

	// done is closed on Shutdown so websocket streams, which the http.Server
	// does not track once hijacked, end too.
	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithRuntime enables the /config endpoints.
func WithRuntime(r Runtime) Option {
	return func(s *Server) { s.runtime = r }
}

// WithEvents enables the /events websocket stream. buffer is the queue length
// of each connection's subscription.
func WithEvents(bus *events.Bus, buffer int) Option {
	return func(s *Server) {
		s.bus = bus
		s.buffer = buffer
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, addr string, opts ...Option) *Server {
	s := &Server{
		svc:  svc,
		log:  logrus.StandardLogger(),
		mux:  http.NewServeMux(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	if s.runtime != nil {
		s.mux.HandleFunc("GET /config", s.handleGetConfig)
		s.mux.HandleFunc("PUT /config", s.handlePutConfig)
	}
	if s.bus != nil {
		s.mux.HandleFunc("GET /events", s.handleEvents)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// configResponse is the body returned by the /config endpoints.
type configResponse struct {
	domain.RuntimeConfig
	Running int `json:"running"`
}

// configRequest is a partial update; omitted fields keep their value.
type configRequest struct {
	MaxConcurrentDownloads *int    `json:"max_concurrent_downloads"`
	Format                 *string `json:"download_format"`
	Quality                *string `json:"download_quality"`
	ExtractAudio           *bool   `json:"enable_audio_extraction"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	name, payload, err := readUpload(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.svc.Submit(r.Context(), name, payload)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

// readUpload accepts either a multipart form with a "file" part or a raw
// text body named by the "name" query parameter.
func readUpload(r *http.Request) (name, payload string, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", "", errors.New(`multipart upload needs a "file" part`)
		}
		defer file.Close()
		body, err := io.ReadAll(file)
		if err != nil {
			return "", "", errors.New("failed to read uploaded file")
		}
		return header.Filename, string(body), nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", "", errors.New("failed to read request body")
	}
	name = r.URL.Query().Get("name")
	if name == "" {
		name = "urls.txt"
	}
	return name, string(body), nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentConfig())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req == (configRequest{}) {
		s.writeError(w, http.StatusBadRequest, "no settings given")
		return
	}

	next := s.runtime.Settings()
	if req.MaxConcurrentDownloads != nil {
		next.MaxConcurrentDownloads = *req.MaxConcurrentDownloads
	}
	if req.Format != nil {
		next.Format = *req.Format
	}
	if req.Quality != nil {
		next.Quality = *req.Quality
	}
	if req.ExtractAudio != nil {
		next.ExtractAudio = *req.ExtractAudio
	}
	if err := s.runtime.ApplySettings(next); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.currentConfig())
}

func (s *Server) currentConfig() configResponse {
	return configResponse{RuntimeConfig: s.runtime.Settings(), Running: s.runtime.Running()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors to status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoURLs), errors.Is(err, domain.ErrInvalidConcurrency):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server and ends open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
