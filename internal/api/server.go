package api

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/invoice-automator/internal/invoice"
	"github.com/zombor/invoice-automator/internal/pipeline"
)

// Runner starts and observes pipeline runs
type Runner interface {
	Start(ctx context.Context) (string, error)
	Cancel() bool
	Snapshot() pipeline.RunState
	Subscribe() (<-chan pipeline.Event, func())
}

// Server exposes the run trigger and the read-only invoice queries over HTTP
type Server struct {
	runner    Runner
	repo      invoice.Repository
	files     invoice.AttachmentStore
	basicAuth BasicAuth
	mux       *http.ServeMux
	logger    *slog.Logger
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(runner Runner, repo invoice.Repository, files invoice.AttachmentStore, basicAuth BasicAuth) *Server {
	return NewServerWithMux(runner, repo, files, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(runner Runner, repo invoice.Repository, files invoice.AttachmentStore, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		runner:    runner,
		repo:      repo,
		files:     files,
		basicAuth: basicAuth,
		mux:       mux,
		logger:    slog.Default(),
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Invoice Automator"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/runs", s.requireAuth(s.handleStartRun))
	s.mux.HandleFunc("GET /api/runs/current", s.requireAuth(s.handleCurrentRun))
	s.mux.HandleFunc("DELETE /api/runs/current", s.requireAuth(s.handleCancelRun))
	s.mux.HandleFunc("GET /api/runs/events", s.requireAuth(s.handleRunEvents))

	s.mux.HandleFunc("GET /api/invoices/summary", s.requireAuth(s.handleSummary))
	s.mux.HandleFunc("GET /api/invoices/export.xlsx", s.requireAuth(s.handleExport))
	s.mux.HandleFunc("GET /api/invoices/{id}/file", s.requireAuth(s.handleGetInvoiceFile))
	s.mux.HandleFunc("GET /api/invoices/{id}", s.requireAuth(s.handleGetInvoice))
	s.mux.HandleFunc("GET /api/invoices", s.requireAuth(s.handleListInvoices))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.logger.Info("api.server.starting", "address", addr)
	return http.ListenAndServe(addr, s)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}
