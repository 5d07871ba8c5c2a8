// Package httpapi is duoproxy's HTTP surface: the OpenAI and Anthropic
// route sets described in §4.J, layered over a chi router with open CORS
// and a graceful shutdown path.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/roelfdiedericks/duoproxy/internal/config"
	"github.com/roelfdiedericks/duoproxy/internal/pipeline"
	"github.com/roelfdiedericks/duoproxy/internal/tokenmanager"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// Server is the process-wide HTTP listener wrapping one Pipeline.
type Server struct {
	server *http.Server
	wg     sync.WaitGroup

	pipe    *pipeline.Pipeline
	cfg     *config.Watcher
	tokens  *tokenmanager.Manager
	started time.Time
}

// New builds a Server bound to listen. tokens may be nil in configurations
// that never hold a token (none exist today, but /health degrades rather
// than panics if it ever does).
func New(cfg *config.Watcher, pipe *pipeline.Pipeline, tokens *tokenmanager.Manager) *Server {
	s := &Server{
		pipe:    pipe,
		cfg:     cfg,
		tokens:  tokens,
		started: time.Now(),
	}

	s.server = &http.Server{
		Addr:         cfg.Get().Listen.Address,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // unbounded: SSE responses can run indefinitely
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// setupRoutes wires the route table named in §4.J behind chi's recoverer,
// the server's own request logger (logRequest), and an open CORS policy
// built from config.
func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.logRequest)

	cfg := s.cfg.Get()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		AllowedMethods: cfg.CORS.AllowedMethods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		MaxAge:         cfg.CORS.MaxAge,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Post("/chat/completions", s.handleOpenAIChatCompletions)
	r.Post("/v1/chat/completions", s.handleOpenAIChatCompletions)

	r.Get("/models", s.handleListModels)
	r.Get("/v1/models", s.handleListModels)

	r.Post("/embeddings", s.handleEmbeddings)
	r.Post("/v1/embeddings", s.handleEmbeddings)

	r.Post("/v1/messages", s.handleAnthropicMessages)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)

	r.Post("/api/event_logging/batch", s.handleEventLoggingBatch)

	r.Get("/usage", s.handleUsage)
	r.Get("/token", s.handleToken)

	return r
}

// Start launches the listener in the background; errors after a clean
// Stop() are swallowed the way http.ErrServerClosed signals they should be.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("httpapi: server starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("httpapi: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully drains in-flight requests, including open SSE streams,
// within a 5-second budget before forcing the listener closed.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("httpapi: shutdown error", "error", err)
		return err
	}
	s.wg.Wait()
	L_info("httpapi: server stopped")
	return nil
}

// logRequest is a chi middleware logging method, path, status, and
// duration at trace level once the handler returns.
func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lw, r)
		L_trace("httpapi: request", "method", r.Method, "path", r.URL.Path, "status", lw.statusCode, "duration", time.Since(start))
	})
}

// loggingResponseWriter wraps ResponseWriter to capture the status code
// while still exposing http.Flusher for SSE handlers.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
