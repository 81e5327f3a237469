// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"deal-poster/session"
)

// TokenHeader carries the shared secret on trigger requests.
const TokenHeader = "X-Trigger-Token"

// Runner runs posting sessions and reports quota state.
type Runner interface {
	Trigger(ctx context.Context) (*session.Result, error)
	Stats() session.Stats
}

// Server handles HTTP requests.
type Server struct {
	runner       Runner
	logger       *slog.Logger
	authFailures *rateLimiter
	token        string
}

// Config holds server configuration.
type Config struct {
	Runner Runner
	Logger *slog.Logger
	Token  string // Trigger secret; empty disables the check
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		runner:       cfg.Runner,
		logger:       cfg.Logger,
		authFailures: newRateLimiter(5, time.Hour),
		token:        cfg.Token,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/post", s.handlePost)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// A session can take minutes: fetch retries plus the inter-post delays.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.runner.Stats())
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.authorized(r) {
		if !s.authFailures.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip)
			http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
			return
		}
		s.logger.Warn("Rejected trigger with bad token", "ip", ip)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.logger.Info("Post endpoint triggered", "ip", ip)

	res, err := s.runner.Trigger(r.Context())
	if errors.Is(err, session.ErrRunInProgress) {
		s.logger.Warn("Trigger rejected, session already running")
		http.Error(w, "Session already running", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Session failed", "error", err)
		http.Error(w, "Session failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
