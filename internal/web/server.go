// Copyright (C) 2023 olix3001

// Package web provides the status HTTP server. It exposes a snapshot of the
// engine counters and lets an operator trigger a flush without touching the
// mounted device.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/olix3001/DAAFS/internal/daafs"
)

// Server wraps the chi router around one block store.
type Server struct {
	router *chi.Mux
	store  *daafs.BlockStore
}

// New returns a server for the given store.
func New(store *daafs.BlockStore) *Server {
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(5 * time.Minute))

	s.router.Get("/status", s.handleStatus)
	s.router.Post("/flush", s.handleFlush)

	return s
}

// Run listens on port. It blocks the calling goroutine.
func (s *Server) Run(port int) error {
	addr := fmt.Sprintf("localhost:%d", port)
	log.Info().Str("addr", addr).Msg("Status server listening")

	return http.ListenAndServe(addr, s.router)
}

// Handler returns the underlying router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Encoding status response")
	}
}
