// Copyright (C) 2023 olix3001

// Package nbd exports the block store over the NBD protocol. The server owns
// request framing and negotiation; every read, write and flush lands in the
// block store through the backend interface.
package nbd

import (
	"errors"
	"net"

	"github.com/pojntfx/go-nbd/pkg/backend"
	"github.com/pojntfx/go-nbd/pkg/server"
	"github.com/rs/zerolog/log"
)

// Server accepts NBD client connections and serves one export backed by the
// block store.
type Server struct {
	listener net.Listener
	export   string
	backend  backend.Backend
	pageSize int
}

// New returns a server for the given export name and backend.
func New(export string, b backend.Backend, pageSize int) *Server {
	return &Server{
		export:   export,
		backend:  b,
		pageSize: pageSize,
	}
}

// Run listens on addr and serves connections until Stop is called. It blocks
// the calling goroutine.
func (s *Server) Run(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l

	log.Info().Str("addr", addr).Str("export", s.export).Msg("NBD server listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("Accepting NBD connection")
			continue
		}

		go s.handle(conn)
	}
}

// Stop closes the listener; in-flight connections finish on their own.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	log.Info().Str("client", conn.RemoteAddr().String()).Msg("NBD client connected")

	err := server.Handle(
		conn,
		[]*server.Export{
			{
				Name:        s.export,
				Description: "message channel backed block device",
				Backend:     s.backend,
			},
		},
		&server.Options{
			ReadOnly:           false,
			MinimumBlockSize:   uint32(s.pageSize),
			PreferredBlockSize: uint32(s.pageSize),
			MaximumBlockSize:   uint32(s.pageSize),
		})

	if err != nil {
		log.Warn().Err(err).Str("client", conn.RemoteAddr().String()).Msg("NBD client disconnected")
		return
	}

	log.Info().Str("client", conn.RemoteAddr().String()).Msg("NBD client disconnected")
}
