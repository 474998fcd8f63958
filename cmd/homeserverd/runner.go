package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/oklog/run"

	"github.com/pubky/pubky-homeserver/pkg/log"
)

// serverRunner wires one *http.Server into an oklog/run group with a
// bounded graceful shutdown, ported from the teacher's serverRunner.
type serverRunner struct {
	name   string
	srv    *http.Server
	logger log.Logger
}

func newServerRunner(name string, srv *http.Server, logger log.Logger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) RunAndShutdownGracefully(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.Infof("listening (%s) on %s", s.name, s.srv.Addr)
		return s.srv.Serve(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Errorf("graceful shutdown (%s): %v", s.name, err)
		}
	})
	return nil
}
