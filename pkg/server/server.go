// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server runs the relay on one IPv4 and one IPv6 loopback socket
// sharing a port, optionally behind TLS, plus an optional metrics listener.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/webhook-relay/pkg/config"
)

// Loopback hosts the relay binds to.
const (
	HostIPv4 = "127.0.0.1"
	HostIPv6 = "::1"
)

// listener is one bound socket and the server answering on it.
type listener struct {
	name string
	addr string
	srv  *http.Server
	tls  bool
	ln   net.Listener
}

// Server owns every listener of the process.
type Server struct {
	cfg       config.Config
	logger    zerolog.Logger
	listeners []*listener

	mu    sync.Mutex
	bound bool
}

// New prepares the dual-stack relay listeners for handler and, when
// cfg.MetricsAddr is set and metrics is non-nil, a plain HTTP metrics
// listener. Nothing is bound until Listen.
func New(cfg config.Config, handler http.Handler, metrics http.Handler) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.With().Str("component", "server").Logger(),
	}

	port := strconv.Itoa(int(cfg.ListenPort))
	prefix := ""
	if cfg.TLSEnabled() {
		prefix = "tls-"
	}

	for _, l := range []struct{ name, host string }{
		{prefix + "ipv4", HostIPv4},
		{prefix + "ipv6", HostIPv6},
	} {
		s.listeners = append(s.listeners, &listener{
			name: l.name,
			addr: net.JoinHostPort(l.host, port),
			tls:  cfg.TLSEnabled(),
			srv:  s.newHTTPServer(Chain(l.name, handler, cfg.Compress, log.Logger)),
		})
	}

	if cfg.MetricsAddr != "" && metrics != nil {
		s.listeners = append(s.listeners, &listener{
			name: "metrics",
			addr: cfg.MetricsAddr,
			srv:  s.newHTTPServer(metrics),
		})
	}

	return s
}

func (s *Server) newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
}

// Listen binds every socket, loading the TLS key pair first when enabled.
// Sockets bound before a failure are closed again.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return errors.New("server: already listening")
	}

	var tlsConfig *tls.Config
	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"h2", "http/1.1"},
		}
	}

	for i, l := range s.listeners {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			for _, prev := range s.listeners[:i] {
				_ = prev.ln.Close()
				prev.ln = nil
			}
			return fmt.Errorf("listen %s on %s: %w", l.name, l.addr, err)
		}
		if l.tls {
			l.srv.TLSConfig = tlsConfig
			ln = tls.NewListener(ln, tlsConfig)
		}
		l.ln = ln
	}

	s.bound = true
	return nil
}

// Addrs returns the bound address of each listener keyed by name.
func (s *Server) Addrs() map[string]net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make(map[string]net.Addr, len(s.listeners))
	for _, l := range s.listeners {
		if l.ln != nil {
			addrs[l.name] = l.ln.Addr()
		}
	}
	return addrs
}

// Serve answers on every bound listener until ctx is done, then shuts all of
// them down within cfg.GracefulShutdownTimeout. If one listener fails the
// others are shut down and its error is returned.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return errors.New("server: Listen must be called before Serve")
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range s.listeners {
		l := l
		g.Go(func() error {
			s.logger.Info().
				Str("listener", l.name).
				Str("addr", l.ln.Addr().String()).
				Bool("tls", l.tls).
				Msg("listening")
			if err := l.srv.Serve(l.ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Run binds and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down listeners")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.GracefulShutdownTimeout)
	defer cancel()

	var errs []error
	for _, l := range s.listeners {
		if err := l.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Str("listener", l.name).Msg("graceful shutdown failed; forcing close")
			if closeErr := l.srv.Close(); closeErr != nil {
				s.logger.Error().Err(closeErr).Str("listener", l.name).Msg("forced close failed")
			}
			errs = append(errs, fmt.Errorf("%s listener: %w", l.name, err))
		}
	}

	s.logger.Info().Msg("listeners stopped")
	return errors.Join(errs...)
}
