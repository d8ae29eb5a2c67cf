// Package server accepts client connections over a plain TCP socket and
// a websocket endpoint and feeds both into the router. The two listeners
// differ only in framing; once wrapped in a transport.Conn they are
// handled identically.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"classmon/internal/config"
	"classmon/internal/registry"
	"classmon/internal/router"
	"classmon/internal/transport"
	"classmon/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Server owns the listeners and the per-connection handler goroutines.
type Server struct {
	cfg    *config.Config
	router *router.Router
	log    zerolog.Logger

	mu       sync.Mutex
	tcpLn    net.Listener
	httpLn   net.Listener
	httpSrv  *http.Server
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server; Start brings the listeners up.
func New(cfg *config.Config, r *router.Router, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		router: r,
		log:    log.With().Str("component", "server").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds both listeners and begins accepting connections. It
// returns once the listeners are bound; accepting runs in background
// goroutines until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.TCPAddr())
	if err != nil {
		return fmt.Errorf("bind tcp listener: %w", err)
	}
	s.tcpLn = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpSrv = &http.Server{
		Addr:         s.cfg.HTTPAddr(),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr())
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("bind http listener: %w", err)
	}
	s.httpLn = httpLn

	s.started = true
	s.log.Info().Str("tcp", s.cfg.TCPAddr()).Str("http", s.cfg.HTTPAddr()).Msg("listening")

	s.wg.Add(2)
	go s.acceptLoop(ln)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// TCPAddr returns the bound TCP listener address, useful when the
// configured port is 0.
func (s *Server) TCPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}

// HTTPAddr returns the bound websocket listener address.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		conn := transport.NewTCPConn(netConn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := struct {
		Status string         `json:"status"`
		Stats  map[string]int `json:"stats"`
	}{Status: "ok", Stats: s.router.Stats()}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("health response failed")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn := transport.NewWSConn(wsConn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(conn)
	}()
}

// handleConn runs the read loop for one connection. A malformed message
// gets an error reply and the connection survives; a transport failure
// ends the session.
func (s *Server) handleConn(conn transport.Conn) {
	remote := conn.RemoteAddr()
	s.log.Debug().Str("remote", remote).Msg("connection opened")

	var sess *registry.Session
	defer func() {
		s.router.HandleDisconnect(sess)
		_ = conn.Close()
		s.log.Debug().Str("remote", remote).Msg("connection closed")
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if transport.IsMalformed(err) {
				s.log.Warn().Err(err).Str("remote", remote).Msg("malformed message")
				reply := protocol.Error("malformed message: " + err.Error())
				if sendErr := conn.Send(reply); sendErr != nil {
					return
				}
				continue
			}
			if !errors.Is(err, transport.ErrClosed) {
				s.log.Warn().Err(err).Str("remote", remote).Msg("receive failed")
			}
			return
		}

		reply, next := s.router.Dispatch(s.ctx, conn, sess, msg)
		sess = next
		if reply == nil {
			continue
		}
		if err := conn.Send(reply); err != nil {
			s.log.Warn().Err(err).Str("remote", remote).Msg("reply send failed")
			return
		}
	}
}

// Stop closes the listeners and waits for the connection handlers to
// drain.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	tcpLn := s.tcpLn
	httpSrv := s.httpSrv
	s.mu.Unlock()

	s.cancel()
	_ = tcpLn.Close()
	_ = httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
