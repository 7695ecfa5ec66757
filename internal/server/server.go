// Package server exposes the daemon over a local Unix socket using the
// length-prefixed envelope protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/nextmeeting/internal/protocol"
)

var (
	// ErrSocketInUse means another live process answers on the socket path.
	ErrSocketInUse = errors.New("socket already in use by a running daemon")
	// ErrSocketPathInvalid means the path exists and is not a socket.
	ErrSocketPathInvalid = errors.New("socket path exists and is not a unix socket")
)

const probeTimeout = 500 * time.Millisecond

// Handler answers decoded requests.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

type Options struct {
	MaxConnections    int
	ConnectionTimeout time.Duration
}

// Server accepts connections up to MaxConnections and serves any number of
// request/response exchanges per connection.
type Server struct {
	path    string
	handler Handler
	opts    Options
	sem     *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]*connState

	wg       sync.WaitGroup
	closing  atomic.Bool
	shutdown sync.Once
	nextID   atomic.Uint64
}

func New(path string, handler Handler, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 30 * time.Second
	}
	return &Server{
		path:    path,
		handler: handler,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConnections)),
		conns:   make(map[net.Conn]*connState),
	}
}

func (s *Server) Path() string { return s.path }

// Bind creates the socket. A socket file left behind by a dead daemon is
// removed; a live one fails with ErrSocketInUse. If the path is taken
// between the check and the listen, cleanup is retried once.
func (s *Server) Bind() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	var ln net.Listener
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = s.reclaim(); err != nil {
			return err
		}
		ln, err = net.Listen("unix", s.path)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("listen uds: %w", err)
		}
		slog.Warn("socket path taken during bind, retrying", "path", s.path)
	}
	if err != nil {
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	slog.Info("socket bound", "path", s.path)
	return nil
}

// reclaim removes a stale socket file at the path.
func (s *Server) reclaim() error {
	st, err := os.Lstat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}
	if st.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrSocketPathInvalid, s.path)
	}
	if Alive(s.path) {
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	slog.Info("removed stale socket", "path", s.path)
	return nil
}

// Alive reports whether something accepts connections on the socket path.
func Alive(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Serve accepts connections until ctx is done or Shutdown is called. Bind
// must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server not bound")
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.closing.Store(true)
		s.mu.Unlock()
		ln.Close() //nolint:errcheck
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		// Shutdown sets closing under mu, so a connection registered here
		// is always seen by its wg.Wait.
		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		if !s.sem.TryAcquire(1) {
			s.mu.Unlock()
			slog.Warn("connection limit reached, rejecting client", "max", s.opts.MaxConnections)
			go s.reject(conn)
			continue
		}
		st := &connState{}
		s.conns[conn] = st
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.untrack(conn)
			s.serveConn(ctx, conn, st, s.nextID.Add(1))
		}()
	}
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	s.reply(conn, "", protocol.Errorf(protocol.CodeRateLimited, "too many connections"))
}

// connState is guarded by Server.mu. A connection is busy from the first
// byte of a request frame until its reply is written.
type connState struct {
	busy  bool
	woken bool
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// awaitNext arms the idle deadline for the next frame. It reports false once
// the server is closing.
func (s *Server) awaitNext(conn net.Conn, st *connState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	st.busy = false
	conn.SetReadDeadline(time.Now().Add(s.opts.ConnectionTimeout)) //nolint:errcheck
	return true
}

// markBusy records that a frame has started arriving. A wake-up deadline set
// by Shutdown in the meantime is replaced so the frame can be read in full.
func (s *Server) markBusy(conn net.Conn, st *connState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.busy = true
	if st.woken {
		st.woken = false
		conn.SetReadDeadline(time.Now().Add(s.opts.ConnectionTimeout)) //nolint:errcheck
	}
}

// frameReader reports the first byte of each frame to the server.
type frameReader struct {
	s       *Server
	conn    net.Conn
	st      *connState
	started bool
}

func (r *frameReader) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	if n > 0 && !r.started {
		r.started = true
		r.s.markBusy(r.conn, r.st)
	}
	return n, err
}

// serveConn runs request/response exchanges until the client hangs up, sits
// idle past the connection timeout, sends malformed input or the server
// shuts down.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, st *connState, id uint64) {
	defer conn.Close()
	log := slog.With("conn", id)
	log.Debug("client connected")

	r := &frameReader{s: s, conn: conn, st: st}
	for s.awaitNext(conn, st) {
		r.started = false
		env, err := protocol.ReadEnvelope(r)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			log.Debug("client disconnected")
			return
		case errors.Is(err, protocol.ErrVersionMismatch):
			log.Warn("protocol version mismatch", "client_version", env.ProtocolVersion)
			if !s.reply(conn, env.RequestID, protocol.Errorf(protocol.CodeVersionMismatch,
				"daemon speaks protocol %s, client sent %q", protocol.Version, env.ProtocolVersion)) {
				return
			}
			continue
		case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrInvalidFrame):
			log.Warn("malformed frame, closing connection", "error", err)
			s.reply(conn, "", protocol.Errorf(protocol.CodeInvalidRequest, "%v", err))
			return
		default:
			if isTimeout(err) {
				log.Debug("connection idle, closing")
			} else if !s.closing.Load() {
				log.Debug("read failed", "error", err)
			}
			return
		}

		req, err := env.DecodeRequest()
		if err != nil {
			log.Warn("invalid request, closing connection", "error", err)
			s.reply(conn, env.RequestID, protocol.Errorf(protocol.CodeInvalidRequest, "%v", err))
			return
		}
		log.Debug("request", "type", req.Type, "request_id", env.RequestID)
		resp := s.handler.Handle(ctx, req)
		if !s.reply(conn, env.RequestID, resp) {
			return
		}
	}
}

func (s *Server) reply(conn net.Conn, requestID string, resp protocol.Response) bool {
	env, err := protocol.NewEnvelope(requestID, resp)
	if err != nil {
		slog.Error("encode response", "error", err)
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(s.opts.ConnectionTimeout)) //nolint:errcheck
	if err := protocol.WriteFrame(conn, env); err != nil {
		slog.Debug("write response failed", "error", err)
		return false
	}
	return true
}

// Shutdown stops accepting, lets in-flight exchanges finish and removes the
// socket file. Idle connections are woken and closed; a connection that has
// started sending a frame gets its reply first. When ctx expires first the
// remaining connections are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdown.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		ln := s.listener
		for conn, st := range s.conns {
			if !st.busy {
				st.woken = true
				conn.SetReadDeadline(time.Now()) //nolint:errcheck
			}
		}
		s.mu.Unlock()
		if ln != nil {
			ln.Close() //nolint:errcheck
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.mu.Lock()
			for conn := range s.conns {
				conn.Close()
			}
			s.mu.Unlock()
			<-done
			err = ctx.Err()
		}

		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("remove socket: %w", rmErr))
		}
		slog.Info("socket server stopped", "path", s.path)
	})
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
