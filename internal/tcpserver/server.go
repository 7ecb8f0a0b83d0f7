// Package tcpserver implements the long-lived Postfix policy delegation
// listener: accept loop, per-connection read/dispatch/write, a bounded
// worker pool, and per-request error-to-fallback-action mapping.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/handler"
	"github.com/chapps-project/chappsd/internal/protocol"
)

// Handler is the capability the server dispatches each request to.
type Handler interface {
	Handle(ctx context.Context, req *protocol.Request) (string, error)
}

var _ Handler = (*handler.Handler)(nil)

// Server is one TCP policy delegation listener; a deployment runs one
// per policy or per multi-policy handler.
type Server struct {
	addr            string
	handler         atomic.Pointer[Handler]
	log             zerolog.Logger
	maxRequestBytes int
	fallbackAction  string
	requestBudget   time.Duration

	sem chan struct{} // bounds how many connections are served at once; others wait for a slot

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// Options configures a Server. PoolSize <= 0 defaults to
// max(4, 2*NumCPU). MaxRequestBytes <= 0 defaults to 64KiB.
// RequestBudget <= 0 defaults to 10s.
type Options struct {
	Addr            string
	PoolSize        int
	MaxRequestBytes int
	FallbackAction  string
	RequestBudget   time.Duration
}

// New constructs a Server bound to opts.Addr, dispatching to h.
func New(opts Options, h Handler, log zerolog.Logger) *Server {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 2 * runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	maxBytes := opts.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	fallback := opts.FallbackAction
	if fallback == "" {
		fallback = protocol.Dunno
	}
	budget := opts.RequestBudget
	if budget <= 0 {
		budget = 10 * time.Second
	}

	s := &Server{
		addr:            opts.Addr,
		log:             log,
		maxRequestBytes: maxBytes,
		fallbackAction:  fallback,
		requestBudget:   budget,
		sem:             make(chan struct{}, poolSize),
	}
	s.handler.Store(&h)
	return s
}

// SetHandler atomically swaps the handler a running server dispatches to,
// letting SIGHUP reload rebuild policies/config without dropping the
// listener or in-flight connections.
func (s *Server) SetHandler(h Handler) {
	s.handler.Store(&h)
}

// ListenAndServe binds the listener and runs the accept loop until ctx is
// cancelled or Close is called. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listening on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.log.Info().Str("addr", s.addr).Msg("tcpserver: accepting connections")

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("tcpserver: accept: %w", err)
		}

		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

// Close stops accepting new connections by closing the listener; it does
// not wait. ListenAndServe waits for in-flight connections to finish
// before it returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	lis := s.listener
	s.mu.Unlock()
	if lis == nil {
		return nil
	}
	return lis.Close()
}

// serve runs the read/dispatch/write loop for one connection, recovering
// from any panic so a single bad request never crashes the process.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("tcpserver: recovered panic in connection handler")
		}
	}()

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	incompleteReads := 0
	for {
		req, err := protocol.ReadRequest(reader, s.maxRequestBytes)
		if err != nil {
			s.handleReadError(err)
			// Best-effort: the peer may already be gone.
			_ = protocol.WriteAction(writer, s.fallbackAction)
			if errors.Is(err, protocol.ErrIncompleteRequest) {
				// A second consecutive incomplete read means the peer
				// half-closed for good.
				incompleteReads++
				if incompleteReads > 1 {
					return
				}
				continue
			}
			if errors.Is(err, protocol.ErrRequestTooLarge) {
				// Skip the rest of the oversized request so the next
				// read starts on a request boundary.
				if err := discardRequest(reader); err != nil {
					return
				}
			}
			continue
		}
		incompleteReads = 0

		h := *s.handler.Load()
		reqCtx, cancel := context.WithTimeout(ctx, s.requestBudget)
		action, err := h.Handle(reqCtx, req)
		cancel()

		if err != nil {
			s.log.Error().Err(err).Str("instance", req.Instance).Msg("tcpserver: handler error, using fallback action")
			action = s.fallbackAction
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			s.log.Warn().Str("instance", req.Instance).Msg("tcpserver: request budget exceeded, using fallback action")
			action = s.fallbackAction
		}

		if err := protocol.WriteAction(writer, action); err != nil {
			s.log.Debug().Err(err).Msg("tcpserver: write failed, closing connection")
			return
		}
	}
}

// discardRequest reads and drops lines up to the blank-line terminator.
func discardRequest(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\n" {
			return nil
		}
	}
}

func (s *Server) handleReadError(err error) {
	var incomplete *protocol.IncompleteRequestError
	if errors.As(err, &incomplete) {
		s.log.Debug().
			Int("bytes_read", incomplete.BytesRead).
			Strs("last_keys", incomplete.LastKeys).
			Msg("tcpserver: incomplete request, connection closed mid-read")
		return
	}
	s.log.Warn().Err(err).Msg("tcpserver: request read error")
}
