package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/coreledger/meshnode/p2p"
)

// Server is the Channel Server: a server-authenticated TLS acceptor for
// SDK clients, each accepted connection becoming a ChannelSession
// registered with a Router.
type Server struct {
	listenEndpoint p2p.Endpoint
	tlsConfig      *tls.Config
	router         *Router
	log            *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewServer constructs a Channel Server bound to listenEndpoint, serving
// tlsConfig (built via CertVerifier.BuildChannelTLSConfig) and dispatching
// through router.
func NewServer(listenEndpoint p2p.Endpoint, tlsConfig *tls.Config, router *Router, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{listenEndpoint: listenEndpoint, tlsConfig: tlsConfig, router: router, log: log}
}

// Start opens the acceptor and begins serving.
func (s *Server) Start(ctx context.Context) error {
	listener, err := tls.Listen("tcp", s.listenEndpoint.Name(), s.tlsConfig)
	if err != nil {
		return fmt.Errorf("channel: listen on %s: %w", s.listenEndpoint.Name(), err)
	}
	s.listener = listener

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(runCtx)
	}()
	s.log.Info("channel server started", slog.String("listen", s.listenEndpoint.Name()))
	return nil
}

// Stop closes the acceptor and waits for the accept loop to exit.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("channel accept error", slog.Any("error", err))
			continue
		}
		id := uuid.NewString()
		session := NewChannelSession(id, conn, s.log)
		s.router.RegisterSession(session)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.run(s.router.HandleFromSession)
			s.router.RemoveSession(id)
		}()
	}
}
