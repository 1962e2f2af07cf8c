package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"projsync/logging"
)

// Server accepts inbound TCP connections and upgrades the ones that
// complete hello to PeerConnection.
type Server struct {
	listener net.Listener
	options  HelloOptions

	incoming chan *PeerConnection
	errs     chan error

	done     chan struct{}
	stopOnce sync.Once
	handlers sync.WaitGroup
}

// Listen starts a TCP listener and hello accept loop. An empty address
// listens on an ephemeral port.
func Listen(address string, options HelloOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	s := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
	}
	s.handlers.Add(1)
	go s.acceptLoop()
	opts.Logger.Debug("listening", logging.String("address", listener.Addr().String()))
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted peer connections that completed hello.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors reports accept failures and rejected hellos. Errors are dropped
// when nobody drains the channel.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, waits for in-flight hellos, then closes both channels.
func (s *Server) Close() error {
	var closeErr error
	s.stopOnce.Do(func() {
		close(s.done)
		closeErr = s.listener.Close()
		s.handlers.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.handlers.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping() {
				return
			}
			s.report(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.handlers.Add(1)
		go s.admit(conn)
	}
}

func (s *Server) admit(conn net.Conn) {
	defer s.handlers.Done()

	peer, err := exchangeHello(conn, s.options.ConnectionTimeout, func() (Hello, error) {
		return answerHello(conn, s.options)
	})
	if err != nil {
		_ = conn.Close()
		s.report(err)
		return
	}

	pc := newPeerConnection(conn, s.options.connOptions(peer))
	select {
	case s.incoming <- pc:
	case <-s.done:
		_ = pc.Close()
	}
}

func (s *Server) report(err error) {
	if errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.options.Logger.Debug("dropped server error", logging.Err(err))
	}
}
