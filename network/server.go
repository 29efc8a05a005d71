package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Server accepts inbound TLS sessions and hands each to the Receiver on its
// own goroutine.
type Server struct {
	listener net.Listener
	receiver *Receiver

	errs chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TLS listener and accept loop.
func Listen(address string, receiver *Receiver) (*Server, error) {
	if receiver == nil {
		return nil, errors.New("receiver is required")
	}
	if receiver.options.TLSConfig == nil {
		return nil, errors.New("tls config is required")
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: tls.NewListener(listener, receiver.options.TLSConfig),
		receiver: receiver,
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, cancels in-flight sessions and waits for them.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		s.reportError(errors.New("inbound connection is not TLS"))
		return
	}

	handshakeCtx, cancel := context.WithTimeout(s.ctx, s.receiver.options.ConnectionTimeout)
	err := tlsConn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err))
		return
	}

	c := newConn(tlsConn, s.receiver.options.FrameTimeout)
	defer func() {
		_ = c.Close()
	}()

	// Shutdown closes the connection. A deadline would be reset by the next
	// frame read.
	stop := context.AfterFunc(s.ctx, func() {
		_ = c.Close()
	})
	defer stop()

	if err := s.receiver.Serve(s.ctx, c); err != nil {
		s.reportError(err)
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Peers hanging up and listener shutdown are expected.
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
