package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const acceptBackoff = 100 * time.Millisecond

// ServerOptions controls the listening side of a session.
type ServerOptions struct {
	// Address to bind; defaults to ":6000".
	Address string
	// MaxConcurrentPeers caps simultaneously open accepted sockets; 0 means no cap.
	MaxConcurrentPeers int
	// Connection configures every accepted connection. Its Callbacks also
	// receive OnClientConnected and accept errors.
	Connection ConnectionOptions
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Address == "" {
		out.Address = ":" + strconv.Itoa(DefaultPort)
	}
	if out.MaxConcurrentPeers < 0 {
		out.MaxConcurrentPeers = 0
	}
	out.Connection = out.Connection.withDefaults()
	return out
}

// Server accepts inbound TCP connections. The most recently accepted one is
// the current connection that outgoing messages are routed to.
type Server struct {
	listener  net.Listener
	options   ServerOptions
	callbacks *gatedCallbacks
	logger    *logrus.Entry

	mu      sync.Mutex
	current *Connection
	active  map[*Connection]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the listening socket and starts the accept loop.
func Listen(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.Address, err)
	}
	if opts.MaxConcurrentPeers > 0 {
		listener = netutil.LimitListener(listener, opts.MaxConcurrentPeers)
	}

	server := &Server{
		listener:  listener,
		options:   opts,
		callbacks: newGatedCallbacks(opts.Connection.Callbacks),
		logger: opts.Connection.Logger.WithFields(logrus.Fields{
			"component": "server",
			"address":   listener.Addr().String(),
		}),
		active: make(map[*Connection]struct{}),
		closed: make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	server.logger.Info("Listening for peers")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Current returns the most recently accepted live connection, or nil.
func (s *Server) Current() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SendMessage forwards to the current connection.
func (s *Server) SendMessage(text string) error {
	conn := s.Current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendMessage(text)
}

// SendFile forwards to the current connection.
func (s *Server) SendFile(path string) (string, error) {
	conn := s.Current()
	if conn == nil {
		return "", ErrNotConnected
	}
	return conn.SendFile(path)
}

// Close stops accepting, closes the listening socket and stops every
// accepted connection.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.callbacks.close()
		close(s.closed)
		closeErr = s.listener.Close()

		s.mu.Lock()
		conns := make([]*Connection, 0, len(s.active))
		for conn := range s.active {
			conns = append(conns, conn)
		}
		s.current = nil
		s.mu.Unlock()

		for _, conn := range conns {
			_ = conn.Stop()
		}
		s.wg.Wait()
		s.logger.Info("Listener closed")
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
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.WithField("error", err).Warn("Accept failed")
			s.callbacks.OnConnectionError(fmt.Errorf("accept connection: %w", err))

			select {
			case <-s.closed:
				return
			case <-time.After(acceptBackoff):
			}
			continue
		}

		s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	connection := NewConnection(conn, s.options.Connection)

	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		_ = connection.Stop()
		return
	default:
	}
	s.active[connection] = struct{}{}
	s.current = connection
	s.mu.Unlock()

	connection.Start()
	address := conn.RemoteAddr().String()
	s.logger.WithField("remote", address).Info("Peer connected")
	s.callbacks.OnClientConnected(address)

	s.wg.Add(1)
	go s.reap(connection)
}

// reap releases a connection once its loops have exited.
func (s *Server) reap(connection *Connection) {
	defer s.wg.Done()

	select {
	case <-connection.Done():
	case <-s.closed:
		return
	}
	_ = connection.Stop()

	s.mu.Lock()
	delete(s.active, connection)
	if s.current == connection {
		s.current = nil
	}
	s.mu.Unlock()
}
