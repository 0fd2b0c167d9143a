package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	// ListenAddress is the listener bind address; defaults to ":6000".
	ListenAddress string
	// MaxConcurrentPeers caps accepted sockets; 0 means no cap.
	MaxConcurrentPeers int
	// DialTimeout bounds ConnectTo; defaults to 10s.
	DialTimeout time.Duration
	// Connection configures every connection the session runs.
	Connection ConnectionOptions
}

func (o SessionOptions) withDefaults() SessionOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(DefaultPort)
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	out.Connection = out.Connection.withDefaults()
	return out
}

// Session is the single entry point of the presentation layer. It owns at
// most one listener and at most one dialed connection, and routes outgoing
// traffic to the dialed connection first.
type Session struct {
	options SessionOptions
	logger  *logrus.Entry

	mu       sync.Mutex
	server   *Server
	dialed   *Connection
	stopped  bool
	stopOnce sync.Once
}

// NewSession creates an idle session.
func NewSession(options SessionOptions) *Session {
	opts := options.withDefaults()
	return &Session{
		options: opts,
		logger:  opts.Connection.Logger.WithField("component", "session"),
	}
}

// StartAsListener binds the listener. A bind failure is returned and also
// reported through OnConnectionError.
func (s *Session) StartAsListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrConnectionClosed
	}
	if s.server != nil {
		return nil
	}

	server, err := Listen(ServerOptions{
		Address:            s.options.ListenAddress,
		MaxConcurrentPeers: s.options.MaxConcurrentPeers,
		Connection:         s.options.Connection,
	})
	if err != nil {
		s.logger.WithField("error", err).Error("Failed to start listener")
		s.callbacks().OnConnectionError(err)
		return err
	}
	s.server = server
	return nil
}

// ListenAddr returns the bound listener address, or nil before StartAsListener.
func (s *Session) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

// ConnectTo dials a peer and makes it the dialed connection, stopping any
// previous one. An address without a port gets the default port.
func (s *Session) ConnectTo(ctx context.Context, address string) error {
	target := withDefaultPort(address)
	logger := s.logger.WithField("remote", target)

	dialCtx, cancel := context.WithTimeout(ctx, s.options.DialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		logger.WithField("error", err).Warn("Dial failed")
		return fmt.Errorf("dial %q: %w", target, err)
	}

	connection := NewConnection(conn, s.options.Connection)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = connection.Stop()
		return ErrConnectionClosed
	}
	previous := s.dialed
	s.dialed = connection
	s.mu.Unlock()

	if previous != nil {
		_ = previous.Stop()
	}
	connection.Start()
	go s.watchDialed(connection)
	logger.Info("Connected to peer")
	return nil
}

// SendMessage routes a text message to the active connection.
func (s *Session) SendMessage(text string) error {
	conn, err := s.route()
	if err != nil {
		return err
	}
	return conn.SendMessage(text)
}

// SendFile routes a file to the active connection and returns its transfer id.
func (s *Session) SendFile(path string) (string, error) {
	conn, err := s.route()
	if err != nil {
		return "", err
	}
	return conn.SendFile(path)
}

// Stop closes the listener and every connection. It is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		server := s.server
		dialed := s.dialed
		s.server = nil
		s.dialed = nil
		s.mu.Unlock()

		if dialed != nil {
			_ = dialed.Stop()
		}
		if server != nil {
			_ = server.Close()
		}
		s.logger.Info("Session stopped")
	})
}

func (s *Session) route() (*Connection, error) {
	s.mu.Lock()
	dialed := s.dialed
	server := s.server
	s.mu.Unlock()

	if dialed != nil {
		return dialed, nil
	}
	if server != nil {
		if current := server.Current(); current != nil {
			return current, nil
		}
	}
	return nil, ErrNotConnected
}

func (s *Session) callbacks() Callbacks {
	if s.options.Connection.Callbacks == nil {
		return CallbackFuncs{}
	}
	return s.options.Connection.Callbacks
}

// watchDialed releases the dialed connection once its loops exit, which
// after a connection error is the cleanup path.
func (s *Session) watchDialed(connection *Connection) {
	<-connection.Done()
	_ = connection.Stop()

	s.mu.Lock()
	if s.dialed == connection {
		s.dialed = nil
	}
	s.mu.Unlock()
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(DefaultPort))
}
