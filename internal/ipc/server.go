package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"evremapd/internal/logging"
)

// Handler processes one request message and returns the response.
type Handler interface {
	Handle(msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg *Message) (*Message, error)

// Handle calls f.
func (f HandlerFunc) Handle(msg *Message) (*Message, error) {
	return f(msg)
}

// Server accepts control connections on a unix socket and dispatches
// framed requests to registered handlers.
type Server struct {
	socketPath string
	log        *logging.Logger

	mu       sync.Mutex
	handlers map[MessageType]Handler
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer creates a server for the given socket path.
func NewServer(socketPath string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		socketPath: socketPath,
		log:        log.WithComponent("ipc"),
		handlers:   make(map[MessageType]Handler),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Handle registers a handler for a message type.
func (s *Server) Handle(msgType MessageType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = h
}

// HandleFunc registers a handler function for a message type.
func (s *Server) HandleFunc(msgType MessageType, f func(*Message) (*Message, error)) {
	s.Handle(msgType, HandlerFunc(f))
}

// Start begins listening and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := cleanupSocket(s.socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	// Only the owning user may control the daemon.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener and every accepted connection, waits for
// their goroutines, and removes the socket file. Closing the
// connections unblocks reads waiting on idle clients.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if err := authorizePeer(conn); err != nil {
			s.log.Warn("rejected control connection", "error", err)
			conn.Close()
			continue
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		msg, err := ReadMessage(conn)
		if err != nil {
			return
		}

		resp := s.dispatch(msg)
		if resp == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := resp.Write(conn); err != nil {
			s.log.Debug("write response failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(msg *Message) *Message {
	s.mu.Lock()
	h, ok := s.handlers[msg.Header.Type]
	s.mu.Unlock()

	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported message type: 0x%04x", uint16(msg.Header.Type)))
	}

	resp, err := h.Handle(msg)
	if err != nil {
		s.log.Error("handler failed", "type", fmt.Sprintf("0x%04x", uint16(msg.Header.Type)), "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
	}
	return resp
}

// cleanupSocket removes a stale socket file left by a previous run.
// Anything else at the path is an error, not ours to delete.
func cleanupSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}

	// A live daemon answers; only remove dead sockets.
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("daemon already running on %s", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
