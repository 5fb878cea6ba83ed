package broadcast

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/tapdaemon/taptools/internal/logx"
)

// Server accepts connections on the events socket and registers each one
// as a Broadcaster subscriber. Subscribers send no bytes; an inbound read
// returning zero (EOF) closes the connection and unsubscribes it.
type Server struct {
	socketPath string
	bc         *Broadcaster
	log        *logx.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer binds a Server to socketPath, fanning out bc's events.
func NewServer(socketPath string, bc *Broadcaster) *Server {
	return &Server{socketPath: socketPath, bc: bc, log: logx.New("broadcast")}
}

// Serve opens the listener (0600 permissions, stale socket removed first)
// and accepts subscriber connections until ctx is cancelled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("broadcast: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("broadcast: chmod %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("broadcast: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSubscriber(conn)
		}()
	}
}

func (s *Server) handleSubscriber(conn net.Conn) {
	defer conn.Close()
	id := s.bc.Subscribe(conn)
	defer s.bc.Unsubscribe(id)

	// Subscribers never send anything; this blocks until EOF or error,
	// which is exactly the signal we need to reclaim the slot.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// Close stops accepting connections, removes the socket file, and waits
// for in-flight subscriber handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	s.bc.CloseAll()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	_ = os.Remove(s.socketPath)
	s.wg.Wait()
	return err
}
