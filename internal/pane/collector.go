package pane

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/tapdaemon/taptools/internal/logx"
)

// CollectorServer is the collector socket: each pane is piped by tmux
// into a small child process whose stdout connects here. The
// first line a connection writes is the pane id; every subsequent byte
// is raw pane output routed to that pane's Feed.
type CollectorServer struct {
	socketPath string
	mgr        *Manager
	log        *logx.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewCollectorServer binds a CollectorServer to socketPath, routing
// ingested bytes into mgr.
func NewCollectorServer(socketPath string, mgr *Manager) *CollectorServer {
	return &CollectorServer{socketPath: socketPath, mgr: mgr, log: logx.New("collector")}
}

// Serve opens the listener (0600 permissions, stale socket removed first)
// and accepts collector connections until ctx is cancelled or Close is
// called.
func (c *CollectorServer) Serve(ctx context.Context) error {
	_ = os.Remove(c.socketPath)
	ln, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("collector: listen %s: %w", c.socketPath, err)
	}
	if err := os.Chmod(c.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("collector: chmod %s: %w", c.socketPath, err)
	}

	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("collector: accept: %w", err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads the pane id line, then streams every subsequent byte
// into the pane's Feed until EOF. On disconnect it notifies the Manager
// so the pipe can be restarted and the cached process identity cleared.
func (c *CollectorServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		c.log.Debugf("collector: connection closed before pane id line: %v", err)
		return
	}
	paneID := trimNewline(line)
	if paneID == "" {
		c.log.Errorf("collector: empty pane id on connection")
		return
	}

	defer c.mgr.OnCollectorDisconnect(paneID)

	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.mgr.Feed(ctx, paneID, chunk)
		}
		if err != nil {
			return
		}
	}
}

func trimNewline(s string) string {
	n := len(s)
	for n > 0 && (s[n-1] == '\n' || s[n-1] == '\r') {
		n--
	}
	return s[:n]
}

// Close stops accepting connections, removes the socket file, and waits
// for in-flight handlers to return.
func (c *CollectorServer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ln := c.listener
	c.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	_ = os.Remove(c.socketPath)
	c.wg.Wait()
	return err
}
