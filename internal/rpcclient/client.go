// Package rpcclient is a client for the RPC Dispatcher's newline-delimited
// JSON Unix socket protocol. One Client owns one connection; a dedicated
// reader goroutine demultiplexes responses to pending callers by request
// id, so several goroutines may have Calls in flight on one Client at once.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/rpcproto"
)

// Client is a connection to one daemon's RPC socket.
type Client struct {
	conn   net.Conn
	writer *rpcproto.LineWriter
	reader *rpcproto.LineReader
	log    *logx.Logger

	nextID int64

	mu      sync.Mutex
	pending map[string]chan rpcproto.Response
	closed  bool
	closeCh chan struct{}
}

// Dial connects to socketPath with the given dial timeout and starts the
// response-reading goroutine.
func Dial(socketPath string, dialTimeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", socketPath, err)
	}
	return newClient(conn), nil
}

// DialWithRetry dials socketPath, retrying with exponential backoff until
// ctx is done. Useful for CLI front-ends racing daemon startup.
func DialWithRetry(ctx context.Context, socketPath string, dialTimeout time.Duration) (*Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // bounded by ctx instead

	var c *Client
	err := backoff.Retry(func() error {
		conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
		if err != nil {
			return err
		}
		c = newClient(conn)
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial with retry %s: %w", socketPath, err)
	}
	return c, nil
}

func newClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		writer:  rpcproto.NewLineWriter(conn),
		reader:  rpcproto.NewLineReader(conn),
		log:     logx.New("rpcclient"),
		pending: map[string]chan rpcproto.Response{},
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		var resp rpcproto.Response
		if err := c.reader.ReadJSON(&resp); err != nil {
			c.failAllPending(fmt.Errorf("rpcclient: connection closed: %w", err))
			return
		}

		key := string(resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Debugf("response for unknown id %s dropped", key)
			continue
		}
		ch <- resp
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcproto.NewError(json.RawMessage(id), rpcproto.CodeTransportErr, err.Error())
		delete(c.pending, id)
	}
}

// Call sends method/params and blocks until a matching response arrives or
// ctx is done. Every call either resolves or fails its future exactly
// once, matching the session-mux future contract the daemon itself relies
// on internally.
func (c *Client) Call(ctx context.Context, method string, params any) (rpcproto.Response, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	idRaw, _ := json.Marshal(id)

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return rpcproto.Response{}, fmt.Errorf("rpcclient: marshal params: %w", err)
		}
		paramsRaw = b
	}

	ch := make(chan rpcproto.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpcproto.Response{}, fmt.Errorf("rpcclient: client closed")
	}
	c.pending[string(idRaw)] = ch
	c.mu.Unlock()

	if err := c.writer.WriteJSON(rpcproto.Request{ID: idRaw, Method: method, Params: paramsRaw}); err != nil {
		c.mu.Lock()
		delete(c.pending, string(idRaw))
		c.mu.Unlock()
		return rpcproto.Response{}, fmt.Errorf("rpcclient: write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, string(idRaw))
		c.mu.Unlock()
		return rpcproto.Response{}, ctx.Err()
	}
}

// Close closes the underlying connection and fails any pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)
	return c.conn.Close()
}
