package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/rpcproto"
	"github.com/tapdaemon/taptools/internal/workerpool"
)

// MutationHook is invoked after a mutating handler succeeds, so the
// daemon's broadcaster can enqueue a snapshot. It must not block.
type MutationHook func(method string, params json.RawMessage, result any)

// Server is the RPC Dispatcher's transport: a single Unix-domain socket
// accepting newline-delimited JSON request/response pairs.
type Server struct {
	socketPath string
	registry   *Registry
	pool       *workerpool.Pool
	onMutate   MutationHook
	log        *logx.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer constructs a dispatcher bound to socketPath, serving methods
// from registry. pool may be nil if no handler is marked Blocking.
func NewServer(socketPath string, registry *Registry, pool *workerpool.Pool, onMutate MutationHook) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		pool:       pool,
		onMutate:   onMutate,
		log:        logx.New("rpcserver"),
	}
}

// Serve opens the listener (0600 permissions, stale socket removed first)
// and accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("rpcserver: chmod %s: %w", s.socketPath, err)
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
			return fmt.Errorf("rpcserver: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections, removes the socket file, and waits
// for in-flight connection handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	_ = os.Remove(s.socketPath)
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := rpcproto.NewLineReader(conn)
	writer := rpcproto.NewLineWriter(conn)

	for {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("read: %v", err)
			}
			return
		}

		resp := s.dispatch(ctx, line)
		if err := writer.WriteJSON(resp); err != nil {
			s.log.Debugf("write: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte) (resp rpcproto.Response) {
	var req rpcproto.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return rpcproto.NewError(nil, rpcproto.CodeParseError, "malformed request: "+err.Error())
	}
	if req.Method == "" {
		return rpcproto.NewError(req.ID, rpcproto.CodeParseError, "missing method")
	}

	handler, ok := s.registry.Lookup(req.Method)
	if !ok {
		return rpcproto.NewError(req.ID, rpcproto.CodeUnknownMethod, "unknown method: "+req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			resp = rpcproto.NewError(req.ID, rpcproto.CodeInternalErr, fmt.Sprintf("internal error: %v", r))
		}
	}()

	result, rpcErr := s.invoke(ctx, handler, req.Params)
	if rpcErr != nil {
		return rpcproto.Response{ID: req.ID, Error: rpcErr}
	}

	if handler.Mutates && s.onMutate != nil {
		s.onMutate(req.Method, req.Params, result)
	}

	return rpcproto.NewResult(req.ID, result)
}

func (s *Server) invoke(ctx context.Context, h *Handler, params json.RawMessage) (any, *rpcproto.Error) {
	if !h.Blocking || s.pool == nil {
		return h.Fn(ctx, params)
	}

	fut, err := s.pool.Submit(ctx, func(ctx context.Context) (val any, err error) {
		defer func() {
			if r := recover(); r != nil {
				val, err = nil, rpcproto.ErrInternal(fmt.Sprintf("internal error: %v", r))
			}
		}()
		result, rpcErr := h.Fn(ctx, params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return result, nil
	})
	if err != nil {
		return nil, rpcproto.ErrInternal("worker pool unavailable: " + err.Error())
	}

	val, err := fut.Await(ctx)
	if err != nil {
		var rpcErr *rpcproto.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, rpcproto.ErrInternal(err.Error())
	}
	return val, nil
}
