package daemoncore

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tapdaemon/taptools/internal/broadcast"
	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/rpcserver"
	"github.com/tapdaemon/taptools/internal/workerpool"
)

// Daemon owns the RPC dispatcher, the event broadcaster, the worker pool,
// and the single-instance PID lock, and drives the start/stop/status
// lifecycle. Variant-specific components
// (pane manager, webtarget manager, the collector socket) are wired in by
// the caller (cmd/termtapd, cmd/webtapd) via RegisterTeardown and by
// passing a populated rpcserver.Registry to New.
type Daemon struct {
	cfg Config
	log *logx.Logger

	Pool        *workerpool.Pool
	Broadcaster *broadcast.Broadcaster
	Telemetry   *Telemetry

	rpcSrv   *rpcserver.Server
	eventSrv *broadcast.Server

	mu        sync.Mutex
	teardowns []func() error
}

// New constructs a Daemon. Components are created here in dependency
// order (worker pool, broadcaster, RPC dispatcher, sockets). The variant
// wiring constructs the remaining components (pattern store, action queue,
// pane/webtarget managers) around the call to New, some of them after it
// returns because they need the Daemon's broadcaster, registers their
// handlers into registry, and tears them down via RegisterTeardown.
func New(cfg Config, registry *rpcserver.Registry, onMutate rpcserver.MutationHook) (*Daemon, error) {
	telemetry, err := NewTelemetry(nil)
	if err != nil {
		return nil, fmt.Errorf("daemoncore: telemetry: %w", err)
	}

	pool := workerpool.New(cfg.WorkerPoolSize)
	bcast := broadcast.New(cfg.BroadcastQueueDepth)
	sockets := cfg.Sockets()

	d := &Daemon{
		cfg:         cfg,
		log:         logx.New("daemoncore"),
		Pool:        pool,
		Broadcaster: bcast,
		Telemetry:   telemetry,
		rpcSrv:      rpcserver.NewServer(sockets.RPC, registry, pool, onMutate),
		eventSrv:    broadcast.NewServer(sockets.Events, bcast),
	}
	return d, nil
}

// RegisterTeardown adds fn to the list run, in reverse registration order,
// after the sockets and broadcaster have been torn down. Used by variant
// wiring to close the collector socket, flush the pattern store watcher,
// etc.
func (d *Daemon) RegisterTeardown(fn func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardowns = append(d.teardowns, fn)
}

// Run acquires the single-instance lock, starts every component, and
// blocks until ctx is cancelled or a SIGINT/SIGTERM is received. It
// returns ErrAlreadyRunning without starting anything if another instance
// already holds the PID file lock.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureRuntimeDir(); err != nil {
		return fmt.Errorf("daemoncore: runtime dir: %w", err)
	}

	lock, err := AcquireLock(d.cfg.PIDFile())
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			d.log.Infof("received shutdown signal")
			cancel()
		case <-runCtx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.rpcSrv.Serve(gctx) })
	g.Go(func() error { return d.eventSrv.Serve(gctx) })
	g.Go(func() error {
		d.Broadcaster.Run(gctx)
		return nil
	})

	runErr := g.Wait()

	d.teardown(lock)

	if runErr != nil {
		return fmt.Errorf("daemoncore: run: %w", runErr)
	}
	return nil
}

// teardown closes the sockets, removes the PID file, and runs every
// registered teardown hook in reverse order: subscribers first, then
// listeners, then the variant's hooks (session-mux transports, collector
// socket), then telemetry.
func (d *Daemon) teardown(lock *Lock) {
	_ = d.rpcSrv.Close()
	_ = d.eventSrv.Close()

	d.mu.Lock()
	hooks := append([]func() error(nil), d.teardowns...)
	d.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](); err != nil {
			d.log.Errorf("teardown hook failed: %v", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()
	if err := d.Telemetry.Shutdown(shutCtx); err != nil {
		d.log.Errorf("telemetry shutdown: %v", err)
	}

	_ = lock.Close()
	_ = os.Remove(d.cfg.PIDFile())
}
