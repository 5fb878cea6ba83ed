// Package broadcast implements the event broadcaster: a bounded,
// newest-wins snapshot queue fanned out to long-lived subscriber sockets.
// Subscribers are lossy observers; they never acknowledge and are
// expected to re-read state on reconnect.
package broadcast

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/rpcproto"
)

// DefaultMaxQueue bounds the in-memory backlog of undelivered events.
const DefaultMaxQueue = 256

// Broadcaster fans out JSON events to every connected subscriber. A single
// drain task serializes each queued event exactly once and writes the same
// bytes to every live subscriber.
type Broadcaster struct {
	log *logx.Logger

	maxQueue int
	qmu      sync.Mutex
	queue    []any
	notify   chan struct{}

	subMu     sync.Mutex
	subs      map[int64]*subscriber
	nextSubID int64

	wg sync.WaitGroup
}

type subscriber struct {
	id     int64
	conn   net.Conn
	writer *rpcproto.LineWriter
}

// New constructs a Broadcaster bounded at maxQueue events (DefaultMaxQueue
// if maxQueue <= 0).
func New(maxQueue int) *Broadcaster {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	return &Broadcaster{
		log:      logx.New("broadcast"),
		maxQueue: maxQueue,
		notify:   make(chan struct{}, 1),
		subs:     map[int64]*subscriber{},
	}
}

// Enqueue adds event to the backlog. On overflow the oldest queued event
// is dropped so the newest always survives.
func (b *Broadcaster) Enqueue(event any) {
	b.qmu.Lock()
	b.queue = append(b.queue, event)
	for len(b.queue) > b.maxQueue {
		b.queue = b.queue[1:]
	}
	b.qmu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled. Call once, typically from a
// dedicated goroutine at daemon startup.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
			b.drainOnce()
		}
	}
}

func (b *Broadcaster) drainOnce() {
	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.qmu.Unlock()
			return
		}
		event := b.queue[0]
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.writeToAll(event)
	}
}

func (b *Broadcaster) writeToAll(event any) {
	b.subMu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.subMu.Unlock()

	for _, s := range targets {
		if err := s.writer.WriteJSON(event); err != nil {
			b.log.Debugf("subscriber %d write failed, removing: %v", s.id, err)
			b.removeSubscriber(s.id)
		}
	}
}

// Subscribe registers conn as a new subscriber and returns its id.
func (b *Broadcaster) Subscribe(conn net.Conn) int64 {
	id := atomic.AddInt64(&b.nextSubID, 1)
	b.subMu.Lock()
	b.subs[id] = &subscriber{id: id, conn: conn, writer: rpcproto.NewLineWriter(conn)}
	b.subMu.Unlock()
	return id
}

// CloseAll closes every live subscriber connection, used on daemon
// shutdown so subscribers are closed before the listener and socket file
// are torn down.
func (b *Broadcaster) CloseAll() {
	b.subMu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[int64]*subscriber{}
	b.subMu.Unlock()

	for _, s := range subs {
		_ = s.conn.Close()
	}
}

func (b *Broadcaster) removeSubscriber(id int64) {
	b.subMu.Lock()
	delete(b.subs, id)
	b.subMu.Unlock()
}

// Unsubscribe removes a subscriber, e.g. after its connection's read side
// observes EOF.
func (b *Broadcaster) Unsubscribe(id int64) {
	b.removeSubscriber(id)
}

// SubscriberCount reports the number of currently connected subscribers,
// used by periodic snapshots and diagnostics.
func (b *Broadcaster) SubscriberCount() int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return len(b.subs)
}
