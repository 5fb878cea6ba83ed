package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tapdaemon/taptools/internal/logx"
	"github.com/tapdaemon/taptools/internal/rpcproto"
)

// Subscriber is a long-lived connection to the daemon's event socket. It
// sends no bytes; it reads newline-delimited JSON events until the daemon
// closes the connection. Subscribers are lossy observers: if the consumer
// falls behind the buffered channel, the oldest undelivered event is
// dropped rather than blocking the read loop.
type Subscriber struct {
	conn net.Conn
	ch   chan json.RawMessage
	log  *logx.Logger
}

// Subscribe connects to the daemon's event socket at socketPath.
func Subscribe(socketPath string, dialTimeout time.Duration) (*Subscriber, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: subscribe %s: %w", socketPath, err)
	}
	s := &Subscriber{
		conn: conn,
		ch:   make(chan json.RawMessage, 64),
		log:  logx.New("events"),
	}
	go s.readLoop()
	return s, nil
}

// SubscribeWithRetry dials the event socket with exponential backoff until
// ctx is done, for clients racing daemon startup.
func SubscribeWithRetry(ctx context.Context, socketPath string, dialTimeout time.Duration) (*Subscriber, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	var s *Subscriber
	err := backoff.Retry(func() error {
		sub, err := Subscribe(socketPath, dialTimeout)
		if err != nil {
			return err
		}
		s = sub
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: subscribe with retry %s: %w", socketPath, err)
	}
	return s, nil
}

func (s *Subscriber) readLoop() {
	defer close(s.ch)
	reader := rpcproto.NewLineReader(s.conn)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		event := make(json.RawMessage, len(line))
		copy(event, line)
		select {
		case s.ch <- event:
		default:
			select {
			case <-s.ch:
				s.log.Debugf("subscriber backlog full, dropped oldest event")
			default:
			}
			s.ch <- event
		}
	}
}

// Events returns the channel of raw event objects. It is closed when the
// connection drops or Close is called.
func (s *Subscriber) Events() <-chan json.RawMessage {
	return s.ch
}

// Next blocks until an event whose "type" field equals eventType arrives,
// skipping others, or until ctx is done.
func (s *Subscriber) Next(ctx context.Context, eventType string) (json.RawMessage, error) {
	for {
		select {
		case raw, ok := <-s.ch:
			if !ok {
				return nil, fmt.Errorf("rpcclient: event stream closed")
			}
			var envelope struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(raw, &envelope); err != nil {
				continue
			}
			if envelope.Type == eventType {
				return raw, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close closes the underlying connection; the events channel drains and
// closes shortly after.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}
