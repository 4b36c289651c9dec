package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const defaultLocalBuffer = 64

// localConn is an in-process SignalConnection with a bounded queue.
type localConn struct {
	mu     sync.RWMutex
	closed bool
	send   chan core.Frame
}

func newLocalConn(size int) *localConn {
	return &localConn{send: make(chan core.Frame, size)}
}

func (c *localConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *localConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

type localSub struct {
	sid   domain.SessionID
	topic core.Topic
	id    string
	conn  *localConn
	out   chan core.SignalMessage
	done  chan struct{}
	once  sync.Once
}

func (s *localSub) Session() domain.SessionID { return s.sid }
func (s *localSub) C() <-chan core.SignalMessage { return s.out }

func (s *localSub) stop() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// LocalChannel is the in-process SignalChannel and SessionWatcher backed
// directly by a Hub. The relay server uses a Hub; embedded and test setups
// use LocalChannel in place of a network client.
type LocalChannel struct {
	hub    *Hub
	buffer int
}

func NewLocalChannel(hub *Hub) *LocalChannel {
	return &LocalChannel{hub: hub, buffer: defaultLocalBuffer}
}

// WithBuffer sets the per-subscriber queue size for subsequent subscriptions.
func (l *LocalChannel) WithBuffer(n int) *LocalChannel {
	if n > 0 {
		l.buffer = n
	}
	return l
}

func (l *LocalChannel) Subscribe(ctx context.Context, sid domain.SessionID, self domain.UserID) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topic := core.SessionTopic(sid)
	sub := &localSub{
		sid:   sid,
		topic: topic,
		conn:  newLocalConn(l.buffer),
		out:   make(chan core.SignalMessage, l.buffer),
		done:  make(chan struct{}),
	}
	sub.id = l.hub.Subscribe(topic, self, sub.conn)

	go func() {
		defer close(sub.out)
		for frame := range sub.conn.send {
			env, err := core.DecodeEnvelope(frame)
			if err != nil {
				log.Warn().Err(err).Str("module", "app.relay").Str("topic", string(topic)).Msg("local decode")
				continue
			}
			msg, err := core.SignalFromEnvelope(env)
			if err != nil {
				log.Warn().Err(err).Str("module", "app.relay").Str("topic", string(topic)).Msg("local signal")
				continue
			}
			select {
			case sub.out <- msg:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (l *LocalChannel) Send(ctx context.Context, sid domain.SessionID, msg core.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env, err := core.SignalEnvelope(sid, msg)
	if err != nil {
		return err
	}
	frame, err := core.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	l.hub.Broadcast(env.Topic, msg.SenderID, frame)
	return nil
}

func (l *LocalChannel) Unsubscribe(s core.Subscription) error {
	sub, ok := s.(*localSub)
	if !ok {
		return errors.New("relay: foreign subscription")
	}
	l.hub.Unsubscribe(sub.topic, sub.id)
	sub.stop()
	return nil
}

// Watch streams status snapshots published on the match topic of sid.
func (l *LocalChannel) Watch(ctx context.Context, sid domain.SessionID, self domain.UserID) (<-chan domain.Session, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	topic := core.MatchTopic(sid)
	conn := newLocalConn(l.buffer)
	id := l.hub.Subscribe(topic, self, conn)
	out := make(chan domain.Session, l.buffer)
	done := make(chan struct{})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			l.hub.Unsubscribe(topic, id)
			close(done)
			conn.Close()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			case frame, ok := <-conn.send:
				if !ok {
					return
				}
				env, err := core.DecodeEnvelope(frame)
				if err != nil {
					continue
				}
				s, err := core.SessionFromEnvelope(env)
				if err != nil {
					continue
				}
				select {
				case out <- s:
				case <-done:
					return
				case <-ctx.Done():
					stop()
					return
				}
			}
		}
	}()
	return out, stop, nil
}

// Publish sends a committed session snapshot to its match topic watchers.
func Publish(h *Hub, s domain.Session) (core.PublishResult, error) {
	env, err := core.StatusEnvelope(s)
	if err != nil {
		return core.PublishResult{}, err
	}
	frame, err := core.EncodeEnvelope(env)
	if err != nil {
		return core.PublishResult{}, err
	}
	return h.Broadcast(env.Topic, "", frame), nil
}
