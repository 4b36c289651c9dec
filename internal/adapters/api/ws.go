package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	subBuffer    = 64
	writeTimeout = 5 * time.Second
	dialAttempts = 3
)

// remoteError restores the sentinel behind an error envelope.
func remoteError(env core.Envelope) error {
	if e := core.ErrorFromCode(env.Code); e != nil {
		return fmt.Errorf("relay: %s: %w", env.Error, e)
	}
	if strings.Contains(env.Error, core.ErrBadEnvelope.Error()) {
		return fmt.Errorf("relay: %s: %w", env.Error, core.ErrBadEnvelope)
	}
	return fmt.Errorf("relay: %s", env.Error)
}

// route is one local consumer of a topic.
type route struct {
	mu      sync.Mutex
	closed  bool
	deliver func(core.Envelope)
	onClose func()
}

func (r *route) push(env core.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.deliver(env)
	}
}

func (r *route) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.onClose()
}

// wsConn multiplexes every topic of one client over a single socket.
type wsConn struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	routes  map[core.Topic]map[*route]struct{}
	pending map[core.Topic][]chan error

	done chan struct{}
	once sync.Once
}

func wsURL(c *Client) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/signal"
	return u.String()
}

func (c *Client) socket(ctx context.Context) (*wsConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil && !c.ws.isClosed() {
		return c.ws, nil
	}

	header := http.Header{}
	header.Set(HeaderUserID, string(c.user))
	target := wsURL(c)

	dialer := *websocket.DefaultDialer
	dialer.Jar = c.http.Jar

	var conn *websocket.Conn
	op := func() error {
		ws, resp, err := dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("dial relay: %s", resp.Status))
			}
			return err
		}
		conn = ws
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialAttempts), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("relay dial failed")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", target, err)
	}

	ws := &wsConn{
		conn:    conn,
		logger:  c.logger,
		routes:  make(map[core.Topic]map[*route]struct{}),
		pending: make(map[core.Topic][]chan error),
		done:    make(chan struct{}),
	}
	go ws.readLoop()
	c.ws = ws
	c.logger.Info().Str("url", target).Msg("relay connected")
	return ws, nil
}

func (w *wsConn) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *wsConn) close() {
	_ = w.conn.Close()
	<-w.done
}

func (w *wsConn) write(env core.Envelope) error {
	frame, err := core.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.isClosed() {
		return core.ErrChannelClosed
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsConn) readLoop() {
	defer w.shutdown()
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn().Err(err).Msg("relay read")
			}
			return
		}
		env, err := core.DecodeEnvelope(data)
		if err != nil {
			w.logger.Warn().Err(err).Msg("relay frame")
			continue
		}
		switch env.Type {
		case core.TypeSubscribed:
			w.resolve(env.Topic, nil)
		case core.TypeError:
			if !w.resolve(env.Topic, remoteError(env)) {
				w.logger.Warn().Str("topic", string(env.Topic)).Str("error", env.Error).Msg("relay error")
			}
		case core.TypeBroadcast:
			for _, r := range w.routesOf(env.Topic) {
				r.push(env)
			}
		case core.TypePong, core.TypeUnsubscribed:
		default:
			w.logger.Debug().Str("type", env.Type).Msg("unexpected frame")
		}
	}
}

func (w *wsConn) shutdown() {
	w.once.Do(func() {
		w.writeMu.Lock()
		close(w.done)
		w.writeMu.Unlock()
		_ = w.conn.Close()

		w.mu.Lock()
		var all []*route
		for _, rs := range w.routes {
			for r := range rs {
				all = append(all, r)
			}
		}
		w.routes = make(map[core.Topic]map[*route]struct{})
		for topic, waiters := range w.pending {
			for _, ch := range waiters {
				ch <- core.ErrChannelClosed
			}
			delete(w.pending, topic)
		}
		w.mu.Unlock()

		for _, r := range all {
			r.close()
		}
		w.logger.Info().Msg("relay disconnected")
	})
}

func (w *wsConn) resolve(topic core.Topic, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	waiters := w.pending[topic]
	if len(waiters) == 0 {
		return false
	}
	waiters[0] <- err
	if len(waiters) == 1 {
		delete(w.pending, topic)
	} else {
		w.pending[topic] = waiters[1:]
	}
	return true
}

func (w *wsConn) routesOf(topic core.Topic) []*route {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*route, 0, len(w.routes[topic]))
	for r := range w.routes[topic] {
		out = append(out, r)
	}
	return out
}

// subscribe registers r and waits for the server to acknowledge topic.
func (w *wsConn) subscribe(ctx context.Context, topic core.Topic, r *route) error {
	ack := make(chan error, 1)
	w.mu.Lock()
	if w.isClosed() {
		w.mu.Unlock()
		return core.ErrChannelClosed
	}
	if w.routes[topic] == nil {
		w.routes[topic] = make(map[*route]struct{})
	}
	w.routes[topic][r] = struct{}{}
	w.pending[topic] = append(w.pending[topic], ack)
	w.mu.Unlock()

	if err := w.write(core.Envelope{Type: core.TypeSubscribe, Topic: topic}); err != nil {
		w.drop(topic, r)
		return err
	}
	select {
	case err := <-ack:
		if err != nil {
			w.drop(topic, r)
		}
		return err
	case <-ctx.Done():
		w.drop(topic, r)
		return ctx.Err()
	}
}

// drop removes r and tells the server once no local consumer is left.
func (w *wsConn) drop(topic core.Topic, r *route) {
	w.mu.Lock()
	_, had := w.routes[topic][r]
	delete(w.routes[topic], r)
	last := had && len(w.routes[topic]) == 0
	if last {
		delete(w.routes, topic)
	}
	w.mu.Unlock()
	r.close()
	if last {
		if err := w.write(core.Envelope{Type: core.TypeUnsubscribe, Topic: topic}); err != nil && !errors.Is(err, core.ErrChannelClosed) {
			w.logger.Debug().Err(err).Str("topic", string(topic)).Msg("unsubscribe")
		}
	}
}

type clientSub struct {
	sid   domain.SessionID
	topic core.Topic
	ws    *wsConn
	route *route
	out   chan core.SignalMessage
}

func (s *clientSub) Session() domain.SessionID { return s.sid }
func (s *clientSub) C() <-chan core.SignalMessage { return s.out }

func (c *Client) Subscribe(ctx context.Context, sid domain.SessionID, self domain.UserID) (core.Subscription, error) {
	ws, err := c.socket(ctx)
	if err != nil {
		return nil, err
	}
	sub := &clientSub{sid: sid, topic: core.SessionTopic(sid), ws: ws, out: make(chan core.SignalMessage, subBuffer)}
	logger := c.logger.With().Str("sid", string(sid)).Logger()
	sub.route = &route{
		deliver: func(env core.Envelope) {
			msg, err := core.SignalFromEnvelope(env)
			if err != nil {
				logger.Warn().Err(err).Msg("bad signal")
				return
			}
			if msg.SenderID == self {
				return
			}
			select {
			case sub.out <- msg:
			default:
				logger.Warn().Str("kind", string(msg.Kind)).Msg("subscriber full, signal dropped")
			}
		},
		onClose: func() { close(sub.out) },
	}
	if err := ws.subscribe(ctx, sub.topic, sub.route); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sid, err)
	}
	return sub, nil
}

func (c *Client) Send(ctx context.Context, sid domain.SessionID, msg core.SignalMessage) error {
	env, err := core.SignalEnvelope(sid, msg)
	if err != nil {
		return err
	}
	ws, err := c.socket(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ws.write(env); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

func (c *Client) Unsubscribe(s core.Subscription) error {
	sub, ok := s.(*clientSub)
	if !ok {
		return errors.New("api: foreign subscription")
	}
	sub.ws.drop(sub.topic, sub.route)
	return nil
}

// Watch streams status snapshots of sid pushed by the server.
func (c *Client) Watch(ctx context.Context, sid domain.SessionID, self domain.UserID) (<-chan domain.Session, func(), error) {
	ws, err := c.socket(ctx)
	if err != nil {
		return nil, nil, err
	}
	topic := core.MatchTopic(sid)
	out := make(chan domain.Session, subBuffer)
	r := &route{
		deliver: func(env core.Envelope) {
			s, err := core.SessionFromEnvelope(env)
			if err != nil {
				c.logger.Warn().Err(err).Str("sid", string(sid)).Msg("bad status")
				return
			}
			select {
			case out <- s:
			default:
			}
		},
		onClose: func() { close(out) },
	}
	if err := ws.subscribe(ctx, topic, r); err != nil {
		return nil, nil, fmt.Errorf("watch %s: %w", sid, err)
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			ws.drop(topic, r)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return out, stop, nil
}
