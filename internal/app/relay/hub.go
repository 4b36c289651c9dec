// Package relay is the topic-scoped fan-out at the heart of signaling.
// It never closes adapter-owned resources except when the backpressure
// policy kicks a subscriber.
package relay

import (
	"sort"
	"sync"

	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type subscriber struct {
	id   string
	user domain.UserID
	conn core.SignalConnection
}

func (s *subscriber) dto() core.SubscriberDTO {
	return core.SubscriberDTO{ID: s.id, User: s.user}
}

// topic serialises broadcasts so every subscriber sees frames in send order.
type topic struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

type Hub struct {
	mu     sync.RWMutex
	topics map[core.Topic]*topic
	policy Policy
}

func NewHub(policy Policy) *Hub {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Hub{
		topics: make(map[core.Topic]*topic),
		policy: policy,
	}
}

func (h *Hub) topic(name core.Topic) *topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[name]
}

// Subscribe registers conn on name and returns the subscriber id.
func (h *Hub) Subscribe(name core.Topic, user domain.UserID, conn core.SignalConnection) string {
	sub := &subscriber{id: uuid.NewString(), user: user, conn: conn}
	h.mu.Lock()
	t, ok := h.topics[name]
	if !ok {
		t = &topic{subs: make(map[string]*subscriber)}
		h.topics[name] = t
	}
	t.mu.Lock()
	t.subs[sub.id] = sub
	n := len(t.subs)
	t.mu.Unlock()
	h.mu.Unlock()
	log.Info().Str("module", "app.relay").Str("topic", string(name)).Str("user", string(user)).Int("subscribers", n).Msg("subscribed")
	return sub.id
}

// Unsubscribe removes one subscriber; unknown ids are ignored.
func (h *Hub) Unsubscribe(name core.Topic, id string) bool {
	t := h.topic(name)
	if t == nil {
		return false
	}
	t.mu.Lock()
	_, ok := t.subs[id]
	delete(t.subs, id)
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		h.dropIfEmpty(name, t)
	}
	if ok {
		log.Info().Str("module", "app.relay").Str("topic", string(name)).Str("sub", id).Msg("unsubscribed")
	}
	return ok
}

// UnsubscribeConn removes conn from every topic it is subscribed to.
func (h *Hub) UnsubscribeConn(conn core.SignalConnection) int {
	h.mu.RLock()
	names := make([]core.Topic, 0, len(h.topics))
	for name := range h.topics {
		names = append(names, name)
	}
	h.mu.RUnlock()

	removed := 0
	for _, name := range names {
		for _, sub := range h.subscribers(name) {
			if sub.conn == conn && h.Unsubscribe(name, sub.id) {
				removed++
			}
		}
	}
	return removed
}

func (h *Hub) dropIfEmpty(name core.Topic, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 && h.topics[name] == t {
		delete(h.topics, name)
	}
}

func (h *Hub) subscribers(name core.Topic) []*subscriber {
	t := h.topic(name)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	return out
}

// Broadcast delivers data to every subscriber of name except those owned by
// from. An empty from is a server publish and reaches everyone.
func (h *Hub) Broadcast(name core.Topic, from domain.UserID, data core.Frame) core.PublishResult {
	res := core.PublishResult{}
	t := h.topic(name)
	if t == nil {
		return res
	}

	var kicked []*subscriber
	t.mu.Lock()
	for id, s := range t.subs {
		if from != "" && s.user == from {
			continue
		}
		if err := s.conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, s.conn)
			switch h.policy.OnBackPressure(name, s.dto()) {
			case KickMember:
				delete(t.subs, id)
				kicked = append(kicked, s)
			case MarkSlow:
				log.Warn().Str("module", "app.relay").Str("topic", string(name)).Str("user", string(s.user)).Msg("subscriber is slow")
			}
			continue
		}
		res.SendTo++
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	for _, s := range kicked {
		log.Warn().Str("module", "app.relay").Str("topic", string(name)).Str("user", string(s.user)).Msg("kicked on backpressure")
		s.conn.Close()
	}
	if empty {
		h.dropIfEmpty(name, t)
	}
	log.Debug().Str("module", "app.relay").Str("topic", string(name)).Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Subscribers returns a snapshot of the subscribers of name.
func (h *Hub) Subscribers(name core.Topic) []core.SubscriberDTO {
	subs := h.subscribers(name)
	out := make([]core.SubscriberDTO, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.dto())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

func (h *Hub) Topics() []core.TopicInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]core.TopicInfo, 0, len(h.topics))
	for name, t := range h.topics {
		t.mu.Lock()
		out = append(out, core.TopicInfo{Topic: name, Subscribers: len(t.subs)})
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
