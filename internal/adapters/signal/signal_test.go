package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/warmode/internal/adapters/store"
	"github.com/dkeye/warmode/internal/app/orch"
	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayServer struct {
	url  string
	orch *orch.Orchestrator
	sid  domain.SessionID
}

func newRelayServer(t *testing.T, limiter *RateLimiter) *relayServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o := orch.New(st, relay.NewHub(nil), nil)
	ctx := context.Background()
	sid, err := o.MatchSession(ctx, "alice", domain.Preferences{Duration: 25, Mode: domain.ModeAudio, MatchType: domain.MatchAnyone})
	require.NoError(t, err)
	require.NoError(t, o.JoinSession(ctx, sid, "bob"))

	ctl := NewSignalWSController(o, limiter, 1<<15, time.Second)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c, domain.UserID(c.GetHeader("X-User-ID")))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &relayServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", orch: o, sid: sid}
}

func (s *relayServer) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("X-User-ID", user)
	ws, _, err := websocket.DefaultDialer.Dial(s.url, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, env core.Envelope) {
	t.Helper()
	b, err := core.EncodeEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func read(t *testing.T, ws *websocket.Conn) core.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := core.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func subscribe(t *testing.T, ws *websocket.Conn, topic core.Topic) {
	t.Helper()
	send(t, ws, core.Envelope{Type: core.TypeSubscribe, Topic: topic})
	ack := read(t, ws)
	require.Equal(t, core.TypeSubscribed, ack.Type, "error: %s", ack.Error)
	require.Equal(t, topic, ack.Topic)
}

func TestRelayForwardsSignalsWithServerStampedSender(t *testing.T) {
	srv := newRelayServer(t, nil)
	alice, bob := srv.dial(t, "alice"), srv.dial(t, "bob")
	topic := core.SessionTopic(srv.sid)
	subscribe(t, alice, topic)
	subscribe(t, bob, topic)

	env, err := core.SignalEnvelope(srv.sid, core.SignalMessage{
		Kind:     core.SignalOffer,
		SenderID: "mallory",
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	})
	require.NoError(t, err)
	send(t, alice, env)

	got := read(t, bob)
	assert.Equal(t, core.TypeBroadcast, got.Type)
	assert.Equal(t, domain.UserID("alice"), got.From)
	msg, err := core.SignalFromEnvelope(got)
	require.NoError(t, err)
	assert.Equal(t, "v=0", msg.SDP.SDP)

	// no echo: the next frame alice sees is her pong
	send(t, alice, core.Envelope{Type: core.TypePing})
	assert.Equal(t, core.TypePong, read(t, alice).Type)
}

func TestRelayRefusesOutsiders(t *testing.T) {
	srv := newRelayServer(t, nil)
	eve := srv.dial(t, "eve")

	send(t, eve, core.Envelope{Type: core.TypeSubscribe, Topic: core.SessionTopic(srv.sid)})
	got := read(t, eve)
	assert.Equal(t, core.TypeError, got.Type)
	assert.Contains(t, got.Error, core.ErrNotParticipant.Error())
	assert.Equal(t, "not_participant", got.Code)

	env, err := core.SignalEnvelope(srv.sid, core.SignalMessage{Kind: core.SignalHangup})
	require.NoError(t, err)
	send(t, eve, env)
	assert.Equal(t, core.TypeError, read(t, eve).Type)
}

func TestRelayMatchTopicIsServerPublished(t *testing.T) {
	srv := newRelayServer(t, nil)
	alice := srv.dial(t, "alice")
	subscribe(t, alice, core.MatchTopic(srv.sid))

	send(t, alice, core.Envelope{Type: core.TypeBroadcast, Topic: core.MatchTopic(srv.sid), Event: core.EventStatus})
	got := read(t, alice)
	assert.Equal(t, core.TypeError, got.Type)
	assert.Equal(t, orch.ErrTopicForbidden.Error(), got.Error)

	require.NoError(t, srv.orch.UpdateStatus(context.Background(), srv.sid, domain.StatusActive))
	got = read(t, alice)
	s, err := core.SessionFromEnvelope(got)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
}

func TestRelayUnsubscribeAndDisconnect(t *testing.T) {
	srv := newRelayServer(t, nil)
	alice := srv.dial(t, "alice")
	topic := core.SessionTopic(srv.sid)
	subscribe(t, alice, topic)
	require.Len(t, srv.orch.Hub.Subscribers(topic), 1)

	send(t, alice, core.Envelope{Type: core.TypeUnsubscribe, Topic: topic})
	assert.Equal(t, core.TypeUnsubscribed, read(t, alice).Type)
	assert.Empty(t, srv.orch.Hub.Subscribers(topic))

	subscribe(t, alice, topic)
	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return len(srv.orch.Hub.Subscribers(topic)) == 0 && srv.orch.Registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayCancelAllClosesSockets(t *testing.T) {
	srv := newRelayServer(t, nil)
	alice := srv.dial(t, "alice")
	send(t, alice, core.Envelope{Type: core.TypePing})
	read(t, alice)

	assert.Equal(t, 1, srv.orch.Registry.CancelAll())
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err)
}

func TestRelayRateLimitsBroadcasts(t *testing.T) {
	srv := newRelayServer(t, NewRateLimiter(1, time.Minute))
	alice := srv.dial(t, "alice")
	env, err := core.SignalEnvelope(srv.sid, core.SignalMessage{Kind: core.SignalHangup})
	require.NoError(t, err)

	send(t, alice, env)
	send(t, alice, env)
	got := read(t, alice)
	assert.Equal(t, core.TypeError, got.Type)
	assert.Equal(t, ErrRateLimited.Error(), got.Error)
}

func TestRelayRejectsMalformedFrames(t *testing.T) {
	srv := newRelayServer(t, nil)
	alice := srv.dial(t, "alice")
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"topic":"x"}`)))
	got := read(t, alice)
	assert.Equal(t, core.TypeError, got.Type)
	assert.Contains(t, got.Error, core.ErrBadEnvelope.Error())
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(100, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "per user")

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
	assert.True(t, (*RateLimiter)(nil).Allow("a"))
}
