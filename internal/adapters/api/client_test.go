package api

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	router "github.com/dkeye/warmode/internal/adapters/http"
	"github.com/dkeye/warmode/internal/adapters/signal"
	"github.com/dkeye/warmode/internal/adapters/store"
	"github.com/dkeye/warmode/internal/app/orch"
	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/config"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var prefs = domain.Preferences{Duration: 25, Mode: domain.ModeAudio, MatchType: domain.MatchAnyone}

func newServer(t *testing.T) string {
	return newServerMode(t, "test")
}

func newServerMode(t *testing.T, mode string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Cleanup(func() { gin.SetMode(gin.TestMode) })
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o := orch.New(st, relay.NewHub(nil), nil)
	ws := signal.NewSignalWSController(o, nil, 1<<15, 5*time.Second)
	srv := httptest.NewServer(router.SetupRouter(context.Background(), &config.Config{Mode: mode, Secret: "s"}, o, ws))
	t.Cleanup(func() {
		o.Registry.CancelAll()
		srv.Close()
	})
	return srv.URL
}

func newClient(t *testing.T, url string, user domain.UserID) *Client {
	t.Helper()
	c, err := New(url, user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.org", "alice")
	assert.Error(t, err)
}

func TestStoreOverREST(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	alice, bob, carol := newClient(t, url, "alice"), newClient(t, url, "bob"), newClient(t, url, "carol")

	sid, err := alice.MatchSession(ctx, "alice", prefs)
	require.NoError(t, err)
	got, err := bob.MatchSession(ctx, "bob", prefs)
	require.NoError(t, err)
	assert.Equal(t, sid, got, "bob claims the open session")

	s, err := carol.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMatched, s.Status)
	assert.Equal(t, domain.UserID("bob"), s.PartnerID)

	require.ErrorIs(t, carol.JoinSession(ctx, sid, "carol"), core.ErrSessionUnavailable)
	_, err = carol.GetSession(ctx, "missing")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
	require.ErrorIs(t, carol.UpdateStatus(ctx, sid, domain.StatusCancelled), core.ErrNotParticipant)

	require.NoError(t, alice.UpdateStatus(ctx, sid, domain.StatusActive))
	require.ErrorIs(t, alice.UpdateStatus(ctx, sid, domain.StatusMatched), core.ErrInvalidTransition)
	require.NoError(t, bob.SetGoal(ctx, sid, "bob", "inbox zero"))
	s, err = alice.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, "inbox zero", s.PartnerGoal)

	_, err = alice.MatchSession(ctx, "bob", prefs)
	assert.Error(t, err, "acting as someone else")
}

func TestSignalingOverRelay(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	alice, bob := newClient(t, url, "alice"), newClient(t, url, "bob")

	sid, err := alice.MatchSession(ctx, "alice", prefs)
	require.NoError(t, err)
	require.NoError(t, bob.JoinSession(ctx, sid, "bob"))

	aSub, err := alice.Subscribe(ctx, sid, "alice")
	require.NoError(t, err)
	bSub, err := bob.Subscribe(ctx, sid, "bob")
	require.NoError(t, err)
	assert.Equal(t, sid, bSub.Session())

	require.NoError(t, alice.Send(ctx, sid, core.SignalMessage{
		Kind:     core.SignalOffer,
		SenderID: "alice",
		SDP:      &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
	}))
	require.NoError(t, alice.Send(ctx, sid, core.SignalMessage{
		Kind:      core.SignalCandidate,
		SenderID:  "alice",
		Candidate: &webrtc.ICECandidateInit{Candidate: "c1"},
	}))

	first := recv(t, bSub.C())
	assert.Equal(t, core.SignalOffer, first.Kind)
	assert.Equal(t, domain.UserID("alice"), first.SenderID)
	second := recv(t, bSub.C())
	assert.Equal(t, "c1", second.Candidate.Candidate)

	select {
	case msg := <-aSub.C():
		t.Fatalf("sender received its own %s", msg.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, bob.Unsubscribe(bSub))
	require.NoError(t, bob.Unsubscribe(bSub))
	_, ok := <-bSub.C()
	assert.False(t, ok)
}

func TestSubscribeRefusedForOutsider(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	alice, eve := newClient(t, url, "alice"), newClient(t, url, "eve")
	sid, err := alice.MatchSession(ctx, "alice", prefs)
	require.NoError(t, err)

	_, err = eve.Subscribe(ctx, sid, "eve")
	require.ErrorIs(t, err, core.ErrNotParticipant)
}

func TestWatchSeesJoin(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	alice, bob := newClient(t, url, "alice"), newClient(t, url, "bob")
	sid, err := alice.MatchSession(ctx, "alice", prefs)
	require.NoError(t, err)

	updates, stop, err := alice.Watch(ctx, sid, "alice")
	require.NoError(t, err)
	defer stop()
	require.NoError(t, bob.JoinSession(ctx, sid, "bob"))

	select {
	case s := <-updates:
		assert.Equal(t, domain.StatusMatched, s.Status)
		assert.Equal(t, domain.UserID("bob"), s.PartnerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no status pushed")
	}
	stop()
	stop()
}

func TestCloseEndsSubscriptions(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	alice := newClient(t, url, "alice")
	sid, err := alice.MatchSession(ctx, "alice", prefs)
	require.NoError(t, err)
	sub, err := alice.Subscribe(ctx, sid, "alice")
	require.NoError(t, err)

	require.NoError(t, alice.Close())
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
	require.NoError(t, alice.Unsubscribe(sub))

	// the next call dials a fresh socket
	_, err = alice.Subscribe(ctx, sid, "alice")
	require.NoError(t, err)
}

func recv(t *testing.T, ch <-chan core.SignalMessage) core.SignalMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received")
	}
	return core.SignalMessage{}
}

func TestIdentifyKeepsTrustedUser(t *testing.T) {
	c := newClient(t, newServer(t), "alice")
	me, err := c.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), me)
}

func TestIdentifyAdoptsCookieIdentityInRelease(t *testing.T) {
	c := newClient(t, newServerMode(t, "release"), "alice")
	ctx := context.Background()

	me, err := c.Identify(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, domain.UserID("alice"), me)
	assert.Equal(t, me, c.User())

	again, err := c.Identify(ctx)
	require.NoError(t, err)
	assert.Equal(t, me, again, "cookie jar keeps the identity stable")

	sid, err := c.MatchSession(ctx, me, prefs)
	require.NoError(t, err)
	s, err := c.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, me, s.HostID)
}
