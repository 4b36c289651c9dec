package match

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/warmode/internal/adapters/store"
	"github.com/dkeye/warmode/internal/app/orch"
	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var prefs = domain.Preferences{Duration: 25, Mode: domain.ModeVideo, MatchType: domain.MatchAnyone}

func fastConfig() Config {
	return Config{
		ReadAttempts: 5,
		ReadBackoff:  5 * time.Millisecond,
		WaitTimeout:  2 * time.Second,
		PollInterval: time.Hour,
	}
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "match.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// server wires the store behind an orchestrator so commits are pushed to watchers.
func server(t *testing.T) (*orch.Orchestrator, *relay.LocalChannel) {
	t.Helper()
	hub := relay.NewHub(nil)
	return orch.New(openStore(t), hub, nil), relay.NewLocalChannel(hub)
}

func TestDirectJoinScenario(t *testing.T) {
	ctx := context.Background()
	o, ch := server(t)
	host := New(o, ch, fastConfig())
	joiner := New(o, ch, fastConfig())

	res, err := host.Match(ctx, "alice", prefs)
	require.NoError(t, err)
	require.True(t, res.IsHost)
	require.True(t, res.Waiting())

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := host.WaitForPartner(ctx, res)
		done <- outcome{r, err}
	}()

	require.Eventually(t, func() bool {
		return len(o.Hub.Subscribers(core.MatchTopic(res.SessionID))) == 1
	}, time.Second, 5*time.Millisecond)

	jres, err := joiner.JoinDirect(ctx, "bob", res.SessionID)
	require.NoError(t, err)
	assert.False(t, jres.IsHost)
	assert.Equal(t, domain.UserID("alice"), jres.PartnerID)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, domain.UserID("bob"), out.res.PartnerID)
		assert.True(t, out.res.IsHost)
	case <-time.After(time.Second):
		t.Fatal("host was not notified of the join through push")
	}
}

func TestWaitForPartnerPollOnly(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	cfg := fastConfig()
	cfg.PollInterval = 10 * time.Millisecond
	m := New(st, nil, cfg)

	res, err := m.Match(ctx, "alice", prefs)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = st.JoinSession(ctx, res.SessionID, "bob")
	}()

	got, err := m.WaitForPartner(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), got.PartnerID)
}

func TestWaitForPartnerTimeoutCancels(t *testing.T) {
	ctx := context.Background()
	o, ch := server(t)
	cfg := fastConfig()
	cfg.WaitTimeout = 50 * time.Millisecond
	m := New(o, ch, cfg)

	res, err := m.Match(ctx, "alice", prefs)
	require.NoError(t, err)

	_, err = m.WaitForPartner(ctx, res)
	require.ErrorIs(t, err, ErrNoMatchAvailable)
	assert.Equal(t, "no match available", err.Error())

	s, err := o.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)
	assert.Empty(t, o.Hub.Subscribers(core.MatchTopic(res.SessionID)), "watch released")
}

func TestTimeoutLosesToConcurrentJoin(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	cfg := fastConfig()
	cfg.WaitTimeout = 40 * time.Millisecond
	m := New(st, nil, cfg)

	res, err := m.Match(ctx, "alice", prefs)
	require.NoError(t, err)
	require.NoError(t, st.JoinSession(ctx, res.SessionID, "bob"))

	got, err := m.WaitForPartner(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), got.PartnerID)
}

func TestWaitForPartnerNotWaiting(t *testing.T) {
	m := New(openStore(t), nil, fastConfig())
	res := Result{SessionID: "s1", IsHost: false, PartnerID: "alice"}
	got, err := m.WaitForPartner(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, res, got)
}

func TestConcurrentJoinDirectSingleWinner(t *testing.T) {
	ctx := context.Background()
	o, ch := server(t)
	host := New(o, ch, fastConfig())
	res, err := host.Match(ctx, "alice", prefs)
	require.NoError(t, err)

	var wins, lost atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := New(o, ch, fastConfig()).JoinDirect(ctx, domain.UserID(fmt.Sprintf("j%d", i)), res.SessionID)
			if err == nil {
				wins.Add(1)
				return
			}
			if assert.ErrorIs(t, err, core.ErrSessionUnavailable) {
				lost.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 5, lost.Load())
}

// laggingStore hides a session from the first reads, like a lagging replica.
type laggingStore struct {
	core.SessionStore
	misses atomic.Int32
}

func (l *laggingStore) GetSession(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	if l.misses.Add(-1) >= 0 {
		return domain.Session{}, fmt.Errorf("%s: %w", sid, core.ErrSessionNotFound)
	}
	return l.SessionStore.GetSession(ctx, sid)
}

func TestMatchRetriesLaggingRead(t *testing.T) {
	ctx := context.Background()
	lag := &laggingStore{SessionStore: openStore(t)}
	lag.misses.Store(2)

	res, err := New(lag, nil, fastConfig()).Match(ctx, "alice", prefs)
	require.NoError(t, err)
	assert.True(t, res.IsHost)

	lag.misses.Store(10)
	cfg := fastConfig()
	cfg.ReadAttempts = 3
	_, err = New(lag, nil, cfg).Match(ctx, "carol", domain.Preferences{Duration: 75, Mode: domain.ModeAudio, MatchType: domain.MatchCity})
	require.ErrorIs(t, err, ErrUnsettled)
}

func TestCancelOpenSession(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	m := New(st, nil, fastConfig())
	res, err := m.Match(ctx, "alice", prefs)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, res.SessionID))
	_, err = New(st, nil, fastConfig()).JoinDirect(ctx, "bob", res.SessionID)
	require.ErrorIs(t, err, core.ErrSessionUnavailable)
}
