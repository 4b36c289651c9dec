package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/warmode/internal/app/orch"
	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// SignalWSController serves the relay protocol over WebSocket.
type SignalWSController struct {
	Orch       *orch.Orchestrator
	Limiter    *RateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RateLimiter, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	return &SignalWSController{
		Orch:       o,
		Limiter:    limiter,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

// WsSignalConn is one client socket as seen by the relay hub.
type WsSignalConn struct {
	id   orch.ConnID
	user domain.UserID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool

	// topic -> hub subscriber id, touched only by the read pump
	subs map[core.Topic]string
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	select {
	case c.send <- f:
	default:
		return relay.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves user until the socket or ctx
// ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, user domain.UserID) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:   orch.ConnID(uuid.NewString()),
		user: user,
		conn: ws,
		send: make(chan core.Frame, sendBuffer),
		subs: make(map[core.Topic]string),
	}
	log.Info().Str("module", "signal").Str("user", string(user)).Str("conn", string(conn.id)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Bind(conn.id, user, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
