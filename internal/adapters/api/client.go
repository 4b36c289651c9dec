// Package api is the client side of the rendezvous server: the session
// store over REST and the signaling relay over one WebSocket.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const HeaderUserID = "X-User-ID"

var (
	_ core.SessionStore   = (*Client)(nil)
	_ core.SignalChannel  = (*Client)(nil)
	_ core.SessionWatcher = (*Client)(nil)
)

// Client talks to one server as one user.
type Client struct {
	base   *url.URL
	user   domain.UserID
	http   *http.Client
	logger zerolog.Logger

	mu sync.Mutex
	ws *wsConn
}

// New builds a client; nothing is dialed until first use.
func New(baseURL string, user domain.UserID) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", baseURL)
	}
	// The jar keeps the cookie identity stable for servers that ignore X-User-ID.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:   u,
		user:   user,
		http:   &http.Client{Timeout: 15 * time.Second, Jar: jar},
		logger: log.With().Str("module", "adapters.api").Str("user", string(user)).Logger(),
	}, nil
}

func (c *Client) User() domain.UserID { return c.user }

// Identify asks the server who this client is and adopts the answer. Release
// servers ignore X-User-ID, so the identity may differ from the one given to
// New. Call it before anything else.
func (c *Client) Identify(ctx context.Context) (domain.UserID, error) {
	var me struct {
		User domain.UserID `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &me); err != nil {
		return "", err
	}
	if me.User == "" {
		return "", errors.New("api: server returned no identity")
	}
	if me.User != c.user {
		c.logger.Warn().Str("assigned", string(me.User)).Msg("server assigned a different identity")
		c.user = me.User
		c.logger = log.With().Str("module", "adapters.api").Str("user", string(me.User)).Logger()
	}
	return c.user, nil
}

// Close drops the relay socket; subscriptions end with a closed channel.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.close()
	}
	return nil
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderUserID, string(c.user))
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		var e apiError
		_ = sonic.Unmarshal(data, &e)
		if sentinel := core.ErrorFromCode(e.Code); sentinel != nil {
			return fmt.Errorf("%s %s: %w", method, path, sentinel)
		}
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out != nil && len(data) > 0 {
		if err := sonic.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

func sessionPath(sid domain.SessionID, tail string) string {
	return "/api/sessions/" + url.PathEscape(string(sid)) + tail
}

func (c *Client) MatchSession(ctx context.Context, userID domain.UserID, prefs domain.Preferences) (domain.SessionID, error) {
	if userID != c.user {
		return "", errors.New("api: client acts only as its own user")
	}
	var out struct {
		SessionID domain.SessionID `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/match", prefs, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *Client) JoinSession(ctx context.Context, sid domain.SessionID, userID domain.UserID) error {
	if userID != c.user {
		return errors.New("api: client acts only as its own user")
	}
	return c.do(ctx, http.MethodPost, sessionPath(sid, "/join"), nil, nil)
}

func (c *Client) GetSession(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	var s domain.Session
	err := c.do(ctx, http.MethodGet, sessionPath(sid, ""), nil, &s)
	return s, err
}

func (c *Client) UpdateStatus(ctx context.Context, sid domain.SessionID, status domain.Status) error {
	return c.do(ctx, http.MethodPatch, sessionPath(sid, "/status"), map[string]domain.Status{"status": status}, nil)
}

func (c *Client) SetGoal(ctx context.Context, sid domain.SessionID, userID domain.UserID, goal string) error {
	if userID != c.user {
		return errors.New("api: client acts only as its own user")
	}
	return c.do(ctx, http.MethodPut, sessionPath(sid, "/goal"), map[string]string{"goal": goal}, nil)
}
