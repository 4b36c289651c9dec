package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/warmode/internal/adapters/signal"
	"github.com/dkeye/warmode/internal/app/orch"
	"github.com/dkeye/warmode/internal/config"
	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	HeaderUserID = "X-User-ID"
	userKey      = "user_id"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable token cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// IdentityMiddleware resolves the caller from the session cookie, falling
// back to the client token. X-User-ID is honoured only when trustHeader is
// set, which release servers never do.
func IdentityMiddleware(trustHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw string
		if trustHeader {
			raw = c.GetHeader(HeaderUserID)
		}
		if raw == "" {
			sess := sessions.Default(c)
			if v, ok := sess.Get(userKey).(string); ok {
				raw = v
			}
		}
		if raw == "" {
			raw = c.GetString("client_token")
			sess := sessions.Default(c)
			sess.Set(userKey, raw)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		uid, err := domain.ParseUserID(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userKey, uid)
		c.Next()
	}
}

func userOf(c *gin.Context) domain.UserID {
	uid, _ := c.Get(userKey)
	u, _ := uid.(domain.UserID)
	return u
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSessionUnavailable), errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidDuration), errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidMatchType), errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "code": core.ErrorCode(err)})
}

type sessionHandlers struct {
	orch *orch.Orchestrator
}

func (h *sessionHandlers) match(c *gin.Context) {
	var prefs domain.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := prefs.Validate(); err != nil {
		abortWith(c, err)
		return
	}
	sid, err := h.orch.MatchSession(c.Request.Context(), userOf(c), prefs)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sid})
}

func (h *sessionHandlers) join(c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	if err := h.orch.JoinSession(c.Request.Context(), sid, userOf(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *sessionHandlers) get(c *gin.Context) {
	s, err := h.orch.GetSession(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *sessionHandlers) updateStatus(c *gin.Context) {
	var body struct {
		Status domain.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !body.Status.Valid() {
		abortWith(c, domain.ErrInvalidStatus)
		return
	}
	ctx := c.Request.Context()
	sid := domain.SessionID(c.Param("id"))
	if err := h.orch.CanAccess(ctx, sid, userOf(c)); err != nil {
		abortWith(c, err)
		return
	}
	if err := h.orch.UpdateStatus(ctx, sid, body.Status); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *sessionHandlers) setGoal(c *gin.Context) {
	var body struct {
		Goal string `json:"goal"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.orch.SetGoal(c.Request.Context(), domain.SessionID(c.Param("id")), userOf(c), body.Goal); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ws *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": o.Registry.Count(),
			"topics":      len(o.Hub.Topics()),
		})
	})

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("WarmodeSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api", IdentityMiddleware(cfg.Mode != "release"))

	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": userOf(c)})
	})

	h := &sessionHandlers{orch: o}
	api.POST("/sessions/match", h.match)
	api.POST("/sessions/:id/join", h.join)
	api.GET("/sessions/:id", h.get)
	api.PATCH("/sessions/:id/status", h.updateStatus)
	api.PUT("/sessions/:id/goal", h.setGoal)

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", string(userOf(c))).Msg("ws signal endpoint hit")
		ws.HandleSignal(ctx, c, userOf(c))
	})

	return r
}
