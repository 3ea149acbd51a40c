package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/vaxgame/internal/domain"
	"github.com/victornm/vaxgame/internal/errors"
	"github.com/victornm/vaxgame/internal/event"
	"github.com/victornm/vaxgame/internal/game"
	"github.com/victornm/vaxgame/internal/session"
)

type Config struct {
	Router        gin.IRouter
	EventBus      *event.Bus
	Game          *game.Service
	Session       *session.Service
	Redis         Redis
	PubsubPrefix  string
	AdminPassword string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	gs *game.Service
	ss *session.Service

	redis  Redis
	prefix string
	admin  string
}

func New(c Config) *API {
	a := &API{
		gs:     c.Game,
		ss:     c.Session,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
		admin:  c.AdminPassword,
	}

	// Participant-facing APIs
	r := c.Router.Group("/api")
	r.POST("/join", a.Join)
	r.GET("/status", a.Status)
	r.GET("/lobby_status", a.LobbyStatus)
	r.POST("/choose", a.Choose)
	r.GET("/round_status", a.RoundStatus)
	r.GET("/reveal_status", a.RevealStatus)
	r.POST("/confirm_ready", a.ConfirmReady)
	r.GET("/ready_status", a.ReadyStatus)
	r.POST("/complete", a.Complete)

	// Experimenter APIs
	ar := c.Router.Group("/admin", a.requireAdmin)
	ar.POST("/sessions", a.CreateSession)
	ar.GET("/sessions", a.ListSessions)
	ar.GET("/sessions/:id", a.SessionDetail)
	ar.POST("/sessions/:id/archive", a.ArchiveSession)
	ar.POST("/sessions/:id/reset", a.ResetSession)
	ar.DELETE("/sessions/:id", a.DeleteSession)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameParticipantJoined, func(ctx context.Context, e event.Event) error {
		return a.PublishParticipantJoined(ctx, e.(domain.EventParticipantJoined))
	})
	c.EventBus.Subscribe(domain.EventNameDecisionSubmitted, func(ctx context.Context, e event.Event) error {
		return a.PublishDecisionSubmitted(ctx, e.(domain.EventDecisionSubmitted))
	})
	c.EventBus.Subscribe(domain.EventNameRoundFinalized, func(ctx context.Context, e event.Event) error {
		return a.PublishRoundFinalized(ctx, e.(domain.EventRoundFinalized))
	})
	c.EventBus.Subscribe(domain.EventNameReadyConfirmed, func(ctx context.Context, e event.Event) error {
		return a.PublishReadyConfirmed(ctx, e.(domain.EventReadyConfirmed))
	})
	c.EventBus.Subscribe(domain.EventNameRoundAdvanced, func(ctx context.Context, e event.Event) error {
		return a.PublishRoundAdvanced(ctx, e.(domain.EventRoundAdvanced))
	})

	return a
}

type joinRequest struct {
	Code          string `json:"code" binding:"required"`
	ActivityToken string `json:"activity_token" binding:"required"`
}

type joinResponse struct {
	ParticipantID string     `json:"participant_id"`
	SessionID     string     `json:"session_id"`
	PlayerNo      int        `json:"player_no"`
	PType         int        `json:"ptype"`
	Phase         game.Phase `json:"phase"`
}

func (a *API) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	resp, err := a.gs.Join(c.Request.Context(), game.JoinRequest{
		Code:          req.Code,
		ActivityToken: req.ActivityToken,
	})
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, joinResponse{
		ParticipantID: resp.Participant.ParticipantID,
		SessionID:     resp.Participant.SessionID,
		PlayerNo:      resp.Participant.JoinNumber,
		PType:         resp.Participant.PType,
		Phase:         resp.Phase,
	})
}

func (a *API) Status(c *gin.Context) {
	st, err := a.gs.Status(c.Request.Context(), c.Query("participant_id"), c.Query("activity_token"))
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *API) LobbyStatus(c *gin.Context) {
	sessionID, err := a.gs.ParticipantSession(c.Request.Context(), c.Query("participant_id"))
	if err != nil {
		renderErr(c, err)
		return
	}

	st, err := a.gs.LobbyStatusOf(c.Request.Context(), sessionID)
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

type chooseRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	Choice        string `json:"choice" binding:"required"`
}

func (a *API) Choose(c *gin.Context) {
	var req chooseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	err := a.gs.SubmitDecision(c.Request.Context(), game.SubmitDecisionRequest{
		ParticipantID: req.ParticipantID,
		Choice:        req.Choice,
	})
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) RoundStatus(c *gin.Context) {
	st, err := a.gs.RoundStatusOf(c.Request.Context(), c.Query("participant_id"))
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *API) RevealStatus(c *gin.Context) {
	st, err := a.gs.RevealStatusOf(c.Request.Context(), c.Query("participant_id"))
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

type confirmReadyRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
}

func (a *API) ConfirmReady(c *gin.Context) {
	var req confirmReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.gs.ConfirmReady(c.Request.Context(), req.ParticipantID); err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) ReadyStatus(c *gin.Context) {
	st, err := a.gs.ReadyStatusOf(c.Request.Context(), c.Query("participant_id"))
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

type completeRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
}

func (a *API) Complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	resp, err := a.gs.Complete(c.Request.Context(), req.ParticipantID)
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    resp.Code,
		"balance": resp.Balance,
	})
}

func (a *API) requireAdmin(c *gin.Context) {
	if a.admin == "" || c.GetHeader("X-Admin-Password") != a.admin {
		renderErr(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("admin password required")))
		c.Abort()
		return
	}

	c.Next()
}

type createSessionRequest struct {
	Name            string `json:"name"`
	GroupSize       int    `json:"group_size" binding:"required"`
	Rounds          int    `json:"rounds"`
	StartingBalance string `json:"starting_balance"`
	WatchSeconds    int    `json:"watch_seconds"`
}

func (a *API) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	sess, ps, err := a.ss.CreateSession(c.Request.Context(), session.CreateSessionRequest{
		Name:            req.Name,
		GroupSize:       req.GroupSize,
		Rounds:          req.Rounds,
		StartingBalance: req.StartingBalance,
		WatchSeconds:    req.WatchSeconds,
	})
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionDetailResponse(sess, ps))
}

func (a *API) ListSessions(c *gin.Context) {
	sessions, err := a.ss.ListSessions(c.Request.Context())
	if err != nil {
		renderErr(c, err)
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, gin.H{
			"session_id": s.SessionID,
			"name":       s.Name,
			"group_size": s.GroupSize,
			"rounds":     s.Rounds,
			"status":     s.Status,
			"archived":   s.Archived,
		})
	}

	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (a *API) SessionDetail(c *gin.Context) {
	sess, ps, err := a.ss.SessionDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionDetailResponse(sess, ps))
}

func (a *API) ArchiveSession(c *gin.Context) {
	if err := a.ss.ArchiveSession(c.Request.Context(), c.Param("id")); err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) ResetSession(c *gin.Context) {
	if err := a.ss.ResetSession(c.Request.Context(), c.Param("id")); err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *API) DeleteSession(c *gin.Context) {
	if err := a.ss.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		renderErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func sessionDetailResponse(sess *domain.Session, ps []domain.Participant) gin.H {
	participants := make([]gin.H, 0, len(ps))
	for _, p := range ps {
		participants = append(participants, gin.H{
			"participant_id": p.ParticipantID,
			"code":           p.Code,
			"ptype":          p.PType,
			"joined":         p.Joined,
			"player_no":      p.JoinNumber,
			"current_round":  p.CurrentRound,
			"balance":        p.Balance,
			"completed":      p.Completed,
		})
	}

	return gin.H{
		"session_id":       sess.SessionID,
		"name":             sess.Name,
		"group_size":       sess.GroupSize,
		"rounds":           sess.Rounds,
		"starting_balance": sess.StartingBalance,
		"watch_seconds":    sess.WatchSeconds,
		"status":           sess.Status,
		"archived":         sess.Archived,
		"participants":     participants,
	}
}

func renderErr(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{"error": e})
}
