// Package devserver is a self-contained backend for developing and testing the
// widget client. It serves anonymous auth, the persistence API, the realtime
// websocket and a signed webhook through which agents reply.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	widget "github.com/supportline/widget-go"
	"github.com/supportline/widget-go/internal/metrics"
)

const claimsKey = "claims"

// Config configures the dev server. Fields can be loaded from the environment.
type Config struct {
	Addr          string        `env:"WIDGET_DEV_ADDR" envDefault:":54321"`
	APIKey        string        `env:"WIDGET_DEV_API_KEY" envDefault:"dev-anon-key"`
	JWTSecret     string        `env:"WIDGET_DEV_JWT_SECRET" envDefault:"dev-jwt-secret"`
	WebhookSecret string        `env:"WIDGET_DEV_WEBHOOK_SECRET"`
	DSN           string        `env:"WIDGET_DEV_DSN" envDefault:":memory:"`
	TokenTTL      time.Duration `env:"WIDGET_DEV_TOKEN_TTL" envDefault:"1h"`
}

// Server wires the store, token issuer, realtime hub and HTTP routes.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	store   *Store
	issuer  *Issuer
	hub     *Hub
	metrics *metrics.Metrics
	engine  *gin.Engine
	healthy atomic.Bool
}

func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		cfg.DSN = ":memory:"
	}
	issuer, err := NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(cfg.DSN)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		issuer:  issuer,
		hub:     NewHub(logger, issuer),
		metrics: metrics.New("widget_devserver"),
	}
	s.healthy.Store(true)
	if err := s.routes(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) routes() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.metrics.Middleware())

	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	rt := r.Group("/realtime/v1")
	rt.GET("/health", s.health)
	rt.GET("/websocket", s.requireAPIKey, s.websocket)

	auth := r.Group("/auth/v1", s.requireAPIKey)
	auth.POST("/signup", s.signup)
	auth.POST("/token", s.token)

	rest := r.Group("/rest/v1", s.requireAPIKey, s.requireBearer)
	rest.POST("/conversations", s.createConversation)
	rest.POST("/messages", s.insertMessage)
	rest.PATCH("/messages", s.markRead)
	rest.GET("/messages", s.listMessages)

	if s.cfg.WebhookSecret != "" {
		wh, err := NewAgentWebhook(s.cfg.WebhookSecret, s.agentReply)
		if err != nil {
			return err
		}
		r.POST("/hooks/agent-reply", gin.WrapH(wh.HTTPHandler()))
	}

	s.engine = r
	return nil
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Hub() *Hub     { return s.hub }
func (s *Server) Store() *Store { return s.store }

// SetHealthy toggles the realtime health probe, simulating an outage.
func (s *Server) SetHealthy(ok bool) { s.healthy.Store(ok) }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down dev server")
	s.hub.DisconnectAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) Close() error {
	s.hub.DisconnectAll()
	return s.store.Close()
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requireAPIKey(c *gin.Context) {
	if s.cfg.APIKey == "" {
		c.Next()
		return
	}
	key := c.GetHeader("apikey")
	if key == "" {
		key = c.Query("apikey")
	}
	if key != s.cfg.APIKey {
		apiError(c, http.StatusUnauthorized, "invalid_api_key", "invalid api key")
		return
	}
	c.Next()
}

func (s *Server) requireBearer(c *gin.Context) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		apiError(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	claims, err := s.issuer.Validate(parts[1])
	if err != nil {
		apiError(c, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	c.Set(claimsKey, claims)
	c.Next()
}

func apiError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}

func authError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error_code": code, "msg": msg})
}

// ============================================================================
// Realtime
// ============================================================================

func (s *Server) health(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.Clients()})
}

func (s *Server) websocket(c *gin.Context) {
	if !s.healthy.Load() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	s.hub.ServeHTTP(c.Writer, c.Request)
}

// ============================================================================
// Auth
// ============================================================================

func (s *Server) session(ctx context.Context, userID string, metadata map[string]any) (gin.H, error) {
	access, exp, err := s.issuer.Issue(userID)
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	if err := s.store.SaveRefreshToken(ctx, refresh, userID); err != nil {
		return nil, err
	}
	user := gin.H{"id": userID, "is_anonymous": true}
	if len(metadata) > 0 {
		user["user_metadata"] = metadata
	}
	return gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    int64(time.Until(exp).Seconds()),
		"expires_at":    exp.Unix(),
		"user":          user,
	}, nil
}

func (s *Server) signup(c *gin.Context) {
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		authError(c, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	sess, err := s.session(c.Request.Context(), uuid.NewString(), body.Data)
	if err != nil {
		authError(c, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) token(c *gin.Context) {
	if c.Query("grant_type") != "refresh_token" {
		authError(c, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		authError(c, http.StatusBadRequest, "validation_failed", "refresh_token is required")
		return
	}
	userID, err := s.store.ConsumeRefreshToken(c.Request.Context(), body.RefreshToken)
	if err != nil {
		authError(c, http.StatusBadRequest, "refresh_token_not_found", "invalid refresh token")
		return
	}
	sess, err := s.session(c.Request.Context(), userID, nil)
	if err != nil {
		authError(c, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ============================================================================
// Persistence API
// ============================================================================

func (s *Server) createConversation(c *gin.Context) {
	var req widget.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.OrganizationID == "" {
		apiError(c, http.StatusBadRequest, "bad_request", "organizationId is required")
		return
	}
	if req.VisitorID == "" {
		if claims, ok := c.Get(claimsKey); ok {
			req.VisitorID = claims.(*Claims).Subject
		}
	}
	conv, err := s.store.CreateConversation(c.Request.Context(), req.OrganizationID, req.VisitorID, req.CustomerName)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.logger.Debug("conversation created", zap.String("id", conv.ID), zap.String("org", conv.OrganizationID))
	c.JSON(http.StatusCreated, widget.CreateConversationResponse{ConversationID: conv.ID})
}

func (s *Server) insertMessage(c *gin.Context) {
	var req widget.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		apiError(c, http.StatusBadRequest, "bad_request", "content is required")
		return
	}
	if req.SenderType == "" {
		req.SenderType = widget.SenderVisitor
	}
	m, err := s.publish(c.Request.Context(), req.ConversationID, req.Content, req.SenderType, req.SenderName)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			apiError(c, http.StatusNotFound, "not_found", err.Error())
			return
		}
		apiError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusCreated, m.Record())
}

// publish stores a message and notifies realtime subscribers.
func (s *Server) publish(ctx context.Context, conversationID, content string, sender widget.SenderType, name string) (*Message, error) {
	if _, err := s.store.Conversation(ctx, conversationID); err != nil {
		return nil, err
	}
	m, err := s.store.InsertMessage(ctx, conversationID, content, sender, name)
	if err != nil {
		return nil, err
	}
	s.hub.PublishInsert(m)
	return m, nil
}

func (s *Server) markRead(c *gin.Context) {
	var req widget.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		apiError(c, http.StatusBadRequest, "bad_request", "conversationId is required")
		return
	}
	n, err := s.store.MarkRead(c.Request.Context(), req.ConversationID, req.MessageIDs, widget.SenderVisitor)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusOK, widget.MarkReadResponse{Updated: int(n)})
}

func (s *Server) listMessages(c *gin.Context) {
	conv := c.Query("conversationId")
	if conv == "" {
		apiError(c, http.StatusBadRequest, "bad_request", "conversationId is required")
		return
	}
	var after time.Time
	if v := c.Query("after"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			apiError(c, http.StatusBadRequest, "bad_request", "after must be RFC 3339")
			return
		}
		after = t
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), conv, after)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].Record())
	}
	c.JSON(http.StatusOK, out)
}

// ============================================================================
// Agent webhook
// ============================================================================

func (s *Server) agentReply(r *AgentReply) (any, error) {
	ctx := context.Background()
	conv, err := s.store.Conversation(ctx, r.ConversationID)
	if err != nil {
		return nil, err
	}
	topic := widget.TopicPrefix + widget.ChannelName(conv.OrganizationID, conv.ID)
	sender := widget.ParseSenderType(r.SenderType)

	switch r.Event {
	case AgentEventTypingStart, AgentEventTypingStop:
		event := widget.EventTypingStart
		if r.Event == AgentEventTypingStop {
			event = widget.EventTypingStop
		}
		s.hub.Broadcast(topic, event, widget.TypingSignal{
			IsTyping:   r.Event == AgentEventTypingStart,
			UserName:   r.SenderName,
			SenderType: sender,
		})
		return nil, nil
	}

	m, err := s.publish(ctx, conv.ID, r.Content, sender, r.SenderName)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("agent replied", zap.String("conversation", conv.ID), zap.String("message", m.ID))
	return m.Record(), nil
}
