package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zimads/adsentinel/internal/pipeline"
	"github.com/zimads/adsentinel/pkg/metrics"
	"github.com/zimads/adsentinel/pkg/model"
	"github.com/zimads/adsentinel/pkg/operator"
	"github.com/zimads/adsentinel/pkg/session"
	"github.com/zimads/adsentinel/pkg/storage"
)

// Options configures the HTTP surface.
type Options struct {
	VerifyToken string // messaging webhook verification token
	AppSecret   string // HMAC key for webhook payload signatures; empty disables the check
	Gatherer    prometheus.Gatherer
}

// Server provides health, metrics, webhook and alert API endpoints.
type Server struct {
	pipeline *pipeline.Pipeline
	opts     Options
	engine   *gin.Engine
	logger   *slog.Logger
}

// NewServer creates an API server.
func NewServer(p *pipeline.Pipeline, opts Options, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		pipeline: p,
		opts:     opts,
		engine:   gin.New(),
		logger:   logger,
	}
	s.engine.Use(gin.Recovery(), metricsMiddleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	s.engine.GET("/webhook", s.handleVerify)
	s.engine.POST("/webhook", s.handleInbound)

	api := s.engine.Group("/api/v1")
	api.GET("/alerts", s.handleListAlerts)
	api.GET("/alerts/:id", s.handleGetAlert)
	api.POST("/alerts/:id/resolve", s.handleResolve)
	api.GET("/alerts/:id/attempts", s.handleAttempts)
	api.POST("/campaigns/:id/evaluate", s.handleEvaluate)
	api.POST("/campaigns/:id/snapshots", s.handleSnapshot)
	api.POST("/health/run", s.handleHealthRun)
	api.GET("/sessions/:phone", s.handleSession)

	api.PUT("/accounts/:id", s.handleSyncAccount)
	api.PUT("/campaigns/:id", s.handleSyncCampaign)
	api.PUT("/users/:id/preferences", s.handlePreferences)
	api.PUT("/users/:id/thresholds/:kind", s.handleThreshold)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(endpoint, status, c.Request.Method).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(endpoint, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVerify(c *gin.Context) {
	if c.Query("hub.mode") != "subscribe" || s.opts.VerifyToken == "" ||
		c.Query("hub.verify_token") != s.opts.VerifyToken {
		c.Status(http.StatusForbidden)
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

type inboundPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (s *Server) handleInbound(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if s.opts.AppSecret != "" &&
		!operator.VerifySignature(body, []byte(s.opts.AppSecret), c.GetHeader("X-Hub-Signature-256")) {
		s.logger.Warn("webhook signature mismatch", "remote", c.ClientIP())
		c.Status(http.StatusUnauthorized)
		return
	}

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	recorded := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				text := msg.Text.Body
				if text == "" {
					text = "[" + msg.Type + "]"
				}
				if _, err := s.pipeline.RecordInbound(ctx, msg.From, text); err != nil {
					s.logger.Error("record inbound", "from", msg.From, "message", msg.ID, "error", err)
					continue
				}
				recorded++
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"recorded": recorded})
}

func (s *Server) handleListAlerts(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	filter := model.AlertFilter{
		UserID:     c.Query("user"),
		CampaignID: c.Query("campaign"),
		OpenOnly:   c.Query("open") == "true",
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	list, err := s.pipeline.Alerts(ctx, filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Alert{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetAlert(c *gin.Context) {
	a, err := s.pipeline.Alert(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type resolveRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	a, err := s.pipeline.Resolve(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleAttempts(c *gin.Context) {
	attempts, err := s.pipeline.Attempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if attempts == nil {
		attempts = []model.DispatchAttempt{}
	}
	c.JSON(http.StatusOK, attempts)
}

func (s *Server) handleEvaluate(c *gin.Context) {
	eval, err := s.pipeline.EvaluateCampaign(c.Request.Context(), c.Param("id"))
	if err != nil && eval == nil {
		s.fail(c, err)
		return
	}
	if err != nil {
		s.logger.Error("evaluate campaign", "campaign", c.Param("id"), "error", err)
	}
	c.JSON(http.StatusOK, eval)
}

type snapshotRequest struct {
	Impressions int64      `json:"impressions"`
	Clicks      int64      `json:"clicks"`
	CTR         float64    `json:"ctr"`
	CPC         float64    `json:"cpc"`
	Spend       float64    `json:"spend"`
	Frequency   float64    `json:"frequency"`
	Reach       int64      `json:"reach"`
	CapturedAt  *time.Time `json:"captured_at"`
}

func (s *Server) handleSnapshot(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap := &model.MetricSnapshot{
		CampaignID:  c.Param("id"),
		Impressions: req.Impressions,
		Clicks:      req.Clicks,
		CTR:         req.CTR,
		CPC:         req.CPC,
		Spend:       req.Spend,
		Frequency:   req.Frequency,
		Reach:       req.Reach,
		CapturedAt:  time.Now().UTC(),
	}
	if req.CapturedAt != nil {
		snap.CapturedAt = req.CapturedAt.UTC()
	}

	eval, err := s.pipeline.RecordSnapshot(c.Request.Context(), snap)
	if err != nil && eval == nil {
		s.fail(c, err)
		return
	}
	if err != nil {
		s.logger.Error("evaluate after snapshot", "campaign", snap.CampaignID, "error", err)
	}
	c.JSON(http.StatusCreated, gin.H{"snapshot": snap, "evaluation": eval})
}

func (s *Server) handleHealthRun(c *gin.Context) {
	dryRun := c.Query("dry_run") == "true"
	res, err := s.pipeline.RunHealthCheck(c.Request.Context(), dryRun)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := gin.H{"result": res}
	if dryRun {
		out["sql"] = res.SQL()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSession(c *gin.Context) {
	state, sess, err := s.pipeline.SessionState(c.Request.Context(), c.Param("phone"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "session": sess})
}

type accountRequest struct {
	UserID         string     `json:"user_id" binding:"required"`
	ExternalID     string     `json:"external_id"`
	Name           string     `json:"name"`
	AccessToken    string     `json:"access_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

func (s *Server) handleSyncAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acc := &model.Account{
		ID:             c.Param("id"),
		UserID:         req.UserID,
		ExternalID:     req.ExternalID,
		Name:           req.Name,
		AccessToken:    req.AccessToken,
		TokenExpiresAt: req.TokenExpiresAt,
	}
	if err := s.pipeline.SyncAccount(c.Request.Context(), acc); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

type campaignRequest struct {
	AccountID      string  `json:"account_id" binding:"required"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	DailyBudget    float64 `json:"daily_budget"`
	LifetimeBudget float64 `json:"lifetime_budget"`
}

func (s *Server) handleSyncCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	camp, err := s.pipeline.SyncCampaign(c.Request.Context(), &model.Campaign{
		ID:             c.Param("id"),
		AccountID:      req.AccountID,
		Name:           req.Name,
		Status:         req.Status,
		DailyBudget:    req.DailyBudget,
		LifetimeBudget: req.LifetimeBudget,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

type preferencesRequest struct {
	Phone     string `json:"phone"`
	Morning   bool   `json:"morning"`
	Afternoon bool   `json:"afternoon"`
	Evening   bool   `json:"evening"`
}

func (s *Server) handlePreferences(c *gin.Context) {
	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefs := &model.UserPreferences{
		UserID:    c.Param("id"),
		Phone:     req.Phone,
		Morning:   req.Morning,
		Afternoon: req.Afternoon,
		Evening:   req.Evening,
	}
	if err := s.pipeline.SetPreferences(c.Request.Context(), prefs); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

type thresholdRequest struct {
	Limit     float64         `json:"limit"`
	Direction model.Direction `json:"direction" binding:"required"`
	Enabled   *bool           `json:"enabled"`
}

func (s *Server) handleThreshold(c *gin.Context) {
	var req thresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	th := model.Threshold{
		Kind:      model.ThresholdKind(c.Param("kind")),
		Limit:     req.Limit,
		Direction: req.Direction,
		Enabled:   req.Enabled == nil || *req.Enabled,
	}
	if err := s.pipeline.SetThreshold(c.Request.Context(), c.Param("id"), th); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalid), errors.Is(err, session.ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrAccountRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
