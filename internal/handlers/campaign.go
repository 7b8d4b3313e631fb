// Package handlers provides HTTP handlers for the campaign, account, and probe
// endpoints with enhanced reliability, monitoring, and error handling features.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"                           // v1.9.1
	"github.com/pkg/errors"                               // v0.9.1
	"github.com/prometheus/client_golang/prometheus"      // v1.17.0
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker" // v0.5.0
	"golang.org/x/time/rate"    // v0.3.0

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/services"
	"github.com/MailerSuite/sendcore/internal/stores"
)

const (
	defaultHandlerTimeout = 30 * time.Second
	maxHandlerPageSize    = 100
)

// Metrics collectors.
var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaign_handler_request_duration_seconds",
		Help:    "Duration of campaign handler requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_handler_errors_total",
		Help: "Total number of campaign handler errors",
	}, []string{"method", "error_type"})

	activeHandlerRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_handler_active_requests",
		Help: "Number of currently active requests",
	})
)

// CampaignHandler serves the campaign lifecycle and progress endpoints
type CampaignHandler struct {
	campaigns stores.CampaignStore
	service   *services.CampaignService
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	metrics   *handlerMetrics
}

type handlerMetrics struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewCampaignHandler creates a CampaignHandler with required dependencies.
func NewCampaignHandler(campaigns stores.CampaignStore, service *services.CampaignService) (*CampaignHandler, error) {
	if service == nil {
		return nil, errors.New("campaign service is required")
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "campaign_handler",
		MaxRequests: uint32(maxHandlerPageSize),
		Timeout:     defaultHandlerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	})

	return &CampaignHandler{
		campaigns: campaigns,
		service:   service,
		breaker:   cb,
		limiter:   rate.NewLimiter(rate.Limit(100), maxHandlerPageSize),
		metrics: &handlerMetrics{
			duration: requestDuration,
			errors:   requestErrors,
			active:   activeHandlerRequests,
		},
	}, nil
}

// RegisterHTTPRoutes registers campaign HTTP routes with middleware and monitoring.
func (h *CampaignHandler) RegisterHTTPRoutes(router *gin.RouterGroup) {
	if router == nil {
		return
	}

	router.Use(h.metricsMiddleware())
	router.Use(h.rateLimitMiddleware())
	router.Use(h.circuitBreakerMiddleware())

	router.POST("/campaigns", h.handleCreate)
	router.DELETE("/campaigns/:campaignId", h.handleDelete)
	router.POST("/campaigns/:campaignId/start", h.handleStart)
	router.POST("/campaigns/:campaignId/pause", h.handlePause)
	router.POST("/campaigns/:campaignId/resume", h.handleResume)
	router.POST("/campaigns/:campaignId/stop", h.handleStop)
	router.GET("/campaigns/:campaignId/progress", h.handleProgress)
	router.POST("/campaigns/:campaignId/mock-test", h.handleMockTest)
}

type createCampaignRequest struct {
	SessionID string                `json:"session_id" binding:"required"`
	Config    models.CampaignConfig `json:"config"`
}

func (h *CampaignHandler) handleCreate(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("create_campaign", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.errors.WithLabelValues("create_campaign", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	campaign, err := h.service.CreateCampaign(ctx, req.SessionID, req.Config)
	if err != nil {
		h.metrics.errors.WithLabelValues("create_campaign", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create campaign"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": campaign.ID, "status": campaign.Status})
}

func (h *CampaignHandler) handleDelete(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("delete_campaign", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	campaign, err := h.campaigns.GetCampaign(ctx, c.Param("campaignId"))
	if err != nil || campaign == nil {
		h.metrics.errors.WithLabelValues("delete_campaign", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	if err := h.service.DeleteCampaign(ctx, campaign); err != nil {
		h.metrics.errors.WithLabelValues("delete_campaign", "invalid_state").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": campaign.ID})
}

type startCampaignRequest struct {
	SessionID      string                   `json:"session_id" binding:"required"`
	Total          int                      `json:"total"`
	DummyRecipient models.RecipientTarget   `json:"dummy_recipient"`
}

func (h *CampaignHandler) handleStart(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("start_campaign", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	campaignID := c.Param("campaignId")
	var req startCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.errors.WithLabelValues("start_campaign", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	campaign, err := h.campaigns.GetCampaign(ctx, campaignID)
	if err != nil || campaign == nil {
		h.metrics.errors.WithLabelValues("start_campaign", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	stepErrs, err := h.service.StartCampaign(ctx, req.SessionID, campaign, req.DummyRecipient, req.Total)
	if err != nil {
		h.metrics.errors.WithLabelValues("start_campaign", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start campaign"})
		return
	}
	if len(stepErrs) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"preflight_errors": stepErrs})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": campaign.Status})
}

func (h *CampaignHandler) handlePause(c *gin.Context) {
	h.withCampaign(c, "pause_campaign", func(campaign *models.Campaign) error {
		return h.service.PauseCampaign(campaign)
	})
}

func (h *CampaignHandler) handleResume(c *gin.Context) {
	h.withCampaign(c, "resume_campaign", func(campaign *models.Campaign) error {
		return h.service.ResumeCampaign(campaign)
	})
}

func (h *CampaignHandler) handleStop(c *gin.Context) {
	h.withCampaign(c, "stop_campaign", func(campaign *models.Campaign) error {
		return h.service.StopCampaign(campaign)
	})
}

func (h *CampaignHandler) withCampaign(c *gin.Context, op string, apply func(*models.Campaign) error) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues(op, ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	campaign, err := h.campaigns.GetCampaign(ctx, c.Param("campaignId"))
	if err != nil || campaign == nil {
		h.metrics.errors.WithLabelValues(op, "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	if err := apply(campaign); err != nil {
		h.metrics.errors.WithLabelValues(op, "invalid_transition").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if err := h.campaigns.SaveCampaign(ctx, campaign); err != nil {
		h.metrics.errors.WithLabelValues(op, "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist campaign"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": campaign.Status})
}

func (h *CampaignHandler) handleProgress(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("get_progress", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	campaign, err := h.campaigns.GetCampaign(ctx, c.Param("campaignId"))
	if err != nil || campaign == nil {
		h.metrics.errors.WithLabelValues("get_progress", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	c.JSON(http.StatusOK, h.service.GetProgress(campaign))
}

type mockTestRequest struct {
	SessionID      string                 `json:"session_id" binding:"required"`
	DummyRecipient models.RecipientTarget `json:"dummy_recipient"`
}

func (h *CampaignHandler) handleMockTest(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("mock_test", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	var req mockTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.errors.WithLabelValues("mock_test", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	campaign, err := h.campaigns.GetCampaign(ctx, c.Param("campaignId"))
	if err != nil || campaign == nil {
		h.metrics.errors.WithLabelValues("mock_test", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	if req.DummyRecipient.Email == "" {
		req.DummyRecipient = models.RecipientTarget{Email: "preflight@example.com", FirstName: "Pre", LastName: "Flight"}
	}

	stepErrs := h.service.MockTest(ctx, req.SessionID, campaign, req.DummyRecipient)
	c.JSON(http.StatusOK, gin.H{"errors": stepErrs})
}

// Middleware implementations.

func (h *CampaignHandler) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		h.metrics.duration.WithLabelValues(
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
		).Observe(duration.Seconds())
	}
}

func (h *CampaignHandler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.limiter.Allow() {
			h.metrics.errors.WithLabelValues(c.Request.Method, "rate_limit").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *CampaignHandler) circuitBreakerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, err := h.breaker.Execute(func() (interface{}, error) {
			c.Next()
			if c.Writer.Status() >= 500 {
				return nil, errors.New("server error")
			}
			return nil, nil
		})

		if err != nil {
			h.metrics.errors.WithLabelValues(c.Request.Method, "circuit_breaker").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			c.Abort()
			return
		}
	}
}
