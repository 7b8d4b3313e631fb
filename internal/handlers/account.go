package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin" // v1.9.1
	"github.com/pkg/errors"    // v0.9.1
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/services"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// AccountHandler serves the SMTP/IMAP test_connection endpoints
type AccountHandler struct {
	proxies stores.ProxyStore
	service *services.AccountService
	metrics *handlerMetrics
}

// NewAccountHandler creates an AccountHandler with required dependencies.
func NewAccountHandler(proxies stores.ProxyStore, service *services.AccountService) (*AccountHandler, error) {
	if service == nil {
		return nil, errors.New("account service is required")
	}
	return &AccountHandler{
		proxies: proxies,
		service: service,
		metrics: &handlerMetrics{
			duration: requestDuration,
			errors:   requestErrors,
			active:   activeHandlerRequests,
		},
	}, nil
}

// RegisterHTTPRoutes registers account HTTP routes.
func (h *AccountHandler) RegisterHTTPRoutes(router *gin.RouterGroup) {
	if router == nil {
		return
	}
	router.POST("/smtp-accounts/:accountId/test-connection", h.handleTestSMTP)
	router.POST("/imap-accounts/:accountId/test-connection", h.handleTestIMAP)
}

func (h *AccountHandler) handleTestSMTP(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("test_smtp_connection", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	result, err := h.service.TestSMTPConnection(ctx, c.Param("accountId"))
	if err != nil {
		h.metrics.errors.WithLabelValues("test_smtp_connection", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type testIMAPRequest struct {
	ProxyID   string `json:"proxy_id"`
	SessionID string `json:"session_id"`
}

func (h *AccountHandler) handleTestIMAP(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("test_imap_connection", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	var req testIMAPRequest
	_ = c.ShouldBindJSON(&req)

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	var proxy *models.Proxy
	if req.ProxyID != "" {
		proxies, err := h.proxies.ListProxies(ctx, req.SessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list proxies"})
			return
		}
		for _, p := range proxies {
			if p.ID == req.ProxyID {
				proxy = p
				break
			}
		}
		if proxy == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "proxy not found"})
			return
		}
	}

	result, err := h.service.TestIMAPConnection(ctx, c.Param("accountId"), proxy)
	if err != nil {
		h.metrics.errors.WithLabelValues("test_imap_connection", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
