package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin" // v1.9.1
	"github.com/pkg/errors"    // v0.9.1
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/services"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// ProbeHandler serves the IMAP discovery, message and auto-retrieval endpoints.
type ProbeHandler struct {
	accounts stores.AccountStore
	proxies  stores.ProxyStore
	service  *services.ProbeService
	metrics  *handlerMetrics
}

// NewProbeHandler creates a ProbeHandler with required dependencies.
func NewProbeHandler(accounts stores.AccountStore, proxies stores.ProxyStore, service *services.ProbeService) (*ProbeHandler, error) {
	if service == nil {
		return nil, errors.New("probe service is required")
	}
	return &ProbeHandler{
		accounts: accounts,
		proxies:  proxies,
		service:  service,
		metrics: &handlerMetrics{
			duration: requestDuration,
			errors:   requestErrors,
			active:   activeHandlerRequests,
		},
	}, nil
}

// RegisterHTTPRoutes registers probe HTTP routes. Folder names are passed as a query
// parameter rather than a path segment, since IMAP hierarchy delimiters collide with
// URL path separators.
func (h *ProbeHandler) RegisterHTTPRoutes(router *gin.RouterGroup) {
	if router == nil {
		return
	}
	router.POST("/imap-accounts/:accountId/discover", h.handleDiscover)
	router.GET("/imap-accounts/:accountId/messages", h.handleGetMessages)
	router.GET("/imap-accounts/:accountId/messages/:uid", h.handleGetMessage)
	router.POST("/imap-accounts/:accountId/messages/:uid/read", h.handleMarkRead)
	router.DELETE("/imap-accounts/:accountId/messages/:uid", h.handleDeleteMessage)
	router.POST("/imap-accounts/:accountId/auto-retrieve/start", h.handleAutoRetrieveStart)
	router.POST("/imap-accounts/:accountId/auto-retrieve/stop", h.handleAutoRetrieveStop)
}

type discoverRequest struct {
	ProxyID       string `json:"proxy_id"`
	CreateMissing bool   `json:"create_missing"`
}

func (h *ProbeHandler) handleDiscover(c *gin.Context) {
	timer := prometheus.NewTimer(h.metrics.duration.WithLabelValues("discover_folders", ""))
	defer timer.ObserveDuration()

	h.metrics.active.Inc()
	defer h.metrics.active.Dec()

	var req discoverRequest
	// body is optional; binding errors are ignored in favor of zero-value defaults
	_ = c.ShouldBindJSON(&req)

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)
	defer cancel()

	account, err := h.accounts.GetIMAPAccount(ctx, c.Param("accountId"))
	if err != nil || account == nil {
		h.metrics.errors.WithLabelValues("discover_folders", "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "imap account not found"})
		return
	}

	proxy, err := h.lookupProxy(ctx, account.SessionID, req.ProxyID)
	if err != nil {
		h.metrics.errors.WithLabelValues("discover_folders", "proxy_not_found").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "proxy not found"})
		return
	}

	folders, err := h.service.DiscoverFolders(ctx, account, proxy, req.CreateMissing)
	if err != nil {
		h.metrics.errors.WithLabelValues("discover_folders", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to discover folders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

// resolveTarget loads the account plus an optional proxy from the request, answering
// the error responses itself; a nil account return means the handler already replied.
func (h *ProbeHandler) resolveTarget(c *gin.Context, op string) (context.Context, context.CancelFunc, *models.IMAPAccount, *models.Proxy) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultHandlerTimeout)

	account, err := h.accounts.GetIMAPAccount(ctx, c.Param("accountId"))
	if err != nil || account == nil {
		h.metrics.errors.WithLabelValues(op, "not_found").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "imap account not found"})
		cancel()
		return nil, nil, nil, nil
	}

	proxy, err := h.lookupProxy(ctx, account.SessionID, c.Query("proxy_id"))
	if err != nil {
		h.metrics.errors.WithLabelValues(op, "proxy_not_found").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "proxy not found"})
		cancel()
		return nil, nil, nil, nil
	}

	return ctx, cancel, account, proxy
}

func uidParam(c *gin.Context) (uint32, bool) {
	uid, err := strconv.ParseUint(c.Param("uid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uid"})
		return 0, false
	}
	return uint32(uid), true
}

func (h *ProbeHandler) handleGetMessages(c *gin.Context) {
	ctx, cancel, account, proxy := h.resolveTarget(c, "get_messages")
	if account == nil {
		return
	}
	defer cancel()

	folder := c.DefaultQuery("folder", "INBOX")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, err := h.service.GetMessages(ctx, account, proxy, folder, limit, offset)
	if err != nil {
		h.metrics.errors.WithLabelValues("get_messages", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *ProbeHandler) handleGetMessage(c *gin.Context) {
	ctx, cancel, account, proxy := h.resolveTarget(c, "get_message")
	if account == nil {
		return
	}
	defer cancel()

	uid, ok := uidParam(c)
	if !ok {
		return
	}

	msg, err := h.service.GetMessage(ctx, account, proxy, c.DefaultQuery("folder", "INBOX"), uid)
	if err != nil {
		h.metrics.errors.WithLabelValues("get_message", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

type markReadRequest struct {
	Read bool `json:"read"`
}

func (h *ProbeHandler) handleMarkRead(c *gin.Context) {
	ctx, cancel, account, proxy := h.resolveTarget(c, "mark_read")
	if account == nil {
		return
	}
	defer cancel()

	uid, ok := uidParam(c)
	if !ok {
		return
	}

	req := markReadRequest{Read: true}
	_ = c.ShouldBindJSON(&req)

	if err := h.service.MarkRead(ctx, account, proxy, c.DefaultQuery("folder", "INBOX"), uid, req.Read); err != nil {
		h.metrics.errors.WithLabelValues("mark_read", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update flags"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": uid, "read": req.Read})
}

func (h *ProbeHandler) handleDeleteMessage(c *gin.Context) {
	ctx, cancel, account, proxy := h.resolveTarget(c, "delete_message")
	if account == nil {
		return
	}
	defer cancel()

	uid, ok := uidParam(c)
	if !ok {
		return
	}

	if err := h.service.DeleteMessage(ctx, account, proxy, c.DefaultQuery("folder", "INBOX"), uid); err != nil {
		h.metrics.errors.WithLabelValues("delete_message", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": uid, "deleted": true})
}

type autoRetrieveRequest struct {
	IntervalSeconds int `json:"interval_seconds" binding:"required,min=1"`
}

func (h *ProbeHandler) handleAutoRetrieveStart(c *gin.Context) {
	_, cancel, account, proxy := h.resolveTarget(c, "auto_retrieve_start")
	if account == nil {
		return
	}
	defer cancel()

	var req autoRetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// the retrieval loop outlives this request; it is cancelled by auto-retrieve/stop
	if err := h.service.AutoRetrieveStart(context.Background(), account, proxy, time.Duration(req.IntervalSeconds)*time.Second); err != nil {
		h.metrics.errors.WithLabelValues("auto_retrieve_start", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": account.ID, "interval_seconds": req.IntervalSeconds})
}

func (h *ProbeHandler) handleAutoRetrieveStop(c *gin.Context) {
	_, cancel, account, _ := h.resolveTarget(c, "auto_retrieve_stop")
	if account == nil {
		return
	}
	defer cancel()

	active, err := h.service.AutoRetrieveStop(account.ID)
	if err != nil {
		h.metrics.errors.WithLabelValues("auto_retrieve_stop", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": account.ID, "was_active": active})
}

func (h *ProbeHandler) lookupProxy(ctx context.Context, sessionID, proxyID string) (*models.Proxy, error) {
	if proxyID == "" {
		return nil, nil
	}
	proxies, err := h.proxies.ListProxies(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, p := range proxies {
		if p.ID == proxyID {
			return p, nil
		}
	}
	return nil, errors.New("proxy not found in session")
}
