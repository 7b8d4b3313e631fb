// Package services provides the campaign-facing facade over the orchestrator, job
// control state machine, and IMAP prober, with enhanced reliability and monitoring
// capabilities for the bulk dispatch platform.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"                              // v1.6.0
	"github.com/patrickmn/go-cache"                      // v2.1.0
	"github.com/pkg/errors"                               // v0.9.1
	"github.com/prometheus/client_golang/prometheus"      // v1.17.0
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go" // v0.5.0
	"github.com/sony/gobreaker"                 // v0.5.0
	"golang.org/x/time/rate"                    // v0.3.0

	"github.com/MailerSuite/sendcore/internal/imapprober"
	"github.com/MailerSuite/sendcore/internal/jobcontrol"
	"github.com/MailerSuite/sendcore/internal/models"
	"github.com/MailerSuite/sendcore/internal/orchestrator"
	"github.com/MailerSuite/sendcore/internal/stores"
)

// Constants for service configuration.
const (
	maxRetries            = 3
	retryDelay            = time.Second * 2
	progressCacheTTL      = time.Second * 2
	circuitBreakerTimeout = time.Second * 30
	maxConcurrentRequests = 100
)

// Metrics collectors.
var (
	campaignOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaign_service_operation_duration_seconds",
		Help:    "Duration of campaign service operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	campaignOperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_service_operation_errors_total",
		Help: "Total number of campaign service operation errors",
	}, []string{"operation", "error_type"})

	campaignOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_service_operations_total",
		Help: "Total number of campaign service operations",
	}, []string{"operation", "status"})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_service_active_requests",
		Help: "Number of currently active requests",
	})
)

// serviceMetrics holds service-level metrics.
type serviceMetrics struct {
	duration   *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	operations *prometheus.CounterVec
	active     prometheus.Gauge
}

// CampaignService handles campaign lifecycle operations with enhanced reliability and
// monitoring, wrapping the campaign orchestrator, the job control state machine, and
// pre-flight validation behind a single entry point: circuit breaker + rate limiter +
// cache + Prometheus.
type CampaignService struct {
	campaigns      stores.CampaignStore
	orchestrator   *orchestrator.Orchestrator
	jobs           *jobcontrol.Controller
	preflight      *jobcontrol.Preflight
	proxyForce     bool
	rateLimiter    *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
	cache          *cache.Cache
	cacheMutex     sync.RWMutex
	metrics        *serviceMetrics
}

// NewCampaignService creates a CampaignService bound to the given store, orchestrator,
// job controller, and pre-flight validator.
func NewCampaignService(
	campaigns stores.CampaignStore,
	orch *orchestrator.Orchestrator,
	jobs *jobcontrol.Controller,
	preflight *jobcontrol.Preflight,
	proxyForce bool,
) (*CampaignService, error) {
	if campaigns == nil {
		return nil, errors.New("campaign store is required")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "campaign_service",
		MaxRequests: uint32(maxConcurrentRequests),
		Timeout:     circuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			campaignOperationErrors.WithLabelValues("circuit_breaker", to.String()).Inc()
		},
	})

	return &CampaignService{
		campaigns:      campaigns,
		orchestrator:   orch,
		jobs:           jobs,
		preflight:      preflight,
		proxyForce:     proxyForce,
		rateLimiter:    rate.NewLimiter(rate.Limit(maxConcurrentRequests), maxConcurrentRequests),
		circuitBreaker: cb,
		cache:          cache.New(progressCacheTTL, progressCacheTTL*2),
		metrics: &serviceMetrics{
			duration:   campaignOperationDuration,
			errors:     campaignOperationErrors,
			operations: campaignOperationTotal,
			active:     activeRequests,
		},
	}, nil
}

// CreateCampaign persists a new draft campaign for sessionID. The campaign id is an
// opaque uuid; recipients are loaded separately by the external ingestion
// collaborator.
func (s *CampaignService) CreateCampaign(ctx context.Context, sessionID string, cfg models.CampaignConfig) (*models.Campaign, error) {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("create_campaign"))
	defer timer.ObserveDuration()

	campaign := &models.Campaign{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Config:    cfg,
		Status:    models.CampaignDraft,
	}
	if err := s.campaigns.SaveCampaign(ctx, campaign); err != nil {
		s.metrics.errors.WithLabelValues("create_campaign", "execution").Inc()
		return nil, errors.Wrap(err, "failed to persist campaign")
	}
	s.metrics.operations.WithLabelValues("create_campaign", "success").Inc()
	return campaign, nil
}

// DeleteCampaign removes a campaign that is not currently running; a running
// campaign must be stopped first.
func (s *CampaignService) DeleteCampaign(ctx context.Context, campaign *models.Campaign) error {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("delete_campaign"))
	defer timer.ObserveDuration()

	if campaign.Status == models.CampaignRunning || campaign.Status == models.CampaignPaused {
		s.metrics.errors.WithLabelValues("delete_campaign", "invalid_state").Inc()
		return errors.Errorf("campaign %s is %s; stop it before deleting", campaign.ID, campaign.Status)
	}
	if err := s.campaigns.DeleteCampaign(ctx, campaign.ID); err != nil {
		s.metrics.errors.WithLabelValues("delete_campaign", "execution").Inc()
		return errors.Wrap(err, "failed to delete campaign")
	}
	s.metrics.operations.WithLabelValues("delete_campaign", "success").Inc()
	return nil
}

// StartCampaign runs pre-flight validation and, if it passes, starts the campaign;
// it never starts sending while pre-flight fails.
func (s *CampaignService) StartCampaign(ctx context.Context, sessionID string, campaign *models.Campaign, dummy models.RecipientTarget, total int) ([]jobcontrol.StepError, error) {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("start_campaign"))
	defer timer.ObserveDuration()

	s.metrics.active.Inc()
	defer s.metrics.active.Dec()

	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.metrics.errors.WithLabelValues("start_campaign", "rate_limit").Inc()
		return nil, errors.Wrap(err, "rate limit exceeded")
	}

	if s.preflight != nil {
		if stepErrs := s.preflight.Validate(ctx, sessionID, s.proxyForce, campaign, dummy); len(stepErrs) > 0 {
			s.metrics.operations.WithLabelValues("start_campaign", "preflight_failed").Inc()
			return stepErrs, nil
		}
	}

	_, err := s.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, s.startWithRetry(sessionID, campaign, total)
	})
	if err != nil {
		s.metrics.errors.WithLabelValues("start_campaign", "execution").Inc()
		s.metrics.operations.WithLabelValues("start_campaign", "failure").Inc()
		return nil, errors.Wrap(err, "failed to start campaign")
	}

	s.metrics.operations.WithLabelValues("start_campaign", "success").Inc()
	return nil, nil
}

// startWithRetry implements a bounded retry for the orchestrator Start call. Start
// fails when the job controller rejects the transition to running or the campaign
// cannot be saved; every such failure is retried alike.
func (s *CampaignService) startWithRetry(sessionID string, campaign *models.Campaign, total int) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay * time.Duration(attempt))
		}
		if err := s.orchestrator.Start(sessionID, campaign, total); err != nil {
			lastErr = err
			s.metrics.errors.WithLabelValues("start_campaign_retry", fmt.Sprintf("attempt_%d", attempt+1)).Inc()
			continue
		}
		return nil
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// PauseCampaign pauses a running campaign.
func (s *CampaignService) PauseCampaign(campaign *models.Campaign) error {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("pause_campaign"))
	defer timer.ObserveDuration()

	if err := s.orchestrator.Pause(campaign); err != nil {
		s.metrics.errors.WithLabelValues("pause_campaign", "execution").Inc()
		return errors.Wrap(err, "failed to pause campaign")
	}
	s.metrics.operations.WithLabelValues("pause_campaign", "success").Inc()
	return nil
}

// ResumeCampaign resumes a paused campaign.
func (s *CampaignService) ResumeCampaign(campaign *models.Campaign) error {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("resume_campaign"))
	defer timer.ObserveDuration()

	if err := s.orchestrator.Resume(campaign); err != nil {
		s.metrics.errors.WithLabelValues("resume_campaign", "execution").Inc()
		return errors.Wrap(err, "failed to resume campaign")
	}
	s.metrics.operations.WithLabelValues("resume_campaign", "success").Inc()
	return nil
}

// StopCampaign stops a campaign permanently.
func (s *CampaignService) StopCampaign(campaign *models.Campaign) error {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("stop_campaign"))
	defer timer.ObserveDuration()

	if err := s.orchestrator.Stop(campaign); err != nil {
		s.metrics.errors.WithLabelValues("stop_campaign", "execution").Inc()
		return errors.Wrap(err, "failed to stop campaign")
	}
	s.metrics.operations.WithLabelValues("stop_campaign", "success").Inc()
	return nil
}

// MockTest runs the full pre-flight checklist plus the direct SMTP connection dry run
// without sending any mail.
func (s *CampaignService) MockTest(ctx context.Context, sessionID string, campaign *models.Campaign, dummy models.RecipientTarget) []jobcontrol.StepError {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("mock_test"))
	defer timer.ObserveDuration()

	if s.preflight == nil {
		return nil
	}
	stepErrs := s.preflight.MockTest(ctx, sessionID, s.proxyForce, campaign, dummy)
	if len(stepErrs) > 0 {
		s.metrics.operations.WithLabelValues("mock_test", "failed").Inc()
	} else {
		s.metrics.operations.WithLabelValues("mock_test", "success").Inc()
	}
	return stepErrs
}

// GetProgress returns the campaign's live progress snapshot, cached briefly to absorb
// bursts of poll requests from the CLI/API.
func (s *CampaignService) GetProgress(campaign *models.Campaign) orchestrator.ProgressSnapshot {
	if cached := s.getCachedProgress(campaign.ID); cached != nil {
		s.metrics.operations.WithLabelValues("get_progress", "cache_hit").Inc()
		return *cached
	}

	snapshot := s.orchestrator.GetProgress(campaign)
	s.cacheProgress(campaign.ID, snapshot)
	s.metrics.operations.WithLabelValues("get_progress", "success").Inc()
	return snapshot
}

func (s *CampaignService) cacheProgress(campaignID string, snapshot orchestrator.ProgressSnapshot) {
	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()
	s.cache.Set(campaignID, snapshot, cache.DefaultExpiration)
}

func (s *CampaignService) getCachedProgress(campaignID string) *orchestrator.ProgressSnapshot {
	s.cacheMutex.RLock()
	defer s.cacheMutex.RUnlock()

	if cached, found := s.cache.Get(campaignID); found {
		snapshot := cached.(orchestrator.ProgressSnapshot)
		return &snapshot
	}
	return nil
}

// GetHealth returns the service health status.
func (s *CampaignService) GetHealth() map[string]interface{} {
	return map[string]interface{}{
		"status":          "healthy",
		"circuit_breaker": s.circuitBreaker.State().String(),
		"active_requests": gaugeValue(s.metrics.active),
		"cache_items":     s.cache.ItemCount(),
	}
}

// gaugeValue reads the current value out of a prometheus.Gauge, which exposes no
// Value() accessor of its own; Write is the documented way to read a collector's
// state back out of process.
func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// ProbeService wraps the IMAP Prober behind the same reliability shell as
// CampaignService. The retriever is optional; without one, the
// auto-retrieve operations report it unconfigured.
type ProbeService struct {
	prober         *imapprober.Prober
	retriever      *imapprober.AutoRetriever
	rateLimiter    *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
	metrics        *serviceMetrics
}

// NewProbeService creates a ProbeService wrapping prober. retriever may be nil when
// scheduled auto-retrieval is not wired (tests, one-shot CLI modes).
func NewProbeService(prober *imapprober.Prober, retriever *imapprober.AutoRetriever) (*ProbeService, error) {
	if prober == nil {
		return nil, errors.New("prober is required")
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "probe_service",
		MaxRequests: uint32(maxConcurrentRequests),
		Timeout:     circuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	})

	return &ProbeService{
		prober:         prober,
		retriever:      retriever,
		rateLimiter:    rate.NewLimiter(rate.Limit(maxConcurrentRequests), maxConcurrentRequests),
		circuitBreaker: cb,
		metrics: &serviceMetrics{
			duration:   campaignOperationDuration,
			errors:     campaignOperationErrors,
			operations: campaignOperationTotal,
			active:     activeRequests,
		},
	}, nil
}

// DiscoverFolders connects to the account, runs folder discovery, and disconnects.
func (s *ProbeService) DiscoverFolders(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy, createMissing bool) ([]string, error) {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues("discover_folders"))
	defer timer.ObserveDuration()

	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.metrics.errors.WithLabelValues("discover_folders", "rate_limit").Inc()
		return nil, errors.Wrap(err, "rate limit exceeded")
	}

	result, err := s.circuitBreaker.Execute(func() (interface{}, error) {
		session, err := s.prober.Connect(ctx, account, proxy)
		if err != nil {
			return nil, err
		}
		defer session.Close()
		return session.Discover(ctx, createMissing)
	})
	if err != nil {
		s.metrics.errors.WithLabelValues("discover_folders", "execution").Inc()
		s.metrics.operations.WithLabelValues("discover_folders", "failure").Inc()
		return nil, errors.Wrap(err, "failed to discover folders")
	}

	s.metrics.operations.WithLabelValues("discover_folders", "success").Inc()
	return result.([]string), nil
}

// withSession connects, runs op on the live session, and disconnects, applying the
// service's rate limiter and circuit breaker around the whole exchange.
func (s *ProbeService) withSession(ctx context.Context, op string, account *models.IMAPAccount, proxy *models.Proxy, fn func(*imapprober.Session) (interface{}, error)) (interface{}, error) {
	timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues(op))
	defer timer.ObserveDuration()

	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.metrics.errors.WithLabelValues(op, "rate_limit").Inc()
		return nil, errors.Wrap(err, "rate limit exceeded")
	}

	result, err := s.circuitBreaker.Execute(func() (interface{}, error) {
		session, err := s.prober.Connect(ctx, account, proxy)
		if err != nil {
			return nil, err
		}
		defer session.Close()
		if _, err := session.Discover(ctx, false); err != nil {
			return nil, err
		}
		return fn(session)
	})
	if err != nil {
		s.metrics.errors.WithLabelValues(op, "execution").Inc()
		s.metrics.operations.WithLabelValues(op, "failure").Inc()
		return nil, errors.Wrapf(err, "%s failed", op)
	}

	s.metrics.operations.WithLabelValues(op, "success").Inc()
	return result, nil
}

// GetMessages pages through a folder's envelope metadata.
func (s *ProbeService) GetMessages(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy, folder string, limit, offset int) ([]imapprober.Message, error) {
	result, err := s.withSession(ctx, "get_messages", account, proxy, func(session *imapprober.Session) (interface{}, error) {
		return session.GetMessages(ctx, folder, limit, offset)
	})
	if err != nil {
		return nil, err
	}
	return result.([]imapprober.Message), nil
}

// GetMessage fetches and parses one message's full content.
func (s *ProbeService) GetMessage(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy, folder string, uid uint32) (imapprober.RawMessage, error) {
	result, err := s.withSession(ctx, "get_message", account, proxy, func(session *imapprober.Session) (interface{}, error) {
		return session.FetchRaw(folder, uid)
	})
	if err != nil {
		return imapprober.RawMessage{}, err
	}
	return result.(imapprober.RawMessage), nil
}

// MarkRead sets or clears the \Seen flag on one message.
func (s *ProbeService) MarkRead(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy, folder string, uid uint32, read bool) error {
	_, err := s.withSession(ctx, "mark_read", account, proxy, func(session *imapprober.Session) (interface{}, error) {
		return nil, session.MarkRead(folder, uid, read)
	})
	return err
}

// DeleteMessage removes one message permanently.
func (s *ProbeService) DeleteMessage(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy, folder string, uid uint32) error {
	_, err := s.withSession(ctx, "delete_message", account, proxy, func(session *imapprober.Session) (interface{}, error) {
		return nil, session.DeleteMessage(folder, uid)
	})
	return err
}

// AutoRetrieveStart schedules periodic retrieval for account at interval.
func (s *ProbeService) AutoRetrieveStart(ctx context.Context, account *models.IMAPAccount, proxy *models.Proxy, interval time.Duration) error {
	if s.retriever == nil {
		return errors.New("auto-retrieval is not configured")
	}
	if err := s.retriever.Start(ctx, account, proxy, interval); err != nil {
		s.metrics.errors.WithLabelValues("auto_retrieve_start", "execution").Inc()
		return err
	}
	s.metrics.operations.WithLabelValues("auto_retrieve_start", "success").Inc()
	return nil
}

// AutoRetrieveStop removes account's scheduled retrieval; it reports whether one was
// active.
func (s *ProbeService) AutoRetrieveStop(accountID string) (bool, error) {
	if s.retriever == nil {
		return false, errors.New("auto-retrieval is not configured")
	}
	active := s.retriever.Stop(accountID)
	s.metrics.operations.WithLabelValues("auto_retrieve_stop", "success").Inc()
	return active, nil
}
