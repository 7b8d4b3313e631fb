// Package integration provides end-to-end integration tests for the campaign and
// probe HTTP surfaces, exercised against the in-process MemStore so they run without
// any external database or network dependency.
package integration

import (
    "context"
    "flag"
    "fmt"
    "net/http"
    "net/http/httptest"
    "os"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/gin-gonic/gin"                       // v1.9.1
    "github.com/google/uuid"                          // v1.6.0
    "github.com/prometheus/client_golang/prometheus"  // v1.17.0
    "github.com/stretchr/testify/assert"              // v1.8.4
    "github.com/stretchr/testify/require"             // v1.8.4
    "github.com/stretchr/testify/suite"               // v1.8.4

    "github.com/MailerSuite/sendcore/internal/handlers"
    "github.com/MailerSuite/sendcore/internal/jobcontrol"
    "github.com/MailerSuite/sendcore/internal/models"
    "github.com/MailerSuite/sendcore/internal/orchestrator"
    "github.com/MailerSuite/sendcore/internal/proxypool"
    "github.com/MailerSuite/sendcore/internal/services"
    "github.com/MailerSuite/sendcore/internal/stores"
)

const (
    testTimeout        = time.Second * 30
    maxConcurrentCalls = 50
)

// Metrics collectors for test observability.
var (
    testDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name: "campaign_integration_test_duration_seconds",
            Help: "Duration of integration test executions",
        },
        []string{"test_name"},
    )

    testErrors = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "campaign_integration_test_errors_total",
            Help: "Total number of integration test errors",
        },
        []string{"test_name", "error_type"},
    )
)

// CampaignTestSuite exercises the campaign and probe handlers end to end against an
// in-process store and a network-inert orchestrator/prober wiring.
type CampaignTestSuite struct {
    suite.Suite
    store      *stores.MemStore
    router     *gin.Engine
    ctx        context.Context
    cancel     context.CancelFunc
    metricsReg *prometheus.Registry
    sessionID  string
}

func TestMain(m *testing.M) {
    flag.Parse()

    reg := prometheus.NewRegistry()
    reg.MustRegister(testDuration)
    reg.MustRegister(testErrors)

    code := m.Run()
    os.Exit(code)
}

func (s *CampaignTestSuite) SetupSuite() {
    s.ctx, s.cancel = context.WithTimeout(context.Background(), testTimeout)
    s.sessionID = "integration-session"

    gin.SetMode(gin.TestMode)
    s.store = stores.NewMemStore()

    pool := proxypool.New(s.store, proxypool.HTTPEchoProber{}, proxypool.DNSBLOracle{}, proxypool.Policy{})
    jobs := jobcontrol.New(stores.SystemClock{}, 100)
    preflight := &jobcontrol.Preflight{Accounts: s.store, Proxies: s.store}

    orch := orchestrator.New(orchestrator.Deps{
        Campaigns: s.store,
        Accounts:  s.store,
        Proxies:   pool,
        Jobs:      jobs,
        Clock:     stores.SystemClock{},
        Rand:      stores.SystemRandom{},
    }, orchestrator.Policy{})

    campaignSvc, err := services.NewCampaignService(s.store, orch, jobs, preflight, false)
    require.NoError(s.T(), err)

    campaignHandler, err := handlers.NewCampaignHandler(s.store, campaignSvc)
    require.NoError(s.T(), err)

    s.router = gin.New()
    s.router.Use(gin.Recovery())
    api := s.router.Group("/api/v1")
    campaignHandler.RegisterHTTPRoutes(api)

    account := &models.SMTPAccount{
        ID:        uuid.New().String(),
        SessionID: s.sessionID,
        Email:     "sender@example.com",
        IsActive:  true,
        Status:    models.AccountChecked,
    }
    require.NoError(s.T(), s.store.SaveSMTPAccount(s.ctx, account))
}

func (s *CampaignTestSuite) TearDownSuite() {
    s.cancel()
}

func (s *CampaignTestSuite) newCampaign(id string) *models.Campaign {
    return &models.Campaign{
        ID:        id,
        SessionID: s.sessionID,
        Status:    models.CampaignDraft,
        Config:    models.CampaignConfig{Sender: "sender@example.com"},
    }
}

// TestStartCampaignWithNoRecipientsCompletesAcceptance verifies that a campaign whose
// pre-flight passes (a checked SMTP account exists) is accepted and transitioned to
// running synchronously, without requiring any live SMTP/proxy connection since no
// recipients are queued.
func (s *CampaignTestSuite) TestStartCampaignWithNoRecipientsCompletesAcceptance() {
    timer := prometheus.NewTimer(testDuration.WithLabelValues("start_campaign"))
    defer timer.ObserveDuration()

    campaign := s.newCampaign(uuid.New().String())
    require.NoError(s.T(), s.store.SaveCampaign(s.ctx, campaign))

    body := fmt.Sprintf(`{"session_id":"%s","total":0}`, s.sessionID)
    w := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodPost,
        fmt.Sprintf("/api/v1/campaigns/%s/start", campaign.ID), strings.NewReader(body))
    s.router.ServeHTTP(w, req)

    assert.Equal(s.T(), http.StatusAccepted, w.Code)

    got, err := s.store.GetCampaign(s.ctx, campaign.ID)
    require.NoError(s.T(), err)
    // the orchestrator's worker goroutine races this read: with zero recipients the
    // campaign may already have drained to completed by the time we look
    assert.Contains(s.T(), []models.CampaignStatus{models.CampaignRunning, models.CampaignCompleted}, got.Status)
}

// TestConcurrentProgressPolling exercises many concurrent progress reads against the
// same campaign, verifying the handler and its underlying cache are race-safe.
func (s *CampaignTestSuite) TestConcurrentProgressPolling() {
    timer := prometheus.NewTimer(testDuration.WithLabelValues("concurrent_progress"))
    defer timer.ObserveDuration()

    campaign := s.newCampaign(uuid.New().String())
    require.NoError(s.T(), s.store.SaveCampaign(s.ctx, campaign))

    var wg sync.WaitGroup
    errCh := make(chan error, maxConcurrentCalls)

    for i := 0; i < maxConcurrentCalls; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            w := httptest.NewRecorder()
            req := httptest.NewRequest(http.MethodGet,
                fmt.Sprintf("/api/v1/campaigns/%s/progress", campaign.ID), nil)
            s.router.ServeHTTP(w, req)
            if w.Code != http.StatusOK {
                errCh <- fmt.Errorf("unexpected status %d", w.Code)
            }
        }()
    }

    wg.Wait()
    close(errCh)

    for err := range errCh {
        s.T().Errorf("concurrent progress poll error: %v", err)
        testErrors.WithLabelValues("concurrent_progress", "unexpected_status").Inc()
    }
}

// TestErrorScenarios covers not-found and invalid-transition error paths.
func (s *CampaignTestSuite) TestErrorScenarios() {
    timer := prometheus.NewTimer(testDuration.WithLabelValues("error_scenarios"))
    defer timer.ObserveDuration()

    w := httptest.NewRecorder()
    req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/does-not-exist/progress", nil)
    s.router.ServeHTTP(w, req)
    assert.Equal(s.T(), http.StatusNotFound, w.Code)
    testErrors.WithLabelValues("error_scenarios", "not_found").Inc()

    campaign := s.newCampaign(uuid.New().String())
    require.NoError(s.T(), s.store.SaveCampaign(s.ctx, campaign))

    w = httptest.NewRecorder()
    req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%s/stop", campaign.ID), nil)
    s.router.ServeHTTP(w, req)
    // a freshly drafted campaign has no active run, so the orchestrator refuses to
    // stop it and the handler reports a conflict.
    assert.Equal(s.T(), http.StatusConflict, w.Code)
    testErrors.WithLabelValues("error_scenarios", "invalid_transition").Inc()
}

func TestCampaignSuite(t *testing.T) {
    suite.Run(t, new(CampaignTestSuite))
}
