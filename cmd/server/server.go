// Package server wires the send/verify core's components into one running process:
// HTTP handlers over gin, a gRPC health endpoint, a Prometheus metrics endpoint, and
// graceful shutdown of all three.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"                      // v1.9.1
	"github.com/prometheus/client_golang/prometheus" // v1.17.0
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker" // v0.5.0
	"go.uber.org/zap"           // v1.26.0
	"golang.org/x/time/rate"    // v0.3.0
	"google.golang.org/grpc"    // v1.58.2
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/MailerSuite/sendcore/internal/bootstrap"
	"github.com/MailerSuite/sendcore/internal/config"
	"github.com/MailerSuite/sendcore/internal/handlers"
	"github.com/MailerSuite/sendcore/internal/imapprober"
	"github.com/MailerSuite/sendcore/internal/jobcontrol"
	"github.com/MailerSuite/sendcore/internal/services"
)

const (
	defaultShutdownTimeout = time.Second * 60
	defaultRequestTimeout  = time.Second * 30
)

// Server represents the main server instance: HTTP router, gRPC health server, and
// Prometheus metrics server, sharing the wired-up core underneath.
type Server struct {
	cfg            *config.Config
	httpServer     *http.Server
	grpcServer     *grpc.Server
	metricsServer  *http.Server
	healthCheck    *health.Server
	logger         *zap.Logger
	rateLimiter    *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
	scheduler      *imapprober.Scheduler
	retriever      *imapprober.AutoRetriever
	shutdownTimeout time.Duration
	wg             sync.WaitGroup
}

// Metrics collectors.
var (
	serverUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sendcore_server_uptime_seconds",
		Help: "Time since server startup in seconds",
	})

	activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sendcore_server_active_connections",
		Help: "Number of active connections by protocol",
	}, []string{"protocol"})
)

func init() {
	prometheus.MustRegister(serverUptime)
	prometheus.MustRegister(activeConnections)
}

// NewServer constructs a Server: it validates cfg, opens the store, wires the full
// send/verify core, and registers HTTP/gRPC/metrics endpoints.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	c, err := bootstrap.Build(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("failed to wire core: %w", err)
	}

	campaignService, err := services.NewCampaignService(c.Store, c.Orch, c.Jobs, c.Preflight, cfg.Proxy.IPLeakPrevention)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize campaign service: %w", err)
	}
	retriever := imapprober.NewAutoRetriever(c.Prober, logger)
	probeService, err := services.NewProbeService(c.Prober, retriever)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize probe service: %w", err)
	}
	accountService, err := services.NewAccountService(c.Store, jobcontrol.DirectSMTPTester{}, c.Prober, nil, cfg.SMTP.CheckTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize account service: %w", err)
	}

	campaignHandler, err := handlers.NewCampaignHandler(c.Store, campaignService)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize campaign handler: %w", err)
	}
	probeHandler, err := handlers.NewProbeHandler(c.Store, c.Store, probeService)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize probe handler: %w", err)
	}
	accountHandler, err := handlers.NewAccountHandler(c.Store, accountService)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize account handler: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(100), 100)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "server_breaker",
		MaxRequests: 100,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	})

	router := gin.New()
	router.Use(gin.Recovery())
	api := router.Group("/api/v1")
	campaignHandler.RegisterHTTPRoutes(api)
	probeHandler.RegisterHTTPRoutes(api)
	accountHandler.RegisterHTTPRoutes(api)

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     time.Minute * 5,
			MaxConnectionAge:      time.Hour,
			MaxConnectionAgeGrace: time.Minute,
			Time:                  time.Minute,
			Timeout:               time.Second * 20,
		}),
	)
	healthCheck := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthCheck)

	scheduler := imapprober.NewScheduler(c.Prober, func(context.Context) ([]imapprober.ScheduledTarget, error) {
		return nil, nil // no accounts registered for auto-retrieval until a caller configures one
	}, logger)

	return &Server{
		cfg:             cfg,
		logger:          logger,
		rateLimiter:     limiter,
		circuitBreaker:  cb,
		healthCheck:     healthCheck,
		scheduler:       scheduler,
		shutdownTimeout: defaultShutdownTimeout,
		retriever:       retriever,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  defaultRequestTimeout,
			WriteTimeout: defaultRequestTimeout,
		},
		grpcServer: grpcServer,
		metricsServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port+2),
			Handler: promhttp.Handler(),
		},
	}, nil
}

// Start initializes and starts the HTTP, gRPC, and metrics servers, each in its own
// goroutine. It does not start the IMAP Scheduler built in New.
func (s *Server) Start() error {
	go func() {
		start := time.Now()
		for {
			serverUptime.Set(time.Since(start).Seconds())
			time.Sleep(time.Second)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.logger.Info("starting HTTP server", zap.String("addr", addr))
		activeConnections.WithLabelValues("http").Inc()
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
		activeConnections.WithLabelValues("http").Dec()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr := fmt.Sprintf(":%d", s.cfg.Port+1)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("failed to start gRPC listener", zap.Error(err))
			return
		}
		s.logger.Info("starting gRPC server", zap.String("addr", addr))
		activeConnections.WithLabelValues("grpc").Inc()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
		activeConnections.WithLabelValues("grpc").Dec()
	}()

	if s.cfg.Metrics.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			addr := fmt.Sprintf(":%d", s.cfg.Port+2)
			s.logger.Info("starting metrics server", zap.String("addr", addr))
			if err := s.metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				s.logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	return nil
}

// Shutdown performs a graceful shutdown of all servers and the scheduler.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	s.healthCheck.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.scheduler.Stop()
	s.retriever.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	s.grpcServer.GracefulStop()

	if s.cfg.Metrics.Enabled {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		s.logger.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown deadline exceeded")
	}

	return s.logger.Sync()
}
