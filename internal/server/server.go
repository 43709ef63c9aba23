package server

import (
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	httpapi "github.com/flatnas/scripthost/internal/api/http"
	"github.com/flatnas/scripthost/internal/api/middleware"
	"github.com/flatnas/scripthost/internal/api/ws"
	"github.com/flatnas/scripthost/internal/bus"
	"github.com/flatnas/scripthost/internal/host"
	"github.com/flatnas/scripthost/internal/infrastructure/config"
	"github.com/flatnas/scripthost/internal/infrastructure/logging"
	"github.com/flatnas/scripthost/internal/infrastructure/monitoring"
	"github.com/flatnas/scripthost/internal/script"
)

// Namespace is the event-bus prefix shared with every collaborator in
// the host environment.
const Namespace = "flatnas"

// Server wraps the HTTP server and dependencies.
type Server struct {
	router  *gin.Engine
	manager *script.Manager
	logger  *logging.Logger
	config  *config.Config
}

// New creates a fully wired server instance.
func New(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		l, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: false,
			OutputPaths: []string{"stdout"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		logger = l
	}

	logger.Info("initializing scripthost",
		zap.String("port", cfg.Server.Port),
		zap.Int("debounce_ms", cfg.Script.DebounceQuietMS),
	)

	metrics := monitoring.NewMetrics(nil)

	pageHTML := ""
	if cfg.Host.PagePath != "" {
		data, err := os.ReadFile(cfg.Host.PagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read host page: %w", err)
		}
		pageHTML = string(data)
	}
	doc, err := host.New(pageHTML, logger)
	if err != nil {
		return nil, err
	}

	eventBus := bus.New(Namespace, logger)
	styles := host.NewStyleStore(host.Passthrough{}, logger)

	manager := script.NewManager(script.Config{
		DebounceQuiet:  time.Duration(cfg.Script.DebounceQuietMS) * time.Millisecond,
		ExecTimeout:    time.Duration(cfg.Script.ExecTimeoutMS) * time.Millisecond,
		MaxScriptBytes: cfg.Script.MaxScriptBytes,
	}, doc, eventBus, logger, metrics)

	fetcher := script.NewFetcher(
		time.Duration(cfg.Script.FetchTimeoutMS)*time.Millisecond,
		cfg.Script.MaxScriptBytes,
	)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := httpapi.NewHandlers(manager, doc, styles, eventBus, fetcher, logger, metrics)
	wsHandler := ws.NewHandler(eventBus, logger, metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	router.PUT("/api/custom", handlers.ApplyCustom)
	router.GET("/api/custom", handlers.GetCustom)
	router.DELETE("/api/custom", handlers.DeleteCustom)

	router.POST("/api/host/mutate", handlers.MutateHost)
	router.POST("/api/events", handlers.EmitEvent)
	router.GET("/page", handlers.GetPage)

	router.GET("/stream", wsHandler.HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info("server initialized")

	return &Server{
		router:  router,
		manager: manager,
		logger:  logger,
		config:  cfg,
	}, nil
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close tears down the active script generation and flushes logs.
func (s *Server) Close() error {
	s.logger.Info("shutting down")
	s.manager.Destroy()
	s.logger.Sync()
	return nil
}
