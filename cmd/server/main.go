package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"stagelink/internal/core/services"
	httphandlers "stagelink/internal/handlers/http"
	"stagelink/internal/infrastructure/egress"
	"stagelink/internal/infrastructure/engine"
	"stagelink/internal/infrastructure/middleware"
	"stagelink/internal/infrastructure/monitoring"
	repositories "stagelink/internal/infrastructure/repositories"
	"stagelink/internal/infrastructure/signal"
	"stagelink/pkg/config"
	"stagelink/pkg/logger"
	"stagelink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/stagelink/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Tracing (no-op when disabled)
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "stagelink",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	// Repositories
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	roomRepo := repoFactory.CreateRoomRepository()
	sessionStore := repoFactory.CreateSessionStore(roomRepo)

	// Services
	roomService := services.NewRoomService(
		roomRepo,
		sessionStore,
		cfg.Rooms.DefaultMaxViewers,
		cfg.Rooms.SessionMaxIdle,
		log,
	)
	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.OperatorKey,
	)

	// Monitoring
	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := roomService.EnsureDefaultRoom(rootCtx); err != nil {
		log.Fatalw("failed to create default room", "error", err)
	}

	// Media engine
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.Engine.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	engineCfg := engine.Config{
		Workers:    cfg.Engine.Workers,
		ICEServers: iceServers,
	}
	engineCfg.PortRange.Min = cfg.Engine.PortRange.Min
	engineCfg.PortRange.Max = cfg.Engine.PortRange.Max

	mediaEngine, err := engine.New(engineCfg, log)
	if err != nil {
		log.Fatalw("failed to start media engine", "error", err)
	}
	defer mediaEngine.Close()

	graph := services.NewGraphService(mediaEngine, cfg.Engine.OperationTimeout, graphMetrics(collector), log)
	go graph.Run(rootCtx)

	// Egress
	runner := egress.NewFFmpegRunner(cfg.Egress.BinaryPath, log)
	egressController := egress.NewController(egress.Config{
		OutputDir:       cfg.Egress.OutputDir,
		SegmentDuration: cfg.Egress.SegmentDuration,
		PlaylistLength:  cfg.Egress.PlaylistLength,
		CoalesceWindow:  cfg.Egress.CoalesceWindow,
		StopTimeout:     cfg.Egress.StopTimeout,
	}, graph, runner, egressMetrics(collector), log)
	go egressController.Run(rootCtx)

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddRoomRepositoryCheck(roomRepo, 2*time.Second)
	healthChecker.AddEngineCheck(mediaEngine, time.Second)

	// Signaling
	wsServer := signal.NewWebSocketServer(roomService, graph, signal.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		ConsumerResume: cfg.Signal.ConsumerResume,
	}, signalMetrics(collector), log)
	go wsServer.RunFailureWatcher(rootCtx)

	// Idle session sweeper; swept sessions go through the websocket
	// cleanup path so their media handles and room peers are not left
	// behind.
	go roomService.RunSweeper(rootCtx, cfg.Rooms.SweepInterval, wsServer.ReapSession)

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL)
	authHandler.SetupRoutes(router)

	roomHandler := httphandlers.NewRoomHandler(roomService, graph, egressController, roomMetrics(collector))
	public := router.Group("/api/v1")
	protected := router.Group("/api/v1")
	protected.Use(middleware.AuthMiddleware(authService))
	roomHandler.SetupRoutes(public, protected)

	hlsHandler := httphandlers.NewHLSHandler(cfg.Egress.OutputDir)
	hlsHandler.SetupRoutes(router)

	router.GET("/ws", func(c *gin.Context) {
		wsServer.HandleWebSocket(c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := healthChecker.CheckAll(ctx)
		if status.Status != "healthy" {
			c.JSON(503, status)
			return
		}
		c.JSON(200, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("starting stagelink server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}

	rootCancel()
	egressController.StopAll(shutdownCtx)

	if err := mediaEngine.Close(); err != nil {
		log.Errorw("error closing media engine", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("stagelink server stopped")
}

// The helpers below avoid passing a typed nil into an interface field.

func signalMetrics(collector *monitoring.PrometheusCollector) signal.Metrics {
	if collector == nil {
		return nil
	}
	return collector
}

func graphMetrics(collector *monitoring.PrometheusCollector) services.GraphMetrics {
	if collector == nil {
		return nil
	}
	return collector
}

func egressMetrics(collector *monitoring.PrometheusCollector) egress.Metrics {
	if collector == nil {
		return nil
	}
	return collector
}

func roomMetrics(collector *monitoring.PrometheusCollector) httphandlers.RoomMetrics {
	if collector == nil {
		return nil
	}
	return collector
}
