// Command arserver runs the orchestration hub: the WebSocket gateway for
// editor clients, the RPC dispatcher and the connections to the project,
// scene, build and execution services.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	buildsvc "github.com/arserver/arserver/internal/clients/build"
	storesvc "github.com/arserver/arserver/internal/clients/project"
	scenesvc "github.com/arserver/arserver/internal/clients/scene"
	"github.com/arserver/arserver/internal/common/config"
	"github.com/arserver/arserver/internal/common/logger"
	"github.com/arserver/arserver/internal/events/bus"
	"github.com/arserver/arserver/internal/execution"
	"github.com/arserver/arserver/internal/gateway/websocket"
	"github.com/arserver/arserver/internal/lock"
	"github.com/arserver/arserver/internal/objecttypes"
	"github.com/arserver/arserver/internal/server"
	"github.com/arserver/arserver/internal/session"
)

func main() {
	var (
		verbose      = pflag.BoolP("verbose", "v", false, "info-level logging")
		debug        = pflag.BoolP("debug", "d", false, "debug-level logging")
		asyncioDebug = pflag.Bool("asyncio-debug", false, "accepted for platform compatibility, no effect")
		showVersion  = pflag.Bool("version", false, "print the hub version and exit")
		showAPI      = pflag.Bool("api_version", false, "print the protocol version and exit")
		swagger      = pflag.Bool("swagger", false, "print the RPC catalogue as JSON and exit")
	)
	pflag.Parse()
	_ = asyncioDebug

	if *showVersion {
		fmt.Println(server.Version)
		return
	}
	if *showAPI {
		fmt.Println(server.APIVersion)
		return
	}

	if err := run(*verbose, *debug, *swagger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(verbose, debug, swagger bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	} else if verbose {
		cfg.Logging.Level = "info"
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	store := storesvc.NewHTTPClient(cfg.Project.URL)
	sim := scenesvc.NewHTTPClient(cfg.Scene.URL)
	build := buildsvc.NewHTTPClient(cfg.Build.URL)

	registry := objecttypes.NewRegistry(store, objecttypes.NewManifestIntrospector(), log)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("loading object types: %w", err)
	}

	locks := lock.NewManager(cfg.Lock.Retries, cfg.Lock.RetryWait(), log)
	sessions := session.NewManager(log)
	bridge := execution.NewBridge(cfg.Execution.URL, log)
	go bridge.Run(ctx)
	defer bridge.Close()

	core := server.New(server.Deps{
		Config:   cfg,
		Logger:   log,
		Bus:      eventBus,
		Sessions: sessions,
		Locks:    locks,
		Types:    registry,
		Store:    store,
		Sim:      sim,
		Build:    build,
		Bridge:   bridge,
	})
	if swagger {
		fmt.Println(core.Catalogue())
		return nil
	}

	hub := websocket.NewHub(core, log)
	hub.SetWelcomeProvider(core.WelcomeEvents)
	hub.SetDisconnectListener(core.OnClientGone)
	if err := hub.Subscribe(eventBus); err != nil {
		return fmt.Errorf("attaching gateway to event bus: %w", err)
	}
	go hub.Run(ctx)

	sessions.SetProber(hub, hub)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	wsHandler := websocket.NewHandler(hub, log)
	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ARServer listening",
			zap.String("addr", addr),
			zap.String("version", server.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	core.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Gateway shutdown failed", zap.Error(err))
	}
	return nil
}
