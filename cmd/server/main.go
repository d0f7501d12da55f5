package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/admin"
	"filtered-relation/internal/auth"
	"filtered-relation/internal/config"
	"filtered-relation/internal/engine"
	"filtered-relation/internal/events"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/notify"
	"filtered-relation/internal/relsync"
	"filtered-relation/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.WithFields(log.Fields{
		"port":   cfg.Server.Port,
		"driver": cfg.Database.Driver,
		"db":     cfg.Database.Name,
	}).Info("config loaded")

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.WithError(err).Fatal("failed to bootstrap system tables")
	}

	// 4. Load metadata; the dependency index is rebuilt on every load
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.WithError(err).Warn("failed to load metadata")
	}
	migrator := store.NewMigrator(db)

	// 5. Record store and change bus
	bus := events.NewBus()
	repo := engine.NewRepository(db, reg, bus)

	// 6. Refresh fan-out, optionally bridged across instances
	broadcaster := notify.NewBroadcaster()
	defer broadcaster.Shutdown()
	if cfg.Redis.Enabled {
		client, err := notify.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		bridge := notify.NewRedisBridge(client, cfg.Redis.Channel, broadcaster.Deliver)
		broadcaster.SetRemote(bridge)
		if err := bridge.Start(ctx); err != nil {
			log.WithError(err).Fatal("failed to start refresh bridge")
		}
		defer bridge.Close() //nolint:errcheck
	}

	// 7. Filtered-relation sync
	journal := relsync.NewSQLJournal(db.DB, db.Dialect)
	service := relsync.NewService(reg, repo, journal, broadcaster, relsync.Options{
		MaxCascadeDepth: cfg.Sync.MaxCascadeDepth,
	})
	service.Subscribe(bus)

	sweeper, err := relsync.NewTransitSweeper(journal, cfg.Sync.SweepInterval, cfg.Sync.TransitStaleAfter)
	if err != nil {
		log.WithError(err).Fatal("failed to create transit sweeper")
	}
	if err := sweeper.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start transit sweeper")
	}
	defer sweeper.Stop() //nolint:errcheck

	// 8. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	if cfg.Metrics.Enabled {
		prom := fiberprometheus.New("filtered_relation")
		prom.RegisterAt(app, "/metrics")
		app.Use(prom.Middleware)
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	notify.RegisterWebsocketRoutes(app, broadcaster)

	// 9. Routes. Login is public, everything after the middleware is not.
	api := app.Group("/api")
	authHandler := auth.NewHandler(db, cfg.JWTSecret)
	auth.RegisterRoutes(api, authHandler)

	api.Use(auth.Middleware(cfg.JWTSecret))
	api.Get("/auth/me", authHandler.Me)

	admin.RegisterRoutes(api, admin.NewHandler(db, reg, migrator), auth.RequireAdmin())
	relsync.RegisterRoutes(api, relsync.NewHandler(service))
	engine.RegisterDynamicRoutes(api, engine.NewHandler(repo, reg))

	// 10. Serve until signalled
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if err := app.Shutdown(); err != nil {
			log.WithError(err).Error("server shutdown")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.WithField("addr", addr).Info("starting server")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
