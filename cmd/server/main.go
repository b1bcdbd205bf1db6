package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"

	"lattice-backend/internal/api"
	"lattice-backend/internal/compute"
	"lattice-backend/internal/config"
	"lattice-backend/internal/docstore"
	"lattice-backend/internal/events"
	"lattice-backend/internal/instrument"
	"lattice-backend/internal/metadata"
	"lattice-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Load table and field definitions
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}

	// 5. Build the dependency graph from the loaded definitions
	graph := compute.NewGraph()
	for _, rebuildErr := range graph.Rebuild(reg) {
		log.Printf("WARN: dependency graph: %v", rebuildErr)
	}

	// 6. Document store with durable op log
	docs := docstore.NewMemStore()
	docs.SetPersister(store.NewOpLogWriter(db.DB, db.Dialect))

	// 7. Event bus and compute gateway
	bus := events.NewBus()
	gateway := compute.NewGateway(reg, graph, docs, compute.GatewayConfig{
		MaxRetries:  cfg.Compute.MaxRetries,
		QueueSize:   cfg.Compute.QueueSize,
		Workers:     cfg.Compute.Workers,
		EvalTimeout: cfg.Compute.EvalTimeout(),
	})
	gateway.Register(bus)
	defer gateway.Stop()

	// 8. Instrumentation buffer (postgres only; the pgx pool does batch writes)
	var instrumenter instrument.Instrumenter
	if cfg.Instrumentation.Enabled && !cfg.Database.IsSQLite() {
		pool, poolErr := pgxpool.New(ctx, cfg.Database.DSN())
		if poolErr != nil {
			log.Printf("WARN: instrumentation pool: %v", poolErr)
		} else {
			defer pool.Close()
			eventBuffer := instrument.NewEventBuffer(pool, cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
			defer eventBuffer.Stop()

			stopCleanup := instrument.CleanupLoop(ctx, db.DB, db.Dialect, cfg.Instrumentation.RetentionDays, 24*time.Hour)
			defer stopCleanup()

			instrumenter = instrument.NewInstrumenter(eventBuffer)
			gateway.SetInstrumenter(instrumenter)
		}
	}

	// 9. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	if instrumenter != nil {
		app.Use(instrument.Middleware(instrumenter))
	}

	// 10. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 11. Instrumentation query endpoints
	eventHandler := instrument.NewEventHandler(db.DB, db.Dialect)
	app.Get("/_events", eventHandler.List)
	app.Get("/_events/trace/:traceId", eventHandler.GetTrace)

	// 12. Schema and record routes
	schemaHandler := api.NewSchemaHandler(db, reg, graph, bus)
	recordHandler := api.NewRecordHandler(reg, docs, bus)
	api.RegisterRoutes(app, schemaHandler, recordHandler)

	// 13. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *api.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(api.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(api.ErrorResponse{
		Error: &api.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
