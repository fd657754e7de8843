package main

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/bridge"
	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/domain/delivery"
	"github.com/ehr/hl7bridge/internal/platform/auth"
	"github.com/ehr/hl7bridge/internal/platform/db"
	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/internal/platform/middleware"
	"github.com/ehr/hl7bridge/internal/platform/telemetry"
	"github.com/ehr/hl7bridge/internal/translate"
)

// server holds everything runServer starts and stops.
type server struct {
	echo    *echo.Echo
	app     *bridge.Application
	mllp    *hl7v2.MLLPServer
	metrics *telemetry.Metrics
}

// newServer wires the translator, downstream client, coordinator and both
// transports. Nothing is started. pool may be nil when no database is
// configured; the journal then lives in memory.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*server, error) {
	var journal delivery.AttemptRepository
	if pool != nil {
		journal = delivery.NewPGRepository(pool)
	} else {
		journal = delivery.NewMemoryRepository(1000)
	}

	keys, err := cfg.APIKeys()
	if err != nil {
		return nil, err
	}

	client, err := bridge.NewDownstream(ctx, cfg.Downstream(), logger)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewMetrics()
	coordinator := bridge.NewCoordinator(
		translate.New(translate.WithDestination(client.BaseURL())),
		client,
		logger,
		bridge.WithJournal(journal),
		bridge.WithDeadline(cfg.DeliveryDeadline),
		bridge.WithEndpoint(client.BaseURL()),
		bridge.WithObserver(metrics),
	)
	app := bridge.NewApplication(coordinator, bridge.NewAckBuilder(cfg.Policy()), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(metrics.Middleware())
	e.Use(auth.APIKeyMiddleware(keys, auth.AuthSkipper))
	if keys.Len() == 0 {
		logger.Warn().Msg("INBOUND_API_KEYS not set, HTTP endpoints accept unauthenticated requests")
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.Handler())

	inbound := e.Group("",
		middleware.RateLimit(cfg.RateLimit()),
		middleware.BodyLimit(cfg.BodyLimit),
	)
	hl7v2.NewHandler(app, logger).RegisterRoutes(inbound)

	apiV1 := e.Group("/api/v1")
	delivery.NewHandler(journal).RegisterRoutes(apiV1)

	s := &server{echo: e, app: app, metrics: metrics}
	if cfg.MLLPAddr != "" {
		s.mllp = hl7v2.NewMLLPServer(cfg.MLLPAddr, app, logger)
	}
	return s, nil
}
