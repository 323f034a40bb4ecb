// Package server exposes the intake dialogue over HTTP.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/earlysignal/intake/config"
	"github.com/earlysignal/intake/internal/cluster"
	"github.com/earlysignal/intake/internal/dialogue"
	"github.com/earlysignal/intake/internal/extractor"
	"github.com/earlysignal/intake/internal/geo"
	"github.com/earlysignal/intake/internal/store"
	"github.com/earlysignal/intake/provider"
	"github.com/earlysignal/intake/session"
)

func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}

	// Initialize shared dependencies (top-level DI)
	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn, cfg.Storage.ReportHashKey)
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(session.StoreType(cfg.Session.Backend), cfg.Storage, cfg.Session.TTL)
	if err != nil {
		return err
	}
	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	var geocoder geo.Geocoder = geo.Nop{}
	if cfg.Geocoding.APIKey != "" {
		geocoder = geo.NewClient(cfg.Geocoding.APIKey, cfg.Geocoding.Endpoint, cfg.Geocoding.Timeout)
	}

	fields := extractor.New(llm, cfg.LLM.Timeout)
	aggregator := cluster.New(st, cfg.Cluster)
	engine := dialogue.NewEngine(sessions, fields, aggregator, st, geocoder, cfg.LLM.ConfidenceThreshold)

	api := e.Group("/api")
	ch := &ChatHandler{Engine: engine}
	ch.Register(api)
	rh := &ReportsHandler{Store: st, Cluster: cfg.Cluster}
	rh.Register(api)

	janitor := &Janitor{Sessions: sessions, Cron: cfg.Session.CleanupCron, Stop: make(chan struct{})}
	janitor.Start()

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
