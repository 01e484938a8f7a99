package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"playback-engine/internal/loop"
	"playback-engine/internal/platform/config"
	"playback-engine/internal/platform/logger"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	displayHz := config.GetEnvFloat("DISPLAY_HZ", 60)
	eventLogSize := config.GetEnvInt("EVENT_LOG_SIZE", server.DefaultEventCapacity)
	fetchRate := config.GetEnvFloat("FETCH_RATE", 0)

	log := logger.New(logLevel, logFormat)

	query, err := url.ParseQuery(config.GetEnv("PLAYBACK_QUERY", ""))
	if err != nil {
		log.Error("invalid PLAYBACK_QUERY", "error", err)
		os.Exit(1)
	}
	settings := config.ParseSettings(query, config.DefaultSettings())

	var limiter *rate.Limiter
	if fetchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(fetchRate), max(1, int(fetchRate)))
	}

	met := metrics.New()
	events := server.NewEventLog(eventLogSize)
	l := loop.NewReal()

	p, err := build(buildOptions{
		Loop:      l,
		Logger:    log,
		Metrics:   met,
		DisplayHz: displayHz,
		Settings:  settings,
		MediaFile: config.GetEnv("MEDIA_FILE", ""),
		MediaDir:  config.GetEnv("MEDIA_DIR", ""),
		BaseURL:   config.GetEnv("MEDIA_BASE_URL", ""),
		Limiter:   limiter,
		OnEvent:   events.Record,
	})
	if err != nil {
		log.Error("playback setup failed", "error", err)
		os.Exit(1)
	}

	svc := server.NewService(l, p.transport, p.state)
	h := server.NewHandler(svc, events, log, met)
	srv := &http.Server{Addr: ":" + port, Handler: server.NewRouter(h, log, met)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Run(loopCtx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := l.Call(shutdownCtx, func() error {
			p.close()
			return nil
		}); cerr != nil {
			log.Warn("engine close failed", "error", cerr)
		}
		stopLoop()
		return err
	})

	log.Info("server starting",
		"port", port,
		"media_id", p.mediaID,
		"tracks", p.tracks,
		"display_hz", displayHz,
		"safe_mode", settings.SafeMode,
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
