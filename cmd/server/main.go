package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/alerting"
	"github.com/pulseboard/pulseboard/pkg/auth"
	"github.com/pulseboard/pulseboard/pkg/bridge"
	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/downsample"
	"github.com/pulseboard/pulseboard/pkg/httpx"
	"github.com/pulseboard/pulseboard/pkg/ingest"
	"github.com/pulseboard/pulseboard/pkg/model"
	"github.com/pulseboard/pulseboard/pkg/notify"
	"github.com/pulseboard/pulseboard/pkg/query"
	"github.com/pulseboard/pulseboard/pkg/retention"
	"github.com/pulseboard/pulseboard/pkg/server"
	"github.com/pulseboard/pulseboard/pkg/stream"
)

const (
	serverReadTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second

	version = "1.0.0"
)

var startTime = time.Now()

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": version,
		"uptime":  time.Since(startTime).String(),
	})
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if lvl, err := log.ParseLevel(os.Getenv("PULSEBOARD_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	store, err := server.OpenStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to open storage")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := stream.NewBus(config.StreamBuffer)

	pipeline := ingest.NewPipeline(store, bus)
	pipeline.Start(ctx, config.IngestWorkers)

	var mailer notify.Mailer
	if cfg.SMTPHost != "" {
		mailer = notify.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom)
	} else {
		log.Warn("SMTP not configured, email notifications disabled")
	}
	dispatcher := notify.NewDispatcher(mailer)

	authn := auth.New(store)
	limiter := auth.NewRateLimiter(config.IngestRatePerMinute, config.IngestRateBurst)

	ingestHandler := ingest.NewHandler(pipeline)
	queryHandler := query.NewHandler(store)
	streamHandler := stream.NewHandler(store, bus)

	router := mux.NewRouter()
	router.Handle("/v1/metrics",
		authn.Middleware(limiter.Middleware(http.HandlerFunc(ingestHandler.HandleIngest)))).Methods(http.MethodPost)
	router.Handle("/v1/metrics",
		authn.Middleware(http.HandlerFunc(queryHandler.HandleMetrics))).Methods(http.MethodGet)
	router.Handle("/v1/alerts",
		authn.Middleware(http.HandlerFunc(queryHandler.HandleAlerts))).Methods(http.MethodGet)
	router.HandleFunc("/v1/stream/{tenant}", streamHandler.HandleSSE).Methods(http.MethodGet)
	router.HandleFunc("/v1/ws/{tenant}", streamHandler.HandleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/v1/health", handleHealth).Methods(http.MethodGet)

	downsampler := downsample.New(store)
	go server.RunPeriodic(ctx, "downsample-1m", config.Downsample1mInterval, func(ctx context.Context) error {
		return downsampler.Run(ctx, model.Resolution1m, time.Time{})
	})
	go server.RunPeriodic(ctx, "downsample-5m", config.Downsample5mInterval, func(ctx context.Context) error {
		return downsampler.Run(ctx, model.Resolution5m, time.Time{})
	})

	enforcer := retention.New(store)
	go server.RunPeriodic(ctx, "retention", config.RetentionInterval, func(ctx context.Context) error {
		_, err := enforcer.Run(ctx)
		return err
	})

	evaluator := alerting.New(store, dispatcher)
	go server.RunPeriodic(ctx, "alert-evaluation", config.EvaluationInterval, evaluator.Run)

	go server.RunBadgerGC(ctx, store, config.BadgerGCInterval)

	if cfg.MQTTBroker != "" {
		b := bridge.New(bridge.Config{
			BrokerURL: cfg.MQTTBroker,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, store, pipeline)
		go func() {
			if err := b.Run(ctx); err != nil {
				log.WithError(err).Error("MQTT bridge stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: serverReadTimeout,
		// No WriteTimeout: SSE and WebSocket connections stay open for
		// up to the max session length.
	}

	go func() {
		log.WithFields(log.Fields{"port": cfg.Port}).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}

	cancel()
	pipeline.Stop()

	if err := store.Close(); err != nil {
		log.WithError(err).Error("Storage close error")
	}
	log.Info("Server stopped")
}
