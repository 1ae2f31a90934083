package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/cache"
	"github.com/smsgw/sms-gateway/internal/config"
	"github.com/smsgw/sms-gateway/internal/configcache"
	"github.com/smsgw/sms-gateway/internal/configsync"
	"github.com/smsgw/sms-gateway/internal/gate"
	"github.com/smsgw/sms-gateway/internal/idempotency"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/metrics"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/quota"
)

const serviceName = "admission-gateway"

func main() {
	cfg := config.Load(serviceName)
	log := logger.New(serviceName)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to Redis", "error", err.Error())
	}
	defer redisClient.Close()

	bus, err := broker.Connect(cfg.NATSURL, serviceName, log)
	if err != nil {
		log.Fatal("failed to connect to broker", "error", err.Error())
	}
	defer bus.Close()

	configCache := configcache.New(cfg.StateCachePath)
	warmStart(configCache, cfg, log)

	subscriber := configsync.NewSubscriber(bus, configCache, log)
	if err := subscriber.Start(); err != nil {
		log.Fatal("failed to start config sync", "error", err.Error())
	}

	go heartbeatLoop(ctx, bus, configCache, cfg.HeartbeatInterval, log)

	handler := NewHandler(
		configCache,
		gate.New(cfg.ProviderGateEnabled),
		quota.NewEnforcer(redisClient, cfg.QuotaPrefix, cfg.QuotaWindow),
		bus,
		redisClient,
		log,
	)
	idem := idempotency.NewMiddleware(redisClient, cfg.IdempotencyTTL, log)

	router := mux.NewRouter()
	router.Use(handler.Recover)
	router.Handle("/api/v1/sms/send", idem.Handler(http.HandlerFunc(handler.SendMessage))).Methods(http.MethodPost)
	router.HandleFunc("/healthz", handler.Healthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", handler.Readyz).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("admission gateway listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err.Error())
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
	}
}

// warmStart primes the config cache before the first broadcast arrives.
// Persisted state wins; the YAML bootstrap is the cold-start fallback.
func warmStart(configCache *configcache.Cache, cfg *config.Config, log *logger.Logger) {
	if configCache.LoadState() {
		log.Info("config cache warmed from persisted state", "path", cfg.StateCachePath)
		return
	}

	payload, err := configcache.LoadBootstrap(cfg.BootstrapPath)
	if err != nil {
		log.Warn("no persisted state and no bootstrap config, starting empty",
			"bootstrap_path", cfg.BootstrapPath, "error", err.Error())
		return
	}
	if err := configCache.ApplyState(payload); err != nil {
		log.Error("bootstrap config rejected, starting empty", "error", err.Error())
		return
	}

	if raw, err := json.Marshal(payload); err == nil {
		if err := configCache.SaveState(raw); err != nil {
			log.Warn("failed to persist bootstrap state", "error", err.Error())
		}
	}
	log.Info("config cache warmed from bootstrap", "path", cfg.BootstrapPath)
}

// heartbeatLoop announces liveness and the config fingerprint so drift
// between gateway instances is visible
func heartbeatLoop(ctx context.Context, bus *broker.Conn, configCache *configcache.Cache, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := models.Heartbeat{
				Service:                serviceName,
				Timestamp:              time.Now().UTC().Format(time.RFC3339),
				ConfigCacheFingerprint: configCache.Fingerprint(),
			}
			if err := bus.PublishJSON(broker.SubjectHeartbeat, hb); err != nil {
				log.Warn("failed to publish heartbeat", "error", err.Error())
			}
		}
	}
}
