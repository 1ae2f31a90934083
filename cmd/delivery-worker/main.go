package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/smsgw/sms-gateway/internal/broker"
	"github.com/smsgw/sms-gateway/internal/config"
	"github.com/smsgw/sms-gateway/internal/configsync"
	"github.com/smsgw/sms-gateway/internal/database"
	"github.com/smsgw/sms-gateway/internal/logger"
	"github.com/smsgw/sms-gateway/internal/metrics"
	"github.com/smsgw/sms-gateway/internal/models"
	"github.com/smsgw/sms-gateway/internal/policy"
	"github.com/smsgw/sms-gateway/internal/provider"
	"github.com/smsgw/sms-gateway/internal/websocket"
)

const serviceName = "delivery-worker"

func main() {
	cfg := config.Load(serviceName)
	log := logger.New(serviceName)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err.Error())
	}
	defer db.Close()

	store := NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal("failed to ensure schema", "error", err.Error())
	}

	bus, err := broker.Connect(cfg.NATSURL, serviceName, log)
	if err != nil {
		log.Fatal("failed to connect to broker", "error", err.Error())
	}
	defer bus.Close()

	hub := websocket.NewHub(log)
	go hub.Run()

	publisher := configsync.NewPublisher(bus, store, hub, log)
	if err := publisher.PublishFullState(ctx); err != nil {
		log.Warn("initial config broadcast failed", "error", err.Error())
	}
	go publisher.Run(ctx, cfg.BroadcastInterval)

	consumer := NewConsumer(store, bus, hub, log)
	if err := consumer.Start(); err != nil {
		log.Fatal("failed to start envelope consumer", "error", err.Error())
	}

	adapters := func(p models.Provider) (provider.Adapter, error) {
		return provider.New(p, cfg.ProviderTimeout)
	}
	failover := NewFailover(store, bus, hub, policy.NewEngine(cfg.SmartStrategy),
		adapters, cfg.MaxSendAttempts, cfg.RetryBackoffBase, log)

	dispatcher := NewDispatcher(store, failover, cfg.DispatchInterval,
		cfg.DispatchBatchSize, cfg.SendWorkers, log)
	go dispatcher.Run(ctx)

	webhooks := NewWebhookHandler(store, hub, log)
	admin := NewAdminHandler(store, publisher, log)

	router := mux.NewRouter()
	router.HandleFunc("/webhooks/dlr/{provider}", webhooks.DeliveryReport).Methods(http.MethodPost)
	router.HandleFunc("/messages/{tracking_id}", webhooks.MessageStatus).Methods(http.MethodGet)
	router.HandleFunc("/admin/users/{api_key}", admin.UpsertUser).Methods(http.MethodPut)
	router.HandleFunc("/admin/users/{api_key}", admin.DeleteUser).Methods(http.MethodDelete)
	router.HandleFunc("/admin/providers/{name}", admin.UpsertProvider).Methods(http.MethodPut)
	router.HandleFunc("/admin/providers/{name}", admin.DeleteProvider).Methods(http.MethodDelete)
	router.HandleFunc("/ws", hub.ServeWs)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]interface{}{"broker": "ok"}
		status := http.StatusOK
		dbHealth := db.Health()
		checks["database"] = dbHealth
		if dbHealth["status"] != "healthy" {
			status = http.StatusServiceUnavailable
		}
		if !bus.IsConnected() {
			checks["broker"] = "disconnected"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, checks)
	}).Methods(http.MethodGet)
	router.HandleFunc("/ws/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.GetStats())
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("delivery worker listening", "port", cfg.Port)
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
