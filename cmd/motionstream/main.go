package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flexion-data/motionstream/internal/api"
	"github.com/flexion-data/motionstream/internal/backpressure"
	"github.com/flexion-data/motionstream/internal/breaker"
	"github.com/flexion-data/motionstream/internal/broadcast"
	"github.com/flexion-data/motionstream/internal/config"
	"github.com/flexion-data/motionstream/internal/connmgr"
	"github.com/flexion-data/motionstream/internal/notify"
	"github.com/flexion-data/motionstream/internal/pipeline"
	"github.com/flexion-data/motionstream/internal/session"
	sigproc "github.com/flexion-data/motionstream/internal/signal"
	"github.com/flexion-data/motionstream/internal/storage"
	"github.com/flexion-data/motionstream/internal/syncqueue"
	"github.com/flexion-data/motionstream/internal/timeutil"
	"github.com/flexion-data/motionstream/internal/version"
)

var (
	listen     = flag.String("listen", ":8080", "Listen address")
	configPath = flag.String("config", "", "Path to JSON config file (defaults apply when empty)")
	dbFile     = flag.String("db", "motionstream.db", "Path to SQLite database file")
	mqttBroker = flag.String("mqtt", "", "MQTT broker URL for anomaly notifications (disabled when empty)")
)

func main() {
	flag.Parse()

	log.Printf("motionstream %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("Loaded config from %s", *configPath)
	}

	db, err := storage.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	clock := timeutil.RealClock{}
	logger := log.Default()

	// One breaker per downstream: metrics/batch persistence and anomaly
	// notification fail independently.
	breakerCfg := breaker.Config{
		ConsecutiveFailures: cfg.GetBreakerFailureThreshold(),
		FailureRate:         cfg.GetBreakerFailureRate(),
		WindowSize:          cfg.GetBreakerWindowSize(),
		ResetTimeout:        cfg.GetBreakerResetTimeout(),
		CallTimeout:         cfg.GetBreakerCallTimeout(),
	}
	storageBreaker := breaker.New(withName(breakerCfg, "storage"), clock, logger)
	notifyBreaker := breaker.New(withName(breakerCfg, "notify"), clock, logger)

	var notifier notify.Notifier = notify.NopNotifier{}
	if *mqttBroker != "" {
		hostname, _ := os.Hostname()
		mq, err := notify.NewMQTTNotifier(notify.Config{
			Broker:   *mqttBroker,
			ClientID: "motionstream-" + hostname,
		})
		if err != nil {
			log.Fatalf("Failed to connect MQTT notifier: %v", err)
		}
		notifier = mq
		log.Printf("Anomaly notifications enabled via %s", *mqttBroker)
	}
	defer notifier.Close()

	agg := session.NewAggregator(clock)
	flusher := session.NewFlusher(agg, db, storageBreaker, cfg.GetMetricsFlushInterval(), clock, logger)

	manager := connmgr.NewManager(connmgr.Config{
		MaxConnections:        cfg.GetConnectionCeiling(),
		HeartbeatInterval:     cfg.GetHeartbeatInterval(),
		MaxValidationFailures: cfg.GetValidationFailureLimit(),
	}, connmgr.AllowAll{}, clock, logger)

	processor := sigproc.NewProcessor(sigproc.Config{
		ProcessNoise:     cfg.GetKalmanProcessNoise(),
		MeasurementNoise: cfg.GetKalmanMeasurementNoise(),
		SigmaMultiplier:  cfg.GetAnomalySigmaMultiplier(),
		WindowFraction:   cfg.GetSmoothingWindowFraction(),
		SessionLength:    cfg.GetSessionLength(),
		DeviceCacheSize:  cfg.GetDeviceCacheSize(),
	}, clock)

	control := backpressure.NewController(cfg.GetQueueCapacity(), cfg.GetGlobalInflightMax())
	manager.SetQueueHealth(control)

	hub := broadcast.NewHub(broadcast.Config{
		SubscriberBuffer: cfg.GetSubscriberBuffer(),
	}, logger)

	uploader := syncqueue.NewUploader(syncqueue.Config{
		MaxAttempts: cfg.GetRetryAttempts(),
		BaseDelay:   cfg.GetRetryBaseDelay(),
	}, db, storageBreaker, clock, logger)

	pipe := pipeline.New(pipeline.Config{
		LatencyBudget: cfg.GetLatencyBudget(),
	}, control, processor, agg, hub, flusher, notifier, notifyBreaker, clock, logger)

	srv := api.NewServer(manager, pipe, hub, uploader, control, clock, logger)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// heartbeat sweeper
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("connection sweeper error: %v", err)
		}
	}()

	// periodic metrics flusher
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := flusher.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("metrics flusher error: %v", err)
		}
	}()

	// batch upload drain loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := uploader.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("sync uploader error: %v", err)
		}
	}()

	// live metrics push to subscribers
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("metrics broadcaster error: %v", err)
		}
	}()

	// connection lifecycle events: logs them and cancels the stream
	// handler of any connection force-closed by the sweeper
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("event consumer error: %v", err)
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(srv.ServeMux()),
		}

		go func() {
			log.Printf("Listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Println("Graceful shutdown complete")
}

func withName(cfg breaker.Config, name string) breaker.Config {
	cfg.Name = name
	return cfg
}
