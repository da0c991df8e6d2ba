package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/engine"
	"github.com/example/order-dispatch/internal/ingest"
	"github.com/example/order-dispatch/internal/lock"
	"github.com/example/order-dispatch/internal/logging"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total order-confirmed messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	dispatchesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_dispatches_started_total",
		Help: "Total dispatch workflows started from the topic",
	})
	dispatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_dispatch_errors_total",
		Help: "Total dispatch workflows that aborted with an error",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, dispatchesStarted, dispatchErrors)
}

func main() {
	_ = godotenv.Load()

	var metricsAddr string
	pflag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	pflag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var notifier notify.Notifier = notify.Multi{}
	if cfg.PushEndpoint != "" {
		notifier = notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, logger)
	}

	eng := engine.New(store, notifier, logger, cfg.Dispatch)
	if cfg.RedisAddr != "" {
		locker := lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.LockTTL)
		defer locker.Close()
		eng.Locks = locker
	}
	producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
	defer producer.Close()
	eng.Outcomes = producer

	// metrics and health endpoints
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaOrderTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("consumer listening",
		"topic", cfg.KafkaOrderTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		orderID, err := decodeOrderConfirmed(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		// A dispatch blocks for up to maxRounds x ttl; run it off the
		// read loop so one slow order does not stall the partition.
		// The per-order lock keeps duplicate deliveries harmless.
		dispatchesStarted.Inc()
		go func(orderID string) {
			res, err := eng.DispatchOrder(ctx, engine.Request{OrderID: orderID})
			if err != nil {
				if !errors.Is(err, lock.ErrHeld) {
					dispatchErrors.Inc()
				}
				logger.Error("dispatch failed", "order_id", orderID, "error", err)
				return
			}
			logger.Info("dispatch finished",
				"order_id", orderID, "success", res.Success, "message", res.Message,
				"rounds", res.Stats.Rounds, "driver_id", res.Stats.DriverID)
		}(orderID)
	}
}

func decodeOrderConfirmed(b []byte) (string, error) {
	var msg ingest.OrderConfirmed
	if err := json.Unmarshal(b, &msg); err != nil {
		return "", err
	}
	if msg.OrderID == "" {
		return "", errors.New("missing order_id")
	}
	return msg.OrderID, nil
}
