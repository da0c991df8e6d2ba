package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/engine"
	httpapi "github.com/example/order-dispatch/internal/http"
	"github.com/example/order-dispatch/internal/ingest"
	"github.com/example/order-dispatch/internal/lock"
	"github.com/example/order-dispatch/internal/logging"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	var (
		addrFlag    = pflag.String("addr", "", "listen address (overrides HTTP_ADDR)")
		migrateFlag = pflag.Bool("migrate", false, "apply SQL migrations at startup")
	)
	pflag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addrFlag != "" {
		cfg.HTTPAddr = *addrFlag
	}
	if *migrateFlag {
		cfg.RunMigrations = true
	}

	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := applyMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
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

	wsreg := notify.NewWSRegistry(logger)
	notifier := notify.Multi{wsreg}
	if cfg.PushEndpoint != "" {
		notifier = append(notifier, notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, logger))
	}

	eng := engine.New(store, notifier, logger, cfg.Dispatch)

	if cfg.RedisAddr != "" {
		locker := lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.LockTTL)
		defer locker.Close()
		eng.Locks = locker
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer producer.Close()
		eng.Outcomes = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(eng, store, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("order-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func applyMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}
