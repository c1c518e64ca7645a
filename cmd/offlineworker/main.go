// cmd/offlineworker wires C7 (Offline Worker) into a standalone process:
// drains offline_msg, dedups, batch-persists to the Message Store, and
// routes poison batches to dlq, exposing only /healthz + /metrics — this
// process has no inbound RPC surface of its own (§4.7).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/imcore/internal/config"
	"github.com/adred-codev/imcore/internal/dedup"
	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/logging"
	"github.com/adred-codev/imcore/internal/monitoring"
	"github.com/adred-codev/imcore/internal/offlineworker"
	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/store"
)

type appConfig struct {
	config.Common
	HealthAddr    string `env:"OFFLINEWORKER_HEALTH_ADDR" envDefault:":8082"`
	ConsumerGroup string `env:"OFFLINEWORKER_CONSUMER_GROUP" envDefault:"offline-worker"`
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevelType(), Format: cfg.LogFormatType(), Service: "offlineworker"})
	cfg.LogStartup(logger)
	defer logging.RecoverPanic(logger, "offlineworker-main", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokers := splitCSV(cfg.KafkaBrokers)

	dd := dedup.NewRedis(dedup.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB, KeyPrefix: "dedup:offline:"})

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate message store schema")
	}

	consumer, err := durablelog.NewKafkaConsumer(durablelog.KafkaConsumerConfig{
		Brokers:       brokers,
		ConsumerGroup: cfg.ConsumerGroup,
		Topics:        []string{router.TopicOfflineMsg},
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect offline_msg consumer")
	}

	dlqProducer, err := durablelog.NewKafkaProducer(durablelog.KafkaProducerConfig{Brokers: brokers, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect dlq producer")
	}

	worker := offlineworker.New(offlineworker.Config{
		Log:      consumer,
		DLQLog:   dlqProducer,
		Dedup:    dd,
		Store:    pg,
		Logger:   logger,
		DedupTTL: cfg.DedupTTL,
	})

	reg := prometheus.NewRegistry()
	monitoring.Register(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HealthAddr).Msg("offline worker health endpoint listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("offline worker http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pg.PurgeExpired(ctx, time.Now().Add(-cfg.MessageTTL))
				if err != nil {
					logger.Warn().Err(err).Msg("purge expired messages failed")
					continue
				}
				logger.Info().Int64("rows_purged", n).Msg("purged expired messages")
			}
		}
	}()

	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("offline worker exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("offline worker shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = consumer.Close()
	_ = dlqProducer.Close()
	_ = dd.Close()
	_ = pg.Close()
}
