// cmd/router wires C5 (Router) plus its downstream group fan-out consumer
// into a standalone process: an HTTP+JSON IMService surface for
// route-private-message/route-group-message/get-message-status, and a
// background consumer draining group_msg_bus per §9's "dedicated fan-out
// consumer, never the Router synchronously" rule.
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
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/router/fanout"
	"github.com/adred-codev/imcore/internal/router/rpc"
	"github.com/adred-codev/imcore/internal/sequencer"
	"github.com/adred-codev/imcore/internal/store"
)

type appConfig struct {
	config.Common
	Addr             string `env:"ROUTER_ADDR" envDefault:":8081"`
	ConsumerGroup    string `env:"ROUTER_CONSUMER_GROUP" envDefault:"router-fanout"`
	GroupMembership  string `env:"GROUP_MEMBERSHIP_FILE" envDefault:""`
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

	logger := logging.New(logging.Config{Level: cfg.LogLevelType(), Format: cfg.LogFormatType(), Service: "router"})
	cfg.LogStartup(logger)
	defer logging.RecoverPanic(logger, "router-main", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokers := splitCSV(cfg.KafkaBrokers)

	reg, err := registry.NewEtcd(registry.EtcdConfig{
		Endpoints:         splitCSV(cfg.EtcdEndpoints),
		DialTimeout:       5 * time.Second,
		MaxDevicesPerUser: cfg.MaxDevicesPerUser,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect etcd registry")
	}

	seq := sequencer.NewRedis(sequencer.RedisConfig{
		Addr:      cfg.RedisAddr,
		DB:        cfg.RedisDB,
		BlockSize: cfg.SequenceBlockSize,
	})

	dd := dedup.NewRedis(dedup.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	producer, err := durablelog.NewKafkaProducer(durablelog.KafkaProducerConfig{Brokers: brokers, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect kafka producer")
	}

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrate message store schema")
	}

	svc := router.New(router.Config{
		Registry: reg,
		Sequencer: seq,
		Dedup:     dd,
		Log:       producer,
		Status:    pg,
		DedupTTL:  cfg.DedupTTL,
	})

	membership, err := fanout.NewStaticMembership(cfg.GroupMembership)
	if err != nil {
		logger.Fatal().Err(err).Msg("load group membership")
	}

	groupConsumer, err := durablelog.NewKafkaConsumer(durablelog.KafkaConsumerConfig{
		Brokers:       brokers,
		ConsumerGroup: cfg.ConsumerGroup,
		Topics:        []string{router.TopicGroupMsgBus},
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect group_msg_bus consumer")
	}

	fanoutConsumer := fanout.New(fanout.Config{
		Log:        groupConsumer,
		Producer:   producer,
		Registry:   reg,
		Membership: membership,
		Logger:     logger,
	})

	reg2 := prometheus.NewRegistry()
	monitoring.Register(reg2)

	mux := http.NewServeMux()
	rpc.New(svc, logger).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg2, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("router listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("router http server failed")
		}
	}()

	go func() {
		if err := fanoutConsumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("group fan-out consumer exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("router shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = groupConsumer.Close()
	_ = producer.Close()
	_ = pg.Close()
	_ = reg.Close()
	_ = seq.Close()
	_ = dd.Close()
}
