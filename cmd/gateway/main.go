// cmd/gateway wires C6 (Gateway) into a standalone process: a WebSocket
// upgrade endpoint hosting client sessions, a background consumer draining
// private_msg_bus for this process's locally-connected recipients, a
// periodic resource-admission tick, and a /healthz + /metrics surface.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/imcore/internal/config"
	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/gateway"
	"github.com/adred-codev/imcore/internal/limits"
	"github.com/adred-codev/imcore/internal/logging"
	"github.com/adred-codev/imcore/internal/monitoring"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/router/rpc"
	"github.com/adred-codev/imcore/internal/store"
)

type appConfig struct {
	config.Common
	Addr              string  `env:"GATEWAY_ADDR" envDefault:":8080"`
	Endpoint          string  `env:"GATEWAY_ENDPOINT" envDefault:"localhost:8080"`
	RouterBaseURL     string  `env:"ROUTER_BASE_URL" envDefault:"http://localhost:8081"`
	ConsumerGroup     string  `env:"GATEWAY_CONSUMER_GROUP" envDefault:"gateway-fastpath"`
	MaxConnections    int     `env:"MAX_CONNECTIONS" envDefault:"0"`
	MaxGoroutines     int     `env:"MAX_GOROUTINES" envDefault:"0"`
	CPURejectPercent  float64 `env:"CPU_REJECT_THRESHOLD" envDefault:"0"`
	MemoryLimitBytes  int64   `env:"MEMORY_LIMIT_BYTES" envDefault:"0"`
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

	logger := logging.New(logging.Config{Level: cfg.LogLevelType(), Format: cfg.LogFormatType(), Service: "gateway"})
	cfg.LogStartup(logger)
	defer logging.RecoverPanic(logger, "gateway-main", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := registry.NewEtcd(registry.EtcdConfig{
		Endpoints:         splitCSV(cfg.EtcdEndpoints),
		DialTimeout:       5 * time.Second,
		MaxDevicesPerUser: cfg.MaxDevicesPerUser,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect etcd registry")
	}

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}

	routerClient := rpc.NewClient(rpc.ClientConfig{BaseURL: cfg.RouterBaseURL, Timeout: cfg.RPCDeadline})

	offlineLog, err := durablelog.NewKafkaProducer(durablelog.KafkaProducerConfig{Brokers: splitCSV(cfg.KafkaBrokers), Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect offline_msg producer")
	}

	gw := gateway.New(gateway.Config{
		Registry:   reg,
		Router:     routerClient,
		Store:      pg,
		OfflineLog: offlineLog,
		Logger:     logger,
		Endpoint:   cfg.Endpoint,
		LeaseTTL:   cfg.RegistryLeaseTTL,
		Limits: limits.Config{
			MaxConnections:     cfg.MaxConnections,
			MaxGoroutines:      cfg.MaxGoroutines,
			MemoryLimitBytes:   cfg.MemoryLimitBytes,
			CPURejectThreshold: cfg.CPURejectPercent,
		},
	})

	fastPathConsumer, err := durablelog.NewKafkaConsumer(durablelog.KafkaConsumerConfig{
		Brokers:       splitCSV(cfg.KafkaBrokers),
		ConsumerGroup: cfg.ConsumerGroup,
		Topics:        []string{router.TopicPrivateMsgBus},
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect private_msg_bus consumer")
	}

	reg2 := prometheus.NewRegistry()
	monitoring.Register(reg2)

	connRateLimiter := limits.NewConnectionRateLimiter(limits.RateLimiterConfig{})
	defer connRateLimiter.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		accept, reason := gw.Guard().ShouldAcceptConnection()
		if !accept {
			logger.Warn().Str("reason", reason).Msg("connection rejected")
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
		if !connRateLimiter.Allow(ip) {
			logger.Warn().Str("ip", ip).Msg("connection rejected by rate limiter")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		transport := gateway.NewWSTransport(conn)
		go gw.HandleConn(ctx, transport)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg2, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway http server failed")
		}
	}()

	go func() {
		if err := gw.Run(ctx, fastPathConsumer, 100, 5000); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("fast-path consumer exited")
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gw.Guard().UpdateResources()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("gateway shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = gw.Close()
	_ = fastPathConsumer.Close()
	_ = offlineLog.Close()
	_ = pg.Close()
	_ = reg.Close()
}
