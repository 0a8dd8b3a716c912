// Command sockethub runs the WebSocket pub/sub hub server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sockethub/sockethub/pkg/hub"
	"github.com/sockethub/sockethub/pkg/logging"
	"github.com/sockethub/sockethub/pkg/metrics"
	"github.com/sockethub/sockethub/pkg/presence"
	"github.com/sockethub/sockethub/pkg/pubsub"
	"github.com/sockethub/sockethub/pkg/transport"
)

func main() {
	var (
		addr        = flag.String("addr", envOr("SOCKETHUB_ADDR", ":8080"), "listen address")
		redisAddr   = flag.String("redis", envOr("SOCKETHUB_REDIS", ""), "redis address for the topic fabric (empty = in-memory)")
		origins     = flag.String("allowed-origins", envOr("SOCKETHUB_ORIGINS", ""), "comma-separated allowed origins")
		insecureDev = flag.Bool("insecure-dev", false, "disable origin validation (development only)")
		debug       = flag.Bool("debug", false, "verbose lifecycle logging")
		jsonLogs    = flag.Bool("json-logs", false, "JSON log output")
	)
	flag.Parse()

	logOpts := []logging.LoggerOption{}
	if *jsonLogs {
		logOpts = append(logOpts, logging.WithJSON())
	}
	if *debug {
		logOpts = append(logOpts, logging.WithLevel(slog.LevelDebug))
	}
	logger := logging.NewSlogLogger(logOpts...)

	var (
		ps  pubsub.PubSub
		err error
	)
	if *redisAddr != "" {
		ps, err = pubsub.NewRedis(&pubsub.RedisConfig{Addr: *redisAddr})
		if err != nil {
			logger.Error("redis pubsub init failed", logging.Err(err))
			os.Exit(1)
		}
		logger.Info("using redis topic fabric", logging.String("addr", *redisAddr))
	} else {
		ps = pubsub.NewMemory()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New("sockethub", registry)

	pm := presence.NewManager(ps.Publish)

	hubOpts := []hub.Option{
		hub.WithLogger(logger),
		hub.WithMetrics(m),
		hub.WithPresence(pm),
	}
	if *debug {
		hubOpts = append(hubOpts, hub.WithDebug())
	}
	h := hub.New(hubOpts...)

	wsConfig := &transport.WebSocketConfig{InsecureDevMode: *insecureDev}
	if *origins != "" {
		wsConfig.AllowedOrigins = strings.Split(*origins, ",")
	}
	ws := transport.NewWebSocketServer(ps, h, transport.DefaultConfig(), wsConfig, logger)
	h.SetTransportServer(ws)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("sockethub listening", logging.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", logging.Err(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", logging.Err(err))
	}
	if err := ps.Close(); err != nil {
		logger.Warn("pubsub shutdown", logging.Err(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
