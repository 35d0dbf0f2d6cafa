package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/private-dispatch/internal/config"
	"github.com/example/private-dispatch/internal/logging"
	"github.com/example/private-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_messages_consumed_total",
		Help: "Total dispatch events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_messages_duplicate_total",
		Help: "Total redelivered events skipped",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_redis_updates_total",
		Help: "Total events projected into redis",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsDuplicate, redisUpdates, redisErrors)
}

func main() {
	// allow some flags for local runs
	metricsAddr := pflag.String("metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	pflag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	seen, err := newSeenSet(cfg.DedupCapacity)
	if err != nil {
		logger.Error("dedup cache", "error", err)
		os.Exit(1)
	}
	defer seen.Close()

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("projector listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down projector")
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
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.Seq == 0 {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if seen.Seen(ev.Seq) {
			msgsDuplicate.Inc()
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, ev, 3, cfg.RetryDelay); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "seq", ev.Seq, "kind", ev.Kind, "error", err)
			continue
		}
		seen.Mark(ev.Seq)
		redisUpdates.Inc()
	}
}
