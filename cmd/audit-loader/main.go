package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracking-catalog/internal/auth"
	"tracking-catalog/internal/ch"
	"tracking-catalog/internal/config"
	ikafka "tracking-catalog/internal/kafka"
	"tracking-catalog/internal/model"
	"tracking-catalog/pkg/batcher"
)

var (
	batchSizeHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_loader_batch_size",
		Help:    "Histogram of ClickHouse batch sizes",
		Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
	})
	insertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_loader_insert_duration_seconds",
		Help:    "Duration of ClickHouse insert operations",
		Buckets: prometheus.DefBuckets,
	})
	insertErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_loader_insert_errors_total",
		Help: "Total ClickHouse insert failures",
	})
	rejectedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_loader_rejected_messages_total",
		Help: "Change messages dropped before batching",
	}, []string{"reason"})
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.PublishEnabled() || cfg.ClickHouseDSN == "" {
		log.Fatal("audit-loader needs KAFKA_BROKERS and CLICKHOUSE_DSN")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ch.New(ctx, cfg.ClickHouseDSN)
	if err != nil {
		log.Fatalf("clickhouse: %v", err)
	}
	defer client.Close()
	if err := client.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	reader := ikafka.NewReader(cfg.KafkaBrokers, cfg.KafkaTopicChanges, "catalog-audit-loader")
	defer reader.Close()
	signer := auth.NewSigner(cfg.ChangesHMACSecret)

	flusher := func(changes []model.Change) error {
		return insertWithRetry(ctx, client, changes)
	}
	b := batcher.New[model.Change](cfg.BatchSize, cfg.BatchInterval(), flusher,
		batcher.WithErrorHandler[model.Change](func(err error, size int) {
			log.Printf("dropped batch of %d changes: %v", size, err)
		}),
	)
	defer b.Close()

	go serveMetrics(cfg.LoaderMetricsAddr)
	go handleSignals(cancel)

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("read change message: %v", err)
			time.Sleep(time.Second)
			continue
		}
		chg, err := ikafka.DecodeChange(m, signer)
		if err != nil {
			reason := "decode"
			if errors.Is(err, ikafka.ErrBadSignature) {
				reason = "signature"
			}
			rejectedMessages.WithLabelValues(reason).Inc()
			log.Printf("reject change at offset %d: %v", m.Offset, err)
			continue
		}
		if err := b.Add(chg); err != nil {
			log.Printf("batch add failed: %v", err)
		}
	}
	log.Println("audit-loader shutdown complete")
}

func insertWithRetry(ctx context.Context, client *ch.Client, changes []model.Change) error {
	const maxAttempts = 5
	backoff := 200 * time.Millisecond
	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		err := client.InsertChanges(insertCtx, changes)
		cancel()
		if err == nil {
			insertDuration.Observe(time.Since(start).Seconds())
			batchSizeHistogram.Observe(float64(len(changes)))
			return nil
		}
		insertErrors.Inc()
		if attempt == maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("audit-loader metrics server failed: %v", err)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
