package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tracking-catalog/internal/api"
	"tracking-catalog/internal/auth"
	"tracking-catalog/internal/catalog"
	"tracking-catalog/internal/ch"
	"tracking-catalog/internal/config"
	ikafka "tracking-catalog/internal/kafka"
	"tracking-catalog/internal/planfile"
	"tracking-catalog/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AutoMigrate {
		if err := store.Migrate(cfg.StoreDSN, "up"); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}
	st, err := store.Open(ctx, cfg.StoreDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	opts := []catalog.Option{catalog.WithLogger(logger)}
	if cfg.PublishEnabled() {
		publisher := ikafka.NewChangePublisher(cfg.KafkaBrokers, cfg.KafkaTopicChanges, auth.NewSigner(cfg.ChangesHMACSecret))
		defer publisher.Close()
		opts = append(opts, catalog.WithPublisher(publisher))
		log.Printf("publishing catalog changes to %s", cfg.KafkaTopicChanges)
	}
	svc := catalog.NewService(st, opts...)

	if cfg.SeedPath != "" {
		seed(ctx, svc, cfg.SeedPath)
	}

	var changes api.ChangeReader
	if cfg.ClickHouseDSN != "" {
		client, err := ch.New(ctx, cfg.ClickHouseDSN)
		if err != nil {
			log.Fatalf("clickhouse: %v", err)
		}
		defer client.Close()
		changes = client
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Options{
		Catalog:        svc,
		Changes:        changes,
		Logger:         logger,
		CORSOrigins:    cfg.CORSAllowOrigins,
		RequestTimeout: cfg.RequestTimeout(),
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("starting catalog API on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("catalog server failed: %v", err)
		}
	}()

	graceful(server)
}

func seed(ctx context.Context, svc *catalog.Service, path string) {
	plans, err := planfile.Load(path)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	for _, def := range plans {
		res, err := svc.ApplyPlan(ctx, def)
		if err != nil {
			log.Fatalf("seed plan %q: %v", def.Name, err)
		}
		log.Printf("seeded plan %s: %d attached, %d already bound", def.Name, res.Attached, res.Skipped)
	}
}

func graceful(server *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("shutting down catalog API...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
