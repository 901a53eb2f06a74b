package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaymesh/webhook-relay/internal/config"
	"github.com/relaymesh/webhook-relay/internal/consumer"
	"github.com/relaymesh/webhook-relay/internal/control"
	"github.com/relaymesh/webhook-relay/internal/dlq"
	"github.com/relaymesh/webhook-relay/internal/envelope"
	"github.com/relaymesh/webhook-relay/internal/handlers"
	"github.com/relaymesh/webhook-relay/internal/logbuf"
	"github.com/relaymesh/webhook-relay/internal/logging"
	"github.com/relaymesh/webhook-relay/internal/normalizer"
	"github.com/relaymesh/webhook-relay/internal/queue"
	"github.com/relaymesh/webhook-relay/internal/ratelimit"
	"github.com/relaymesh/webhook-relay/internal/server"
	"github.com/relaymesh/webhook-relay/internal/signature"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Webhook relay: receive, verify, buffer, and forward webhooks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingress, consumer, and control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid config: %v", err)
		os.Exit(1)
	}

	ring := logbuf.NewRing(1024)
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
		ring,
	).With(logging.Service("relay"))
	logging.SetDefault(logger)

	slog.Info("Starting webhook relay",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port),
		slog.Int("control_port", cfg.Control.Port),
		slog.String("mode", cfg.Downstream.Mode),
		slog.String("log_level", cfg.Logging.Level),
	)
	if configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", configPath))
	}

	// Connect the queue first: without a broker the relay cannot accept
	// anything, so this failure is fatal.
	qcfg := queue.DefaultJetStreamConfig(cfg.Queue.URL)
	if cfg.Queue.Stream != "" {
		qcfg.Stream = cfg.Queue.Stream
	}
	if cfg.Queue.Durable != "" {
		qcfg.Durable = cfg.Queue.Durable
	}
	if cfg.Queue.Retention > 0 {
		qcfg.Retention = cfg.Queue.Retention
	}
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	q, err := queue.NewJetStream(connectCtx, qcfg)
	connectCancel()
	if err != nil {
		log.Printf("Failed to connect message queue: %v", err)
		os.Exit(2)
	}
	defer q.Close()

	dlqCtx, dlqCancel := context.WithTimeout(context.Background(), 30*time.Second)
	deadLetters, err := dlq.New(dlqCtx, q.Context(), cfg.Queue.Retention)
	dlqCancel()
	if err != nil {
		log.Printf("Failed to initialize dead letter stream: %v", err)
		os.Exit(2)
	}
	log.Printf("Queue connected (stream: %s, durable: %s)", qcfg.Stream, qcfg.Durable)

	// Rate limiter
	var rateLimiter ratelimit.RateLimiter
	if cfg.Redis.Enabled && cfg.Ingestion.RateLimitEnabled {
		log.Printf("Initializing Redis rate limiter: %s", cfg.Redis.URL)
		limiter, err := ratelimit.NewRedisRateLimiter(
			cfg.Redis.URL,
			cfg.Ingestion.RateLimitRequests,
			cfg.Ingestion.RateLimitWindow,
		)
		if err != nil {
			log.Printf("WARNING: Failed to initialize Redis rate limiter: %v", err)
			log.Println("Continuing without rate limiting")
			rateLimiter = &ratelimit.NoOpRateLimiter{}
		} else {
			rateLimiter = limiter
			log.Printf("Rate limiting enabled: %d requests per %s", cfg.Ingestion.RateLimitRequests, cfg.Ingestion.RateLimitWindow)
		}
	} else {
		rateLimiter = &ratelimit.NoOpRateLimiter{}
		log.Println("Rate limiting disabled")
	}
	defer rateLimiter.Close()

	verifier := signature.New(
		signature.Descriptor{
			Source:   envelope.SourceCalendly,
			Secret:   []byte(cfg.Signing.CalendlyKey),
			Required: cfg.Signing.RequireSignature,
			MaxSkew:  cfg.Signing.MaxSkew,
		},
		signature.Descriptor{
			Source:   envelope.SourceSlack,
			Secret:   []byte(cfg.Signing.SlackKey),
			Required: cfg.Signing.RequireSignature,
			MaxSkew:  cfg.Signing.MaxSkew,
		},
	)

	registry := normalizer.Default()
	handler := handlers.NewWebhookHandler(verifier, registry, q, rateLimiter, logger, cfg.Ingestion.MaxBodyBytes)
	router := server.NewRouter(handler)

	runner := consumer.NewRunner(q, deadLetters, logger, cfg.Downstream, consumer.Options{
		Workers:        cfg.Consumer.Workers,
		MaxAttempts:    cfg.Consumer.MaxAttempts,
		VisibilityBase: cfg.Consumer.VisibilityBase,
		WaitTime:       cfg.Consumer.WaitTime,
	})
	runner.Start(context.Background())
	defer runner.Stop()

	controlSrv := control.NewServer(cfg, runner, q, ring, deadLetters, logger)

	ingress := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	controlHTTP := &http.Server{
		Addr:    net.JoinHostPort(cfg.Control.Host, strconv.Itoa(cfg.Control.Port)),
		Handler: controlSrv.Router(),
	}

	go func() {
		log.Printf("Ingress listening on %s", ingress.Addr)
		if err := ingress.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Ingress server error: %v", err)
		}
	}()
	go func() {
		log.Printf("Control plane listening on %s", controlHTTP.Addr)
		if err := controlHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Control server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Shutdown order: stop accepting webhooks, drain workers, then drop
	// the control plane so operators can watch the drain.
	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := ingress.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ingress forced to shutdown: %v", err)
	}

	runner.Stop()

	controlCtx, controlCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer controlCancel()
	if err := controlHTTP.Shutdown(controlCtx); err != nil {
		log.Printf("Control plane forced to shutdown: %v", err)
	}

	log.Println("Relay stopped")
	return nil
}
