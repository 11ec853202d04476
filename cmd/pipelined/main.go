package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/broadcast"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/config"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/pipeline"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/server"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/session"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/speaker"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/store"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/transcribe"
	"github.com/nikolaospapagiannis/openmeet-pipeline/internal/webhook"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "pipelined",
		Short: "Live audio-capture-to-transcript session pipeline",
	}
	root.AddCommand(serveCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	transcriptStore, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	backend := buildBackend(cfg, logger)
	invoker := transcribe.NewInvoker(backend, transcribe.InvokerConfig{
		CallTimeout:      cfg.CallTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		Concurrency:      cfg.Concurrency,
		AdmissionWait:    cfg.AdmissionWait,
	}, logger)

	var sender webhook.Sender
	if cfg.WebhookURL != "" {
		sender = webhook.NewHTTPSender(cfg.WebhookURL, logger)
	} else {
		sender = webhook.NewLogSender(logger)
	}

	p := pipeline.New(
		pipeline.Config{
			InactivityTimeout: cfg.InactivityTimeout,
			ReorderDepth:      cfg.ReorderDepth,
			WindowDuration:    cfg.WindowDuration,
			WindowMaxBytes:    cfg.WindowMaxBytes,
			DrainTimeout:      cfg.DrainTimeout,
			SweepInterval:     cfg.SweepInterval,
		},
		session.NewRegistry(logger),
		invoker,
		speaker.NewTracker(cfg.PauseThreshold, cfg.SpeakerPoolSize),
		store.NewWriter(transcriptStore, logger),
		broadcast.New(logger),
		sender,
		logger,
	)
	p.Start()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(p, logger).Routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", slog.String("error", err.Error()))
		}
		return p.Close(shutdownCtx)
	})
	return g.Wait()
}

func buildStore(cfg *config.Config) (store.TranscriptStore, func(), error) {
	switch cfg.StoreDriver {
	case "redis":
		s, err := store.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "cassandra":
		s, err := store.NewCassandraStore(cfg.CassandraHosts, cfg.CassandraKeyspace)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func buildBackend(cfg *config.Config, logger *slog.Logger) transcribe.Backend {
	if cfg.Backend == "fake" {
		logger.Warn("using fake transcription backend; configure backend=openai for real transcripts")
		return &transcribe.FakeBackend{}
	}
	return transcribe.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIModel)
}
