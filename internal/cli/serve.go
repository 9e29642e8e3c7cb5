package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/livesession/internal/blob"
	"github.com/xiaot623/livesession/internal/config"
	"github.com/xiaot623/livesession/internal/hub"
	"github.com/xiaot623/livesession/internal/policy"
	"github.com/xiaot623/livesession/internal/service"
	"github.com/xiaot623/livesession/internal/store"
	"github.com/xiaot623/livesession/internal/telemetry"
	httpserver "github.com/xiaot623/livesession/internal/transport/http"
	"github.com/xiaot623/livesession/internal/ws"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		Long: `Serve the session HTTP API, the change feed WebSocket endpoint and, when no
S3 bucket is configured, local file downloads. Configuration comes from .env,
the YAML file named by LIVESESSION_CONFIG and environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := telemetry.InitLogger(telemetry.Config{
		ServiceName: "livesession",
		LogFile:     cfg.LogFile,
		LogLevel:    cfg.LogLevel,
		Stdout:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "livesession",
		TraceFile:   cfg.TraceFile,
		MetricsFile: cfg.MetricsFile,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	logger.Info("starting livesession", "port", cfg.HTTPPort, "database", redactDSN(cfg.DatabaseURL))

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	blobs, blobDir, err := openBlobs(ctx, cfg, logger)
	if err != nil {
		return err
	}

	policyContent := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}
		policyContent = string(data)
	}
	policyEngine, err := policy.NewEngine(ctx, policyContent, cfg.MaxMultiplier)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	h := hub.NewHub(logger)
	go h.Run(hubCtx)

	wsServer := ws.NewServer(ws.Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
	}, h, logger)

	svc := service.New(db, blobs, h, policyEngine, service.Config{
		MaxMessageLength: cfg.MaxMessageLength,
		MaxUploadBytes:   cfg.MaxUploadBytes,
	}, logger)

	server := httpserver.NewServer(svc, wsServer, httpserver.Options{
		BlobDir:   blobDir,
		BodyLimit: fmt.Sprintf("%dK", cfg.MaxUploadBytes/1024+64),
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down livesession")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown server gracefully", "error", err)
	}
	return nil
}

// openBlobs returns the configured blob store and, for the local backend, the
// directory the HTTP server should expose.
func openBlobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blob.Store, string, error) {
	if cfg.S3Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, blob.S3Config{
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.BlobPublicBaseURL,
		}, logger)
		if err != nil {
			return nil, "", fmt.Errorf("failed to initialize s3 blob store: %w", err)
		}
		return s3Store, "", nil
	}
	dirStore, err := blob.NewDirStore(cfg.BlobDir, cfg.BlobPublicBaseURL)
	if err != nil {
		return nil, "", err
	}
	return dirStore, dirStore.Root(), nil
}

func redactDSN(dsn string) string {
	for i := len(dsn) - 1; i >= 0; i-- {
		if dsn[i] == '@' {
			return "***" + dsn[i:]
		}
	}
	return dsn
}
