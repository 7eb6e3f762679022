package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aegisapp/aegis/internal/config"
	"github.com/aegisapp/aegis/internal/consensus"
	"github.com/aegisapp/aegis/internal/handlers"
	"github.com/aegisapp/aegis/internal/incident"
	"github.com/aegisapp/aegis/internal/ingest"
	"github.com/aegisapp/aegis/internal/ledger"
	"github.com/aegisapp/aegis/internal/notify"
	"github.com/aegisapp/aegis/internal/storage"
	"github.com/aegisapp/aegis/internal/sweep"
	"github.com/aegisapp/aegis/internal/tracing"
	"github.com/aegisapp/aegis/internal/transcode"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Aegis evidence backend",
	}
	rootCmd.AddCommand(serveCommand(), sweepCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the periodic retention sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one hard-deletion sweep pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context())
		},
	}
}

type backends struct {
	store      *ledger.Store
	chunkStore *storage.ChunkStore
	cache      *storage.StatusCache
}

func connect(cfg *config.Config) (*backends, error) {
	log.Info().Msg("connecting to ledger database")
	store, err := ledger.New(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	log.Info().Msg("connecting to object storage")
	chunkStore, err := storage.NewChunkStore(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize chunk store: %w", err)
	}

	log.Info().Msg("connecting to Redis")
	cache, err := storage.NewStatusCache(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize status cache: %w", err)
	}

	return &backends{store: store, chunkStore: chunkStore, cache: cache}, nil
}

func (b *backends) close() {
	b.cache.Close()
	b.store.Close()
}

func runServe() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.Info().Str("service", cfg.ServiceName).Str("port", cfg.ServicePort).Msg("starting")

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn().Err(err).Msg("error shutting down tracer")
		}
	}()

	b, err := connect(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	notifier := notify.NewSMTPNotifier(
		cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword,
		cfg.SMTPFrom, cfg.PublicBaseURL,
	)
	dispatcher := notify.NewDispatcher(notifier)

	incidents := incident.NewService(b.store, b.cache, dispatcher)
	pipeline := ingest.NewPipeline(
		b.store, b.chunkStore, b.cache,
		transcode.NewFFmpeg(cfg.FFmpegPath, cfg.TranscodeTimeout),
		cfg.TempDir, cfg.MinChunkBytes, cfg.UploadTimeout,
	)
	engine := consensus.NewEngine(b.store, b.cache)
	sweeper := sweep.New(b.store, b.chunkStore)

	api := handlers.NewAPI(incidents, pipeline, engine, sweeper, b.store,
		cfg.RetentionWindow(), cfg.MaxUploadBytes)

	router := mux.NewRouter()
	api.Register(router, []byte(cfg.JWTSecret))

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweeper.RunPeriodically(sweepCtx, cfg.SweepInterval, cfg.RetentionWindow())

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("server exited")
	return nil
}

func runSweep(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	b, err := connect(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	purged, err := sweep.New(b.store, b.chunkStore).Run(ctx, time.Now().UTC(), cfg.RetentionWindow())
	if err != nil {
		return err
	}
	log.Info().Int("count", len(purged)).Strs("ids", purged).Msg("sweep complete")
	return nil
}
