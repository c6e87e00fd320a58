// Command netbind-server runs the relay server: it owns the level, masters
// its entities and relays replica frames between joined peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/earthring/netbind/internal/api"
	"github.com/earthring/netbind/internal/config"
	"github.com/earthring/netbind/internal/database"
	"github.com/earthring/netbind/internal/entity"
	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/netbind"
	"github.com/earthring/netbind/internal/performance"
	"github.com/earthring/netbind/internal/replica"
)

const (
	shutdownTimeout = 10 * time.Second
	// frameHeadroom is reserved in each frame for headers and the other
	// records of a create.
	frameHeadroom = 1024
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger, err := logging.Init(logging.Options{
		App:        "netbind-server",
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	profiler := performance.NewProfiler(!cfg.Server.IsProduction())

	opts := entity.Options{Peer: replica.PeerID(cfg.Replication.ServerPeerID)}
	if cfg.Database.Enabled {
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.EnsureSchema(ctx, db); err != nil {
			return err
		}
		opts.Sequences = database.NewSequenceStorage(db)
		opts.StaticIDs = database.NewStaticIDStorage(db, 0)
		logger.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("using database stores")
	}

	serializer, err := entity.NewSerializer()
	if err != nil {
		return err
	}
	opts.Serializer = serializer

	manager := replica.NewManager(replica.Options{
		LocalPeer: opts.Peer,
		Relay:     true,
		Profiler:  profiler,
	}, nil)
	world := entity.NewWorld(opts)
	system := netbind.NewSystem(manager, world, profiler)
	system.SetMaxStateBytes(int(cfg.Replication.MaxFrameBytes) - frameHeadroom)
	world.Attach(system)

	srv, err := api.NewServer(cfg, manager, profiler, logger)
	if err != nil {
		return err
	}
	srv.Auth.SetContextSequenceSource(world.GetCurrentContextSequence)

	if path := cfg.Replication.LevelManifest; path != "" {
		m, err := entity.LoadManifest(path)
		if err != nil {
			return err
		}
		if err := world.LoadLevel(ctx, m, replica.RoleMaster); err != nil {
			return fmt.Errorf("failed to load level %s: %w", m.Level, err)
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go tickLoop(ctx, manager, cfg.Replication.TickInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Uint32("peer", cfg.Replication.ServerPeerID).Msg("netbind server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	profiler.LogReport(logger)
	return nil
}

func tickLoop(ctx context.Context, manager *replica.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.Tick()
		}
	}
}
