// Command netbind-peer joins a relay server, mirrors its level and
// optionally spawns procedural entities of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/earthring/netbind/internal/entity"
	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/netbind"
	"github.com/earthring/netbind/internal/peer"
	"github.com/earthring/netbind/internal/performance"
	"github.com/earthring/netbind/internal/replica"
)

type options struct {
	server   string
	name     string
	secret   string
	level    string
	spawn    int
	tick     time.Duration
	logLevel string
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.server, "server", "http://localhost:8080", "relay server base URL")
	fs.StringVar(&o.name, "name", "peer", "peer name")
	fs.StringVar(&o.secret, "secret", os.Getenv("PEER_SECRET"), "shared peer secret (default $PEER_SECRET)")
	fs.StringVar(&o.level, "level", "", "level manifest to mirror")
	fs.IntVar(&o.spawn, "spawn", 0, "number of procedural entities to spawn")
	fs.DurationVar(&o.tick, "tick", 50*time.Millisecond, "replica tick interval")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.secret == "" {
		return o, fmt.Errorf("a peer secret is required")
	}
	if o.tick <= 0 {
		return o, fmt.Errorf("tick interval must be positive")
	}
	return o, nil
}

func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid flags")
	}

	logger, err := logging.Init(logging.Options{App: "netbind-peer", Level: o.logLevel, Format: "console"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, logger); err != nil {
		logger.Fatal().Err(err).Msg("peer failed")
	}
}

func run(ctx context.Context, o options, logger zerolog.Logger) error {
	popts := peer.Options{ServerURL: o.server, Name: o.name, Secret: o.secret}
	session, err := peer.Join(ctx, popts)
	if err != nil {
		return err
	}
	logger.Info().Uint32("peer", uint32(session.PeerID)).Uint32("sequence", uint32(session.ContextSequence)).Msg("joined")

	serializer, err := entity.NewSerializer()
	if err != nil {
		return err
	}
	profiler := performance.NewProfiler(true)
	manager := replica.NewManager(replica.Options{LocalPeer: session.PeerID, Profiler: profiler}, nil)
	world := entity.NewWorld(entity.Options{
		Peer:       session.PeerID,
		Serializer: serializer,
		Sequences:  entity.FixedSequenceStore{Sequence: session.ContextSequence},
	})
	system := netbind.NewSystem(manager, world, profiler)
	world.Attach(system)

	if o.level != "" {
		m, err := entity.LoadManifest(o.level)
		if err != nil {
			return err
		}
		if err := world.LoadLevel(ctx, m, replica.RoleProxy); err != nil {
			return err
		}
	}

	link, err := peer.Dial(ctx, popts, session, manager)
	if err != nil {
		return err
	}
	defer link.Close()

	for i := 0; i < o.spawn; i++ {
		id, err := world.SpawnProcedural(fmt.Sprintf("%s-%d", o.name, i+1))
		if err != nil {
			return err
		}
		logger.Info().Uint64("entity", uint64(id)).Msg("spawned procedural entity")
	}

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Int("entities", len(world.Entities())).Int("pending", world.PendingSpawns()).Msg("leaving")
			profiler.LogReport(logger)
			return nil
		case <-link.Done():
			if err := link.Err(); err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			return nil
		case <-ticker.C:
			manager.Tick()
		}
	}
}
