package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"arenaswap.ai/internal/boot"
	"arenaswap.ai/internal/host/memhost"
	"arenaswap.ai/internal/persistence/indexdb"
	"arenaswap.ai/internal/persistence/journal"
	"arenaswap.ai/internal/persistence/mirror"
	"arenaswap.ai/internal/persistence/snapshot"
	"arenaswap.ai/internal/sim/ability"
	"arenaswap.ai/internal/sim/body"
	"arenaswap.ai/internal/sim/lifecycle"
	"arenaswap.ai/internal/sim/tuning"
	"arenaswap.ai/internal/sim/zone"
	"arenaswap.ai/internal/transport/ws"
)

// Boot step names, in boot order.
const (
	stepSnapshotStore    = lifecycle.SnapshotSubsystem
	stepAccountStore     = "AccountStore"
	stepZones            = "Zones"
	stepLifecycleService = "LifecycleService"
)

type appConfig struct {
	DataDir   string
	ZonesPath string
	Tuning    tuning.Tuning
	Mirror    mirror.S3Config
}

// app owns every long-lived component of one server process.
type app struct {
	cfg appConfig
	log *zap.Logger

	seq     *boot.Sequencer
	world   *memhost.World
	store   *snapshot.Store
	writer  *snapshot.Writer
	idx     *indexdb.SQLiteIndex
	journal *journal.Journal
	mirror  *mirror.Mirror
	bodies  *body.Registry
	abil    *ability.Service
	zones   *zone.Detector
	coord   *lifecycle.Coordinator
	ws      *ws.Server
}

// newApp opens the on-disk stores and wires the components. Nothing is
// loaded yet; boot does that.
func newApp(cfg appConfig, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	store, err := snapshot.Open(filepath.Join(cfg.DataDir, "snapshots"), logger)
	if err != nil {
		return nil, err
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index", "arenaswap.sqlite"), logger)
	if err != nil {
		return nil, err
	}
	empty, _ := zone.NewTable(nil)

	tune := cfg.Tuning
	a := &app{
		cfg:     cfg,
		log:     logger,
		seq:     boot.NewSequencer(logger),
		world:   memhost.New(),
		store:   store,
		writer:  snapshot.NewWriter(store, tune.SnapshotQueue, logger),
		idx:     idx,
		journal: journal.Open(filepath.Join(cfg.DataDir, "journal"), logger),
		zones:   zone.NewDetector(empty),
	}
	if cfg.Mirror.Enabled() {
		client, err := mirror.NewS3Client(cfg.Mirror)
		if err != nil {
			return nil, err
		}
		a.mirror = mirror.New(client, mirror.Config{BaseDir: cfg.DataDir, Prefix: cfg.Mirror.Prefix}, logger)
		a.journal.OnRotate(a.mirror.Enqueue)
	}
	a.bodies = body.NewRegistry(a.world, a.world, body.Config{
		Holding:                  tune.Holding(),
		AlternateNamePrefix:      tune.AlternateNamePrefix,
		AlternateResourceQuality: tune.AlternateResourceQuality,
	}, logger)
	a.abil = ability.NewService(a.world, ability.Config{
		Catalog:   tune.AbilityCatalog,
		UnlockAll: tune.UnlockAll,
	}, idx, logger)
	a.coord = lifecycle.New(lifecycle.Config{
		SaveTimeout: tune.SaveTimeout(),
		MaxAttempts: tune.MaxAttempts,
	}, lifecycle.Deps{
		Host:      a.world,
		Directory: a.world,
		Zones:     a.zones,
		Snapshots: store,
		Writer:    a.writer,
		Bodies:    a.bodies,
		Abilities: a.abil,
		Gate:      a.seq,
		Recorders: []lifecycle.Recorder{a.journal, idx},
		Logger:    logger,
	})
	a.ws = ws.NewServer(a.world, a.coord, a.bodies, a.seq, a.zones, ws.Config{
		CommandRatePerSec: tune.CommandRatePerSec,
		CommandBurst:      tune.CommandBurst,
	}, logger)
	return a, nil
}

func (a *app) steps() []boot.Step {
	return []boot.Step{
		{Name: stepSnapshotStore, Init: a.initSnapshotStore},
		{Name: stepAccountStore, Init: a.initAccountStore},
		{Name: stepZones, Init: a.initZones},
		{Name: stepLifecycleService, Init: a.coord.Recover},
	}
}

// boot runs every step not yet initialized. Safe to call again after a
// reset or a forced reinit.
func (a *app) boot(ctx context.Context) error {
	return a.seq.Boot(ctx, a.steps())
}

func (a *app) initSnapshotStore(context.Context) error {
	// Listing walks both record dirs, so an unreadable store fails here
	// instead of on the first transition.
	_, err := a.store.List()
	return err
}

func (a *app) initAccountStore(ctx context.Context) error {
	flags, err := a.idx.LoadOverrides(ctx)
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	a.abil.LoadOverrides(flags)

	pairs, err := a.idx.LoadPairs(ctx)
	if err != nil {
		return fmt.Errorf("load pairs: %w", err)
	}
	a.bodies.Restore(pairs)
	a.bodies.SetPersister(a.idx)
	a.log.Info("account store loaded", zap.Int("overrides", len(flags)), zap.Int("pairs", len(pairs)))
	return nil
}

func (a *app) initZones(context.Context) error {
	return a.reloadZones()
}

func (a *app) reloadZones() error {
	cfg, err := zone.Load(a.cfg.ZonesPath)
	if err != nil {
		return err
	}
	if err := a.coord.ReloadZones(cfg.Definitions()); err != nil {
		return err
	}
	a.log.Info("zones loaded", zap.String("path", a.cfg.ZonesPath), zap.Int("zones", len(cfg.Zones)))
	return nil
}

// tick feeds one batch of host positions into the coordinator. Positions
// arriving before the runtime is ready are dropped.
func (a *app) tick(ctx context.Context) {
	batch := a.ws.DrainPositions()
	if !a.seq.Ready() {
		return
	}
	a.coord.Tick(ctx, batch)
}

func (a *app) Close() {
	a.writer.Close()
	if err := a.idx.Close(); err != nil {
		a.log.Warn("index close", zap.Error(err))
	}
	// The journal hands its last file to the mirror on close.
	if err := a.journal.Close(); err != nil {
		a.log.Warn("journal close", zap.Error(err))
	}
	a.mirror.Close()
}
