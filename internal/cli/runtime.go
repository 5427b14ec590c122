package cli

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lazypower/bondline/internal/config"
	"github.com/lazypower/bondline/internal/engine"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/logger"
	"github.com/lazypower/bondline/internal/store"
	"github.com/lazypower/bondline/internal/store/memstore"
)

// runtime is everything a local command needs: config, logger, store,
// event bus and engine.
type runtime struct {
	cfg     config.Config
	log     zerolog.Logger
	store   store.Store
	dbPath  string
	bus     *events.Bus
	engine  *engine.Engine
	sweeper *engine.Sweeper
}

func loadRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg)
}

func newRuntime(cfg config.Config) (*runtime, error) {
	log := logger.New("bondline", cfg.Log.Level, cfg.Log.Pretty)

	ecfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, dbPath, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.Events.Buffer)
	eng := engine.New(st, ecfg, bus, nil, log)
	return &runtime{
		cfg:     cfg,
		log:     log,
		store:   st,
		dbPath:  dbPath,
		bus:     bus,
		engine:  eng,
		sweeper: engine.NewSweeper(eng, cfg.Decay.Interval, cfg.Decay.Workers),
	}, nil
}

func (r *runtime) Close() {
	r.bus.Close()
	if err := r.store.Close(); err != nil {
		r.log.Error().Err(err).Msg("close store")
	}
}

// openStore opens the configured backend. The returned path is empty for the
// in-memory store.
func openStore(cfg config.DatabaseConfig) (store.Store, string, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.New(), "", nil
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			var err error
			path, err = store.DefaultDBPath()
			if err != nil {
				return nil, "", fmt.Errorf("resolve db path: %w", err)
			}
		}
		db, err := store.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open database: %w", err)
		}
		return db, path, nil
	default:
		return nil, "", fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// engineConfig translates the file/env configuration into engine settings.
func engineConfig(cfg config.Config) (engine.Config, error) {
	capacities, err := cfg.TierCapacities()
	if err != nil {
		return engine.Config{}, err
	}
	rc, err := cfg.RarityPolicy()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Capacities: capacities,
		Rarity:     rc,
		Decay: engine.DecayPolicy{
			Grace:            cfg.Decay.Grace,
			HalfLife:         cfg.Decay.HalfLife,
			LowWater:         cfg.Decay.LowWater,
			Expiry:           cfg.Decay.Expiry,
			InteractionBoost: cfg.Decay.InteractionBoost,
		},
		AcceptanceWindow: cfg.Queue.AcceptanceWindow,
	}, nil
}
