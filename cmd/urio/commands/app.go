package commands

import (
	"context"
	"os"

	"github.com/urio/urio/pkg/config"
	"github.com/urio/urio/pkg/ingest"
	"github.com/urio/urio/pkg/lineage"
	"github.com/urio/urio/pkg/orchestration"
	"github.com/urio/urio/pkg/resource"
	"github.com/urio/urio/pkg/stores"
	"github.com/urio/urio/pkg/telemetry"
)

// app is the assembled engine shared by all commands: configuration,
// telemetry, store, and the core services wired together.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	device   *stores.Device
	admitter *resource.Admitter
	manager  *ingest.Manager
	linker   *lineage.Linker
	executor *orchestration.Executor
}

// setupApp loads configuration, brings up telemetry and the store, and
// registers the device. The returned context carries the telemetry
// instance so spans flow through the core services; the shutdown func
// flushes and closes everything.
func setupApp(ctx context.Context, version string) (*app, context.Context, func(), error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		cfg = config.Default()
		if err := cfg.Ingest.Rules.Compile(); err != nil {
			return nil, nil, nil, err
		}
	}

	if deviceName != "" {
		cfg.Device.Name = deviceName
	}
	if cfg.Device.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, nil, nil, err
		}
		cfg.Device.Name = host
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Telemetry.MetricsEnabled {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, nil, nil, err
		}
	}
	ctx = tel.WithContext(ctx)

	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}

	device := &stores.Device{
		Name:     cfg.Device.Name,
		Boundary: cfg.Device.Boundary,
	}
	if err := store.UpsertDevice(ctx, device); err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}

	registry := ingest.NewRegistry()
	registry.Register(ingest.NewFSAdapter(tel.Logger))

	admitter := resource.NewAdmitter(store, tel.Logger, tel.Metrics)
	manager := ingest.NewManager(store, admitter, &cfg.Ingest.Rules, registry, tel.Logger, tel.Metrics)
	linker := lineage.NewLinker(store, tel.Logger, tel.Metrics)
	executor := orchestration.NewExecutor(store, tel.Logger, tel.Metrics)

	shutdown := func() {
		_ = tel.Shutdown(context.Background())
		_ = store.Close()
	}

	return &app{
		cfg:      cfg,
		tel:      tel,
		store:    store,
		device:   device,
		admitter: admitter,
		manager:  manager,
		linker:   linker,
		executor: executor,
	}, ctx, shutdown, nil
}
