package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ksysoev/hyphe-text-indexer/pkg/coordinator"
	"github.com/ksysoev/hyphe-text-indexer/pkg/docstore"
	"github.com/ksysoev/hyphe-text-indexer/pkg/extract"
	"github.com/ksysoev/hyphe-text-indexer/pkg/logfanin"
	"github.com/ksysoev/hyphe-text-indexer/pkg/searchcluster"
	"github.com/ksysoev/hyphe-text-indexer/pkg/worker"
)

const mongoConnectBudget = 60 * time.Second

// RunCommand wires the document store, search cluster, extractor registry,
// worker pool, and coordinator, then runs the coordinator until ctx is
// cancelled. It returns a non-zero-exit-worthy error on any unrecoverable
// initialization failure (spec §6 exit codes).
func RunCommand(ctx context.Context, flags *cmdFlags) error {
	bus := logfanin.NewBus()

	if err := initLogger(bus, flags); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if dir := filepath.Dir(cfg.LogFilePath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}

	listenerCtx, stopListener := context.WithCancel(context.WithoutCancel(ctx))
	startLogListener(listenerCtx, bus, cfg.LogFilePath, flags)

	defer stopListener()

	store, err := docstore.Connect(ctx, docstore.Config{Host: cfg.Mongo.Host, Port: cfg.Mongo.Port}, mongoConnectBudget)
	if err != nil {
		return fmt.Errorf("document store unreachable: %w", err)
	}

	defer store.Close(context.WithoutCancel(ctx)) //nolint:errcheck // best-effort cleanup on shutdown

	engine, err := searchcluster.Connect(ctx, searchcluster.Config{
		Host:       cfg.Elasticsearch.Host,
		Port:       cfg.Elasticsearch.Port,
		TimeoutSec: cfg.Elasticsearch.TimeoutSec,
	})
	if err != nil {
		return fmt.Errorf("search cluster never reached a healthy state: %w", err)
	}

	registry := extract.NewRegistry()

	pool := worker.New(cfg.NBIndexationWorkers, store, engine, registry)

	if cfg.ReadyFile != "" {
		if dir := filepath.Dir(cfg.ReadyFile); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
	}

	coord := coordinator.New(store, engine, pool, coordinator.Config{
		BatchSize:                cfg.BatchSize,
		NBIndexationWorkers:      cfg.NBIndexationWorkers,
		UpdateWEFreq:             cfg.UpdateWEFreq,
		DefaultExtractionMethods: cfg.ExtractionMethods,
		DefaultExtractionMethod:  cfg.DefaultExtractionMethod,
		ReadyFile:                cfg.ReadyFile,
	})

	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("coordinator stopped: %w", err)
	}

	return nil
}
