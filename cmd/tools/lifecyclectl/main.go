// cmd/tools/lifecyclectl/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/orchestrator"
	"application-lifecycle/internal/search"
	"application-lifecycle/internal/store"
)

var (
	cfgFile string
	version = "dev"
)

// env is what every subcommand works against. It is built lazily from the
// service config so --help never touches a database.
type env struct {
	cfg     *config.Config
	store   store.Store
	svc     *orchestrator.Service
	indexer *search.TransitionIndexer
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lifecyclectl",
		Short:         "Operator tool for the application lifecycle service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/config.yaml)")

	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(timelineCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(syncCmd())
	return root
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromFile(cfgFile)
	}
	return config.Load()
}

// openEnv connects to the configured store, and to Elasticsearch when
// withSearch is set.
func openEnv(ctx context.Context, withSearch bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewStructured(cfg.Logging.Level, "console", "stderr")
	e := &env{cfg: cfg}

	switch cfg.Store.Driver {
	case "memory":
		e.store = store.NewMemoryStore()
	default:
		pg, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, pg.Close)
		if err := pg.Ping(ctx); err != nil {
			e.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		e.store = store.NewPostgresStore(pg.DB, log)
	}
	e.svc = orchestrator.NewService(e.store, nil, orchestrator.ConfigFrom(cfg), log)

	if withSearch {
		if !cfg.Database.Elasticsearch.Enabled {
			e.Close()
			return nil, fmt.Errorf("elasticsearch is disabled in config")
		}
		es, err := database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.indexer = search.NewTransitionIndexer(es.Client, cfg.Search.TransitionIndex, log)
	}
	return e, nil
}
