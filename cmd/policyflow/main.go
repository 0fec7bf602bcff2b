package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/policyflow/policyflow/internal/config"
	"github.com/policyflow/policyflow/internal/log"
	"github.com/policyflow/policyflow/internal/otel"
	"github.com/policyflow/policyflow/internal/rest"
	"github.com/policyflow/policyflow/internal/sql"
	"github.com/policyflow/policyflow/pkg/engine"
	"github.com/policyflow/policyflow/pkg/storage"
	"github.com/policyflow/policyflow/pkg/storage/inmemory"
)

func main() {
	conf := config.InitConfig()
	log.Init(conf.Name, conf.LogLevel)

	appContext, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	openTelemetry, err := otel.SetupOtel(conf)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store, closeStore, err := openStorage(conf.Storage)
	if err != nil {
		log.Error("Failed to open storage: %s", err)
		os.Exit(1)
	}

	eng := engine.NewEngine(
		engine.EngineWithStorage(store),
		engine.EngineWithName(conf.Name),
		engine.EngineWithLeaseDuration(conf.Engine.LeaseDuration),
		engine.EngineWithSweepInterval(conf.Engine.SweepInterval),
	)
	eng.Start()

	if conf.Engine.SeedDir != "" {
		if err := seedResources(appContext, eng, conf.Engine.SeedDir); err != nil {
			log.Error("Failed to seed resources from %s: %s", conf.Engine.SeedDir, err)
			os.Exit(1)
		}
	}

	// Start the public API
	svr := rest.NewServer(eng, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Info("Received %s. Shutting down", sig.String())

	// cleanup
	svr.Stop(appContext)
	eng.Stop()
	if err := closeStore(); err != nil {
		log.Error("Failed to close storage: %s", err)
	}
	openTelemetry.Stop(appContext)
}

func openStorage(conf config.Storage) (storage.Storage, func() error, error) {
	switch conf.Driver {
	case config.StorageDriverMemory:
		return inmemory.NewStorage(), func() error { return nil }, nil
	default:
		store, err := sql.NewStore(conf.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

// seedResources deploys every yaml file found in dir. Files carrying a
// decisionId are deployed as decision tables, the rest as process
// definitions.
func seedResources(ctx context.Context, eng *engine.Engine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var sniff struct {
			DecisionId string `yaml:"decisionId"`
		}
		if err := yaml.Unmarshal(data, &sniff); err != nil {
			return err
		}
		if sniff.DecisionId != "" {
			if _, err := eng.DeployDecisionTable(ctx, data); err != nil {
				return err
			}
		} else {
			if _, err := eng.DeployProcessDefinition(ctx, data); err != nil {
				return err
			}
		}
		log.Info("Seeded %s", path)
	}
	return nil
}
