package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"caspero/config"
	"caspero/core/events"
	"caspero/core/state"
	"caspero/native/escrow"
	"caspero/native/staking"
	"caspero/observability"
	"caspero/observability/logging"
	"caspero/rpc"
	"caspero/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CASPERO_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	var fileOpts *logging.FileOptions
	if strings.TrimSpace(cfg.LogFile) != "" {
		fileOpts = &logging.FileOptions{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}
	}
	logger := logging.Setup("casperod", env, fileOpts)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrow"))
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)

	var adapter staking.Adapter
	if strings.TrimSpace(cfg.StakingEndpoint) != "" {
		adapter = staking.NewConnector(nil, cfg.StakingEndpoint)
	} else {
		// Local development runs against the in-process adapter.
		logger.Warn("no staking endpoint configured, using in-process adapter")
		adapter = staking.NewStatic()
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetAdapter(adapter)
	engine.SetEmitter(events.Fanout{
		events.NewLogEmitter(logger),
		observability.EventEmitter{},
	})
	engine.SetVault(cfg.Vault())
	engine.SetOwner(cfg.Owner())
	if err := engine.LoadStakingHandles(); err != nil {
		logger.Error("failed to restore staking contract handles", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(engine, logger)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("rpc server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
