package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/termbridge/termbridge/internal/bridge"
	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/messenger"
)

// newMessenger builds the chat platform client for one agent. The
// concrete client library is integration-specific and links in here;
// the bridge itself only ever sees the messenger.Messenger interface.
var newMessenger bridge.MessengerFactory = func(agent config.Agent, token string) (messenger.Messenger, error) {
	return nil, fmt.Errorf("no chat platform client is linked for agent %s; wire one into cmd/termbridge", agent.Name)
}

// runBridge is the default subcommand: load settings, build one runtime
// per agent and block until a signal arrives.
func runBridge(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to settings.toml or its directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Global.Logging.Level,
		Format:     cfg.Global.Logging.Format,
		OutputPath: cfg.Global.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	app, err := bridge.NewApp(cfg, newMessenger, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}
