package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/termbridge/termbridge/internal/common/config"
	"github.com/termbridge/termbridge/internal/common/logger"
	"github.com/termbridge/termbridge/internal/events"
	"github.com/termbridge/termbridge/internal/events/bus"
	"github.com/termbridge/termbridge/internal/gateway"
	"github.com/termbridge/termbridge/internal/messenger"
	"github.com/termbridge/termbridge/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

// MessengerFactory builds the chat client for one agent. The concrete
// platform library is a collaborator of the bridge; cmd/termbridge
// supplies the factory.
type MessengerFactory func(agent config.Agent, token string) (messenger.Messenger, error)

// App composes every configured agent runtime over one event bus.
type App struct {
	cfg      *config.Config
	log      *logger.Logger
	events   bus.EventBus
	busClose func()
	gw       *gateway.Server
	runtimes []*Runtime
}

// NewApp validates tokens, connects the event bus and assembles one
// runtime per [[agents]] block. Localhost ports are offset per agent so
// several agents coexist in one process.
func NewApp(cfg *config.Config, newMessenger MessengerFactory, log *logger.Logger) (*App, error) {
	eb, busClose, err := events.Provide(cfg.Global.Events, log)
	if err != nil {
		return nil, err
	}

	app := &App{cfg: cfg, log: log, events: eb, busClose: busClose}
	if cfg.Global.Gateway.Enabled {
		app.gw = gateway.NewServer(cfg.Global.Gateway.Port, eb, log)
	}

	for i, agent := range cfg.ResolvedAgents() {
		token, err := agent.Token()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		msgr, err := newMessenger(agent, token)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.Name, err)
		}

		global := cfg.Global
		global.Share.Port += i
		if global.MCP.Port != 0 {
			global.MCP.Port += i
		}
		rt, err := NewRuntime(&global, agent, msgr, eb, log)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		app.runtimes = append(app.runtimes, rt)
	}
	return app, nil
}

// Run starts everything and blocks until the context is cancelled, then
// drains in reverse order.
func (a *App) Run(ctx context.Context) error {
	if a.gw != nil {
		if err := a.gw.Start(ctx); err != nil {
			return err
		}
	}
	started := make([]*Runtime, 0, len(a.runtimes))
	for _, rt := range a.runtimes {
		if err := rt.Start(ctx); err != nil {
			a.shutdown(started)
			return fmt.Errorf("agent %s: %w", rt.agent.Name, err)
		}
		started = append(started, rt)
	}
	a.log.Info("termbridge running", zap.Int("agents", len(started)))

	<-ctx.Done()
	a.shutdown(started)
	return nil
}

func (a *App) shutdown(started []*Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(started) - 1; i >= 0; i-- {
		started[i].Stop(ctx)
	}
	if a.gw != nil {
		if err := a.gw.Stop(ctx); err != nil {
			a.log.WithError(err).Warn("gateway stop failed")
		}
	}
	a.busClose()
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("tracing shutdown failed")
	}
}
