package mcpserver

import (
	"context"
	"sync"
	"time"
)

// DefaultConfig returns the default configuration. Port 0 lets the
// kernel pick; the bound port lands in the CLI's MCP settings.
func DefaultConfig() Config {
	return Config{Port: 0}
}

// Provide starts the MCP server and returns a cleanup function to stop
// it.
func Provide(ctx context.Context, srv *Server) (func() error, error) {
	if err := srv.Start(ctx); err != nil {
		return nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}
	return cleanup, nil
}
