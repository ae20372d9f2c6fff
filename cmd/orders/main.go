// Command orders runs the read model projector and the admin server.
//
// The command side has no transport of its own: it is a library surface,
// app.Components.Commands, for callers that embed internal/app. The binary
// still opens the write store so its schema is migrated and its health is
// reported next to the read side.
package main

import (
	"context"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/orders-cqrs/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadConfig()
		if err != nil {
			return err
		}
		return appkg.Run(ctx, lg, m, cfg)
	})
}
