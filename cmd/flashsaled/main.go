// Command flashsaled runs the seckill order consumer and exposes Prometheus
// metrics. Configuration comes from the environment, see internal/config.
package main

import (
	"context"
	"log/slog"
	"os"

	"go.uber.org/fx"
)

func main() {
	app := fx.New(Module)

	if err := app.Start(context.Background()); err != nil {
		slog.Error("failed to start flashsaled", "error", err)
		os.Exit(1)
	}

	<-app.Done()

	if err := app.Stop(context.Background()); err != nil {
		slog.Error("failed to stop flashsaled", "error", err)
	}
}
