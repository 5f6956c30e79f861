// Command xlb is the layer-4 load balancer process: it loads a config
// file, attaches the fast-path XDP program, and runs the maintenance
// loop until a termination signal asks it to drain and exit.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xlb-io/xlb/internal/lifecycle"
)

func main() {
	configPath := flag.String("config", "./xlb.yaml","path to the xlb config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := lifecycle.Start(ctx, *configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to start xlb")
	}

	<-ctx.Done()
	logrus.Info("received shutdown signal, draining")

	shutdownCtx := context.Background()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("shutdown did not complete cleanly")
		os.Exit(1)
	}
}
