package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittogate/internal/logger"
	"github.com/marmos91/dittogate/pkg/config"
	"github.com/marmos91/dittogate/pkg/server"
	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the access controller until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("DittoGate %s starting (auth port %d, data port %d, volume %s)",
		version, cfg.Gate.AuthPort, cfg.Gate.DataPort, cfg.Storage.Path)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := config.InitializeMetrics(cfg)

	device, err := config.CreateDevice(ctx, cfg, m.GateMetrics)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := device.Close(closeCtx); err != nil {
			logger.Error("Closing device resources: %v", err)
		}
	}()

	rt := server.New(cfg.Server.ShutdownTimeout)
	if m.Server != nil {
		if err := rt.AddService(m.Server); err != nil {
			return err
		}
	}
	if err := rt.AddService(device.Controller); err != nil {
		return err
	}

	if err := rt.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("DittoGate stopped")
	return nil
}
