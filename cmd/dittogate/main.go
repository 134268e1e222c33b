// Command dittogate runs the NAS access controller and the client-side
// helpers that talk to it.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/marmos91/dittogate/internal/logger"
	"github.com/marmos91/dittogate/pkg/config"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dittogate",
		Short:         "Mutual-TLS access controller for a NAS volume",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $XDG_CONFIG_HOME/dittogate/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newStartCommand(),
		newInitCommand(),
		newConnectCommand(),
		newDiscoverCommand(),
		newSchemaCommand(),
		newVersionCommand(),
	)
	return root
}

// loadConfig loads the configuration and applies the logging settings,
// including the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(logLevel)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return nil, fmt.Errorf("log output: %w", err)
	}
	return cfg, nil
}
