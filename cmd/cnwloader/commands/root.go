package commands

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/config"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/telemetry"
)

// version is overridden at build time with -ldflags "-X ...commands.version=".
var version = "dev"

var (
	configPath string
	logLevel   string

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

func Execute() error {
	root := &cobra.Command{
		Use:          "cnwloader",
		Short:        "Licensed loader session host",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				c.Logging.Level = logLevel
			}
			l, closer, err := telemetry.NewLogger(c.Logging)
			if err != nil {
				return err
			}
			cfg, logger, logCloser = c, l, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(runCmd(), fingerprintCmd(), integrityCmd(), mockAuthorityCmd())
	return root.Execute()
}
