package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/integrity"
)

// integrityCmd runs the detector battery with the configured severities and
// exits non-zero when the environment is untrusted.
func integrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Run the environment checks once and print the verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := decodeHostKeys(cfg.Server)
			if err != nil {
				return err
			}
			return reportIntegrity(cmd.OutOrStdout(), newMonitor(cfg, logger, keys))
		},
	}
}

func reportIntegrity(out io.Writer, mon *integrity.Monitor) error {
	v := mon.Aggregate()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	if !v.Trusted {
		return fmt.Errorf("environment untrusted: %v", v.Reasons)
	}
	return nil
}
