package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := cnwloader.GenerateFingerprint()
			if err != nil {
				return fmt.Errorf("generating fingerprint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fp)
			return nil
		},
	}
}
