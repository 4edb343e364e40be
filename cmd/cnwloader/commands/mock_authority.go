package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/authoritytest"
)

// mockAuthorityCmd serves the in-memory authority with one demo account so
// run can be exercised without a real license server.
func mockAuthorityCmd() *cobra.Command {
	var (
		addr     string
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:   "mock-authority",
		Short: "Serve an in-memory license authority for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(PasswordEnv)
			}
			if password == "" {
				return fmt.Errorf("--password (or %s) is required", PasswordEnv)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := authoritytest.New(authoritytest.WithLogger(logger))
			a.AddAccount(authoritytest.DemoAccount(username, password))

			fmt.Fprintf(cmd.OutOrStdout(), "Authority listening on %s\n", addr)
			fmt.Fprintf(cmd.OutOrStdout(), "Trusted key: %s\n", a.PublicKey())

			return serve(ctx, &http.Server{
				Addr:              addr,
				Handler:           a.Handler(),
				ReadHeaderTimeout: shutdownTimeout,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVarP(&username, "username", "u", "demo", "demo account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "demo account password (default $"+PasswordEnv+")")
	return cmd
}
