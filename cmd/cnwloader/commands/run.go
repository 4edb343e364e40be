package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader"
	"github.com/CloudNativeWorks/cnw-loader-sdk/cnwloader/telemetry"
)

// PasswordEnv is read when --password is not given.
const PasswordEnv = "CNW_LOADER_PASSWORD"

const shutdownTimeout = 5 * time.Second

func runCmd() *cobra.Command {
	var (
		username  string
		password  string
		pollEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Authenticate, validate the license and hold the session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv(PasswordEnv)
			}
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password (or %s) are required", PasswordEnv)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			providers, err := telemetry.Setup(ctx, cfg.Telemetry, version, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := providers.Shutdown(sctx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()

			keys, err := decodeHostKeys(cfg.Server)
			if err != nil {
				return err
			}

			seats, err := openSeats(ctx, cfg.Seats)
			if err != nil {
				return fmt.Errorf("opening seat registry: %w", err)
			}
			if seats != nil {
				defer seats.Close(context.Background())
			}

			client := newClient(cfg, logger, providers, seats, keys)
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := client.Close(cctx); err != nil {
					logger.Warn("close failed", "error", err)
				}
			}()

			g, gctx := errgroup.WithContext(ctx)
			if cfg.Telemetry.MetricsAddr != "" {
				srv := &http.Server{
					Addr:              cfg.Telemetry.MetricsAddr,
					Handler:           statusRouter(client, providers.MetricsHandler),
					ReadHeaderTimeout: shutdownTimeout,
				}
				g.Go(func() error { return serve(gctx, srv) })
			}
			g.Go(func() error {
				return holdSession(gctx, cmd.OutOrStdout(), client, username, password, pollEvery)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (default $"+PasswordEnv+")")
	cmd.Flags().DurationVar(&pollEvery, "poll", time.Second, "how often to check for a ban while holding the session")
	return cmd
}

// holdSession runs initialize, login and validate in order, prints the
// license, then waits for shutdown. A ban ends the session with an error.
func holdSession(ctx context.Context, out io.Writer, client *cnwloader.Client, username, password string, pollEvery time.Duration) error {
	steps := []struct {
		name string
		fn   func(context.Context) bool
	}{
		{"initialize", client.Initialize},
		{"login", func(ctx context.Context) bool { return client.Login(ctx, username, password) }},
		{"validate license", client.ValidateLicense},
	}
	for i, step := range steps {
		logger.Info("loader step", "step", i+1, "name", step.name)
		if !step.fn(ctx) {
			return stepError(client, step.name)
		}
	}

	user, lic := client.GetUserInfo(), client.GetLicenseInfo()
	fmt.Fprintf(out, "Authenticated as %s\n", user.Username)
	fmt.Fprintf(out, "License %s (%s): %s", lic.ID, lic.Type, lic.Status)
	if lic.ExpiresAt != nil {
		fmt.Fprintf(out, ", expires %s", lic.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "state", client.State().String())
			return nil
		case <-ticker.C:
			if client.IsBanned() {
				return fmt.Errorf("session banned: %s", client.GetBanReason())
			}
		}
	}
}

func stepError(client *cnwloader.Client, step string) error {
	if client.IsBanned() {
		return fmt.Errorf("%s: banned: %s", step, client.GetBanReason())
	}
	d, ok := client.LastDiagnostic()
	if !ok {
		return fmt.Errorf("%s failed", step)
	}
	return fmt.Errorf("%s failed (%s): %w", step, d.Code, d.Err)
}

func statusRouter(client *cnwloader.Client, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", metrics)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !client.IsAuthenticated() {
			render.Status(r, http.StatusServiceUnavailable)
		}
		render.JSON(w, r, map[string]any{
			"state":  client.State().String(),
			"banned": client.IsBanned(),
		})
	})
	return r
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
