package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offsync.org/internal/app"
	"offsync.org/internal/config"
	"offsync.org/internal/obs"
	"offsync.org/internal/policy"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first sync layer for the data API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCmd(opts),
		newDrainCmd(opts),
		newSweepCmd(opts),
		newSyncCmd(opts),
		newQueueCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	obs.Configure(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// oneShot builds the app without the background worker, runs fn and closes.
func (o *rootOptions) oneShot(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	cfg.Sync.BackgroundMode = "manual"
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync layer and the local ops API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			obs.Init()
			obs.InitBuildInfo(version, commit)
			log := obs.Component("syncd")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           a.OpsAPI(version).Handler(),
				ReadTimeout:       15 * time.Second,
				ReadHeaderTimeout: 15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", srv.Addr).WithField("version", version).Info("ops_api_listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
					stop()
				}
			}()

			_ = a.Run(ctx)
			log.Info("shutting_down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)

			select {
			case err := <-errCh:
				return fmt.Errorf("listen: %w", err)
			default:
			}
			log.Info("stopped")
			return nil
		},
	}
}

func newDrainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued requests once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Background.Trigger(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Cache.SweepExpired(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"removed": n})
			})
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync <domain>",
		Short: "Prefetch a data domain per its sync profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Policy.SyncDomain(ctx, args[0], policy.Options{Force: force})
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore the sync debounce")
	return cmd
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "queue",
		Aliases: []string{"q"},
		Short:   "List pending requests",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.oneShot(cmd.Context(), func(_ context.Context, a *app.App) error {
				type item struct {
					ID         string    `json:"id"`
					Method     string    `json:"method"`
					URL        string    `json:"url"`
					Domain     string    `json:"domain,omitempty"`
					Retries    int       `json:"retries"`
					EnqueuedAt time.Time `json:"enqueued_at"`
				}
				items := []item{}
				for _, r := range a.Queue.List() {
					items = append(items, item{r.ID, r.Method, r.URL, r.Domain, r.Retries, r.EnqueuedAt})
				}
				return printJSON(cmd, items)
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syncd %s (%s)\n", version, commit)
		},
	}
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password := os.Getenv("OFFSYNC_PASSWORD")
			if email == "" || password == "" {
				return errors.New("login: --email and OFFSYNC_PASSWORD are required")
			}
			return opts.oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Auth.SignIn(ctx, email, password)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"user_id": s.User.ID, "email": s.User.Email, "expires_at": s.ExpiresAt})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Auth.SignOut(ctx)
			})
		},
	}
}
