package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mountgw/internal/config"
	"mountgw/internal/gateway"
	"mountgw/internal/metrics"
	"mountgw/internal/routes"
	"mountgw/internal/watch"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Serve every enabled route from the route file under its mount prefix.
The route file is watched and reloaded on change; SIGHUP forces a reload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("listen"); v != "" {
				cfg.Listen = v
			}
			if v, _ := cmd.Flags().GetString("dashboard"); v != "" {
				cfg.Dashboard.Target = v
			}
			if cmd.Flags().Changed("watch") {
				cfg.Watch.Enabled, _ = cmd.Flags().GetBool("watch")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}

			store := routes.NewStore(cfg.RouteFileCandidates(), logger)
			if _, err := store.Reload(); err != nil {
				logger.WithError(err).Warn("starting with an empty route table")
			}
			var m *metrics.Metrics
			if cfg.Metrics {
				m = metrics.New()
			}
			gw, err := gateway.New(gateway.Options{
				Config:  cfg,
				Store:   store,
				Logger:  logger,
				Metrics: m,
			})
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           gw,
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			trigger := watch.NewTrigger()
			sources := reloadSources(cfg, store, logger, trigger)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-hup:
						logger.Info("SIGHUP received, reloading routes")
						trigger.Fire()
					}
				}
			})
			g.Go(func() error {
				return watch.Run(ctx, store, logger, sources...)
			})
			g.Go(func() error {
				logger.WithFields(logrus.Fields{
					"listen":    cfg.Listen,
					"routes":    store.ActivePath(),
					"config_ui": cfg.ConfigUIPath,
					"version":   version,
				}).Info("mountgw listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on (overrides config and PORT)")
	cmd.Flags().String("dashboard", "", "Upstream for dashboard paths that no route claims")
	cmd.Flags().Bool("watch", true, "Reload the route file when it changes")
	return cmd
}

// reloadSources lists what triggers a route reload: the SIGHUP trigger, the
// file watcher and the optional fixed-period poll.
func reloadSources(cfg config.Config, store *routes.Store, logger logrus.FieldLogger, trigger *watch.Trigger) []watch.Source {
	sources := []watch.Source{trigger}
	if cfg.Watch.Enabled {
		sources = append(sources, &watch.FileSource{
			Files:    store.Paths(),
			Debounce: cfg.Watch.Debounce,
			Log:      logger,
		})
	}
	if cfg.Watch.PollInterval > 0 {
		sources = append(sources, watch.Poll{Every: cfg.Watch.PollInterval})
	}
	return sources
}
