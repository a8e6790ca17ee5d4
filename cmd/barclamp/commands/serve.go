package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/barclamp/pkg/api"
	"github.com/openfroyo/barclamp/pkg/catalog"
	"github.com/openfroyo/barclamp/pkg/policy"
	"github.com/openfroyo/barclamp/pkg/stream"
)

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the JSON API and the commit queue drainer",
		Long: `Run the lifecycle service.

serve exposes the JSON API and Prometheus metrics, drains queued commits on the
configured interval, reloads the catalog and policy files when they change, and
streams lifecycle events to Kafka when the stream is enabled.`,
		Example: `  # Serve with the workspace config
  barclamp serve

  # Serve on another address
  barclamp serve --listen 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			rt, err := openRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			cfg := rt.cfg
			if listen != "" {
				cfg.HTTP.Listen = listen
			}
			logger := rt.logger.With().Str("component", "serve").Logger()

			catalogWatcher := catalog.NewWatcher(cfg.Catalog.Path, rt.catalog, rt.logger)
			catalogWatcher.OnApply(func(cat *catalog.Catalog, err error) {
				if err != nil {
					return
				}
				logger.Info().Str("path", cfg.Catalog.Path).Msg("Catalog reloaded")
				_ = rt.tel.Events.PublishCatalogReloaded(len(cat.Barclamps))
			})
			if cfg.Catalog.Watch {
				if err := catalogWatcher.Start(ctx); err != nil {
					return err
				}
				defer catalogWatcher.Close()
			}

			if cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				loader := policy.NewLoader(rt.logger)
				// Replacing policies drops the catalog-declared ones; re-applying the
				// catalog registers them again.
				err := loader.Watch(ctx, cfg.Policy.Paths, func(ps []policy.Policy) error {
					if err := rt.policies.ReplacePolicies(ctx, ps); err != nil {
						return err
					}
					return catalogWatcher.Reload(ctx)
				})
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			if cfg.Stream.Enabled {
				sink, err := stream.NewKafkaSink(stream.Config{
					Brokers: cfg.Stream.Brokers,
					Topic:   cfg.Stream.Topic,
				}, rt.logger)
				if err != nil {
					return err
				}
				sink.Attach(rt.tel.Events, nil)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					// Buffered events go out before the sink stops writing.
					if err := rt.tel.Events.Shutdown(shutdownCtx); err != nil {
						logger.Warn().Err(err).Msg("Event publisher did not drain")
					}
					if err := sink.Close(shutdownCtx); err != nil {
						logger.Warn().Err(err).Msg("Event stream did not flush")
					}
				}()
				logger.Info().Strs("brokers", cfg.Stream.Brokers).Str("topic", cfg.Stream.Topic).Msg("Streaming events to Kafka")
			}

			if cfg.Queue.DrainInterval > 0 {
				go rt.lifecycle.Queue().Run(ctx, cfg.Queue.DrainInterval)
			}

			server := api.NewServer(api.Options{
				Service:        rt.lifecycle,
				Health:         rt.store,
				Metrics:        rt.tel.Metrics.Handler(),
				RequestTimeout: cfg.HTTP.RequestTimeout,
				Logger:         rt.logger,
			})
			httpServer := &http.Server{
				Addr:         cfg.HTTP.Listen,
				Handler:      server.Router(),
				ReadTimeout:  cfg.HTTP.ReadTimeout,
				WriteTimeout: cfg.HTTP.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().
					Str("listen", cfg.HTTP.Listen).
					Str("version", version).
					Dur("drain_interval", cfg.Queue.DrainInterval).
					Msg("Barclamp service started")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancelShutdown()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the HTTP listen address")

	return cmd
}
