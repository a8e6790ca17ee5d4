package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/barclamp/pkg/catalog"
	"github.com/openfroyo/barclamp/pkg/stores"
)

const defaultConfigFile = "./barclamp.yaml"

const defaultConfig = `# Barclamp configuration

database:
  path: %s

catalog:
  path: %s
  watch: true

# Without a backend URL every barclamp is detached and commits stay queued.
backend:
  url: ""
  # 0s leaves the request to queue.commit_timeout; a set value must exceed it.
  timeout: 0s
  breaker:
    failure_threshold: 5
    open_timeout: 30s

queue:
  commit_timeout: 30s
  drain_interval: 10s

lock:
  driver: memory

registry:
  cache_ttl: 5s

stream:
  enabled: false
  topic: barclamp.events

http:
  listen: ":8080"

telemetry:
  log_level: info
  log_format: console
  trace_exporter: none
  metrics_enabled: true
  event_buffer: 1000
`

const starterCatalog = `barclamps:
  - name: crowbar
    description: Self-deployment of the provisioner
    version: "1.0"
    attributes:
      realm: local
    deployment:
      elements:
        crowbar: []
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a barclamp workspace",
		Long: `Initialize a workspace with a SQLite database, a starter catalog and a
configuration file.

Existing catalog and configuration files are kept unless --force is given.`,
		Example: `  # Initialize in the current directory
  barclamp init

  # Initialize next to a custom config path
  barclamp init --config /etc/barclamp/barclamp.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			path := configPath
			if path == "" {
				path = defaultConfigFile
			}
			root := filepath.Dir(path)
			dataDir := filepath.Join(root, "data")
			catalogDir := filepath.Join(root, "catalog")

			log.Info().Str("config", path).Msg("Initializing workspace")
			w := out(cmd)
			fmt.Fprintf(w, "Initializing barclamp workspace in %s\n\n", root)

			for _, dir := range []string{dataDir, catalogDir} {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(w, "✓ Created directory: %s\n", dir)
			}

			dbPath := filepath.Join(dataDir, "barclamp.db")
			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(w, "✓ Initialized SQLite database: %s\n", dbPath)

			catalogFile := filepath.Join(catalogDir, "catalog.yaml")
			written, err := writeIfAbsent(catalogFile, starterCatalog, force)
			if err != nil {
				return err
			}
			if _, err := catalog.Load(catalogDir); err != nil {
				return fmt.Errorf("catalog in %s is invalid: %w", catalogDir, err)
			}
			report(w, written, "catalog", catalogFile)

			written, err = writeIfAbsent(path, fmt.Sprintf(defaultConfig, dbPath, catalogDir), force)
			if err != nil {
				return err
			}
			report(w, written, "config file", path)

			fmt.Fprintf(w, "\n✅ Workspace initialized successfully!\n\n")
			fmt.Fprintf(w, "Next steps:\n")
			fmt.Fprintf(w, "  1. Create a proposal:\n")
			fmt.Fprintf(w, "     barclamp proposal create crowbar default\n\n")
			fmt.Fprintf(w, "  2. Start the API and queue drainer:\n")
			fmt.Fprintf(w, "     barclamp serve\n\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing catalog and config files")

	return cmd
}

func writeIfAbsent(path, content string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

func report(w io.Writer, written bool, what, path string) {
	if written {
		fmt.Fprintf(w, "✓ Created %s: %s\n", what, path)
		return
	}
	fmt.Fprintf(w, "✓ Kept existing %s: %s\n", what, path)
}
