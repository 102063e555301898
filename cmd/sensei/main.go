package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sensei/pkg/config"
	"github.com/go-go-golems/sensei/pkg/logging"
	"github.com/go-go-golems/sensei/pkg/store"
	"github.com/go-go-golems/sensei/pkg/threads"
)

type app struct {
	cfg *config.Config
}

func (a *app) openBackend() (store.Backend, error) {
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryBackend(), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0o755); err != nil {
			return nil, errors.Wrap(err, "sensei: create store directory")
		}
		dsn, err := store.SQLiteDSNForFile(a.cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteBackend(dsn)
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0o755); err != nil {
			return nil, errors.Wrap(err, "sensei: create store directory")
		}
		return store.NewBoltBackend(a.cfg.Store.Path)
	default:
		return nil, errors.Errorf("sensei: unknown store backend %q", a.cfg.Store.Backend)
	}
}

func (a *app) openIndex() (store.Backend, *threads.Index, error) {
	backend, err := a.openBackend()
	if err != nil {
		return nil, nil, err
	}
	ix, err := threads.NewIndex(backend)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return backend, ix, nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "sensei",
		Short:         "Streaming search chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			a.cfg = cfg
			return logging.Setup(cfg.LogLevel)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(newAskCmd(a))
	root.AddCommand(newThreadsCmd(a))
	root.AddCommand(newWhoamiCmd(a))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
