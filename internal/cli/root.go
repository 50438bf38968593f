// Package cli implements collabctl, the operator tool for session maintenance.
package cli

import (
	"context"
	"errors"
	"fmt"

	"diagram-collab/internal/app"
	"diagram-collab/internal/config"
	"diagram-collab/internal/logger"
	"diagram-collab/internal/services"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Backend is what the maintenance commands operate on
type Backend struct {
	Janitor *services.Janitor
	Close   func() error
}

type BackendFactory func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error)

// DefaultBackend opens the configured store and broker
func DefaultBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	st, err := app.OpenStores(cfg, logger)
	if err != nil {
		return nil, err
	}
	fabric, err := app.OpenBroker(ctx, cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	svc := app.NewServices(cfg, st, fabric, logger)
	return &Backend{
		Janitor: svc.Janitor,
		Close: func() error {
			return errors.Join(fabric.Close(), st.Close())
		},
	}, nil
}

type options struct {
	verbose    bool
	cfg        *config.Config
	logger     *zap.Logger
	loadConfig func() (*config.Config, error)
	newBackend BackendFactory
}

func (o *options) backend(ctx context.Context) (*Backend, error) {
	b, err := o.newBackend(ctx, o.cfg, o.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	return b, nil
}

// NewRootCmd builds the collabctl command tree
func NewRootCmd(newBackend BackendFactory) *cobra.Command {
	return newRootCmd(config.Load, newBackend)
}

func newRootCmd(loadConfig func() (*config.Config, error), newBackend BackendFactory) *cobra.Command {
	o := &options{loadConfig: loadConfig, newBackend: newBackend}

	root := &cobra.Command{
		Use:   "collabctl",
		Short: "Operate the diagram collaboration service",
		Long: `collabctl runs maintenance against the session store and can attach to a
live session as a read-only observer.

Configuration comes from .env, collab.yaml and the environment, the same
sources the server reads.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			o.cfg = cfg
			o.logger = zap.NewNop()
			if o.verbose {
				if o.logger, err = logger.New(cfg.LogEnv); err != nil {
					return err
				}
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "Log service activity to stderr")

	root.AddCommand(newCleanupCmd(o), newStatsCmd(o), newWatchCmd(o))
	return root
}

// Execute runs collabctl against the configured backend
func Execute() error {
	return NewRootCmd(DefaultBackend).Execute()
}
