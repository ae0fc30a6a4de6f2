// Package cli implements catalogctl, the operator tool for the catalog store.
package cli

import (
	"github.com/spf13/cobra"

	"tracking-catalog/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DSN string
}

// NewRootCommand creates the catalogctl command tree. The --dsn default comes
// from STORE_DSN (or .env) so the tool and the API agree on the store.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	defaultDSN := "memory://"
	if cfg, err := config.Load(); err == nil {
		defaultDSN = cfg.StoreDSN
	}

	cmd := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Manage the tracking plan catalog store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", defaultDSN, "store DSN (memory://, postgres://..., sqlite://<path>)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	return cmd
}
