package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"reportbridge/internal/config"
)

func NewConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(opts.Config).Parse()
			if err != nil {
				return WrapExitError(ExitFailure, "invalid config", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, map[string]any{
				"path":               opts.Config,
				"org_unit_id_scheme": cfg.OrgUnitIDScheme,
				"queue":              cfg.Queue.Driver,
				"storage":            cfg.Storage.Driver,
				"checkpoints":        cfg.Checkpoint.Driver,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "%s: ok (queue=%s storage=%s checkpoints=%s scheme=%s)\n",
					opts.Config, cfg.Queue.Driver, cfg.Storage.Driver, cfg.Checkpoint.Driver, cfg.OrgUnitIDScheme)
			})
		},
	})
	return cmd
}
