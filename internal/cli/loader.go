package cli

import (
	"github.com/spf13/cobra"

	"reportbridge/internal/app"
	"reportbridge/internal/config"
	"reportbridge/internal/eventbus"
	logx "reportbridge/pkg/logx"
)

// session is a one-shot command's view of the bridge.
type session struct {
	cfg  *config.Config
	comp *app.Components
	log  logx.Logger
}

func (s *session) Close() { _ = s.comp.Close() }

// openSession loads the config and wires the bridge without starting any
// background work. Logs go to stderr so --format json output stays clean.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg, err := config.NewManager(opts.Config).Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	log := logx.NewWriter(cmd.ErrOrStderr(), level)
	comp, err := app.Build(cfg, log, eventbus.New())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open bridge", err)
	}
	return &session{cfg: cfg, comp: comp, log: log}, nil
}
