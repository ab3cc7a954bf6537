package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reportbridge/internal/checkpoint"
)

func NewCheckpointsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and release failed deliveries",
	}
	cmd.AddCommand(newCheckpointsListCommand(opts))
	cmd.AddCommand(newCheckpointsReplayCommand(opts))
	return cmd
}

func newCheckpointsListCommand(opts *RootOptions) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints in a state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := checkpoint.ParseState(state)
			if err != nil {
				return WrapExitError(ExitCommandError, "bad --state", err)
			}
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			recs, err := s.comp.Checkpoints.List(cmd.Context(), st, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "list failed", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, recs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDATA SET\tCREATED\tCONTEXT")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Notification.DataSetCode, r.CreatedAt.Format(time.RFC3339), r.Context)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "not_delivered", "not_delivered|pending_replay")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows (0 for all)")
	return cmd
}

func newCheckpointsReplayCommand(opts *RootOptions) *cobra.Command {
	var payloadFile string
	cmd := &cobra.Command{
		Use:   "replay <id>",
		Short: "Release a failed checkpoint for the replayer",
		Long: `Move a not_delivered checkpoint to pending_replay. With --payload the
stored flow payload is replaced by the file's JSON first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if payloadFile != "" {
				b, err := os.ReadFile(payloadFile)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read payload", err)
				}
				if !json.Valid(b) {
					return NewExitError(ExitCommandError, "payload is not valid JSON")
				}
				payload = b
			}
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.comp.Checkpoints.MarkForReplay(cmd.Context(), args[0], payload)
			switch {
			case errors.Is(err, checkpoint.ErrNotFound), errors.Is(err, checkpoint.ErrWrongState):
				return WrapExitError(ExitCommandError, "cannot release checkpoint", err)
			case err != nil:
				return WrapExitError(ExitFailure, "release failed", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, rec, func(w io.Writer) {
				fmt.Fprintf(w, "%s is %s\n", rec.ID, rec.State)
			})
		},
	}
	cmd.Flags().StringVar(&payloadFile, "payload", "", "file with a corrected JSON payload")
	return cmd
}
