package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronise contact-hub contacts with registry users once",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			rep, err := s.comp.Reconciler.Sync(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, rep, func(w io.Writer) {
				fmt.Fprintf(w, "users=%d created=%d updated=%d skipped=%d failed=%d took=%s\n",
					rep.Users, rep.Created, rep.Updated, rep.Skipped, rep.Failed, rep.Duration)
			})
		},
	}
}

func NewRemindCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Send overdue report reminders once",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			rep, err := s.comp.Reminder.Run(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "reminders failed", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, rep, func(w io.Writer) {
				for _, sent := range rep.Sent {
					fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%d contacts\n", sent.DataSetCode, sent.OrgUnit, sent.Rate, len(sent.Contacts))
				}
				for _, code := range rep.Skipped {
					fmt.Fprintf(w, "%s\tskipped\n", code)
				}
				fmt.Fprintf(w, "%d reminders sent\n", len(rep.Sent))
			})
		},
	}
}

func NewReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Re-deliver checkpoints released for replay",
		Long: `Take every checkpoint in the pending_replay state and deliver it again.
Release checkpoints first with "reportbridge checkpoints replay <id>".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			rep, err := s.comp.Replayer.Run(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "replay failed", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, rep, func(w io.Writer) {
				fmt.Fprintf(w, "taken=%d completed=%d failed=%d rejected=%d\n", rep.Taken, rep.Completed, rep.Failed, rep.Rejected)
			})
		},
	}
}
