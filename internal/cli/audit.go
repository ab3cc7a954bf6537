package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func NewAuditCommand(opts *RootOptions) *cobra.Command {
	var (
		dataSet string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent delivered reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()
			if s.comp.Store == nil {
				return NewExitError(ExitCommandError, "audit log needs storage")
			}

			rows, err := s.comp.Store.ListReportSuccess(cmd.Context(), dataSet, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "audit query failed", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, rows, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDATA SET\tDELIVERED")
				for _, r := range rows {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", r.ID, r.DataSetCode, r.CreatedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&dataSet, "data-set", "", "only this data set code")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}
