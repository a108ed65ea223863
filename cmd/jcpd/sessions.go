package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Read debate sessions from the ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <subject-code>",
		Short: "List sessions of a subject, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := openLedger(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeFn()

			sessions, err := l.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODE\tSTATUS\tUPDATED\tREASON")
			for _, s := range sessions {
				updated := time.UnixMilli(s.UpdatedAt).Format("2006-01-02 15:04:05")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Mode, s.Status, updated, s.Reason)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a full session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := openLedger(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeFn()

			sess, err := l.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	})
	return cmd
}
