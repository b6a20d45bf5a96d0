package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusledger/engine"
	"github.com/spf13/cobra"
)

var errVerifyFailed = errors.New("integrity check found issues")

func newVerifyCmd(g *globals) *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "verify",
		Short: "Check users.bin, history.bin and snapshot.bin of a stopped ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := engine.VerifyDir(g.cfg.Engine.DataDir, g.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "users: %d (active %d, lost %d)\nlog records: %d\nsnapshot cursor: %d\n",
					report.Users, report.ActiveUsers, report.LostUsers, report.LogRecords, report.SnapshotCursor)
				for _, issue := range report.Issues {
					fmt.Fprintf(out, "%s[%d] %s: %s\n", issue.File, issue.Index, issue.Kind, issue.Detail)
				}
				for kind, n := range report.Truncated {
					fmt.Fprintf(out, "... %d more %s issues\n", n, kind)
				}
			}
			if !report.OK() {
				return errVerifyFailed
			}
			if !asJSON {
				fmt.Fprintln(out, "OK")
			}
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return c
}
