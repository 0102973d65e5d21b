// Command auditctl inspects and verifies the audit ledger offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/callguard/internal/audit"
)

const (
	exitOK     = 0
	exitBroken = 1
	exitError  = 2
)

var errChainBroken = errors.New("audit chain broken")

type options struct {
	databaseURL string
	jsonOut     bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if errors.Is(err, errChainBroken) {
			return exitBroken
		}
		fmt.Fprintf(stderr, "auditctl: %v\n", err)
		return exitError
	}
	return exitOK
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect and verify the callguard audit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.databaseURL, "db", defaultDatabaseURL(), "audit store URL (postgres://, sqlite://<path>)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON")

	var from, to int64
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain over a sequence range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), opts, func(ctx context.Context, l *audit.Ledger) error {
				rep, err := l.Verify(ctx, from, to)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					if err := writeJSON(stdout, rep); err != nil {
						return err
					}
				} else if rep.Intact {
					fmt.Fprintf(stdout, "intact: %d records checked (seq %d..%d)\n", rep.Checked, rep.From, rep.To)
				} else {
					fmt.Fprintf(stdout, "BROKEN at seq %d (%s) record=%s\n", rep.BrokenAt, rep.Reason, rep.BrokenRecordID)
				}
				if !rep.Intact {
					return errChainBroken
				}
				return nil
			})
		},
	}
	verifyCmd.Flags().Int64Var(&from, "from", 1, "first sequence number")
	verifyCmd.Flags().Int64Var(&to, "to", 0, "last sequence number (0 = head)")

	var tailN int64
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), opts, func(ctx context.Context, l *audit.Ledger) error {
				head := l.Head()
				start := head - tailN + 1
				if start < 1 {
					start = 1
				}
				recs, err := l.Range(ctx, start, head)
				if err != nil {
					return err
				}
				return printRecords(stdout, recs, opts.jsonOut)
			})
		},
	}
	tailCmd.Flags().Int64VarP(&tailN, "lines", "n", 20, "number of records")

	sessionCmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "Print every record for one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(ctx context.Context, l *audit.Ledger) error {
				recs, err := l.Session(ctx, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				return printRecords(stdout, recs, opts.jsonOut)
			})
		},
	}

	root.AddCommand(verifyCmd, tailCmd, sessionCmd)
	return root
}

func defaultDatabaseURL() string {
	if v := strings.TrimSpace(os.Getenv("AUDIT_DATABASE_URL")); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

func withLedger(ctx context.Context, opts *options, fn func(context.Context, *audit.Ledger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.databaseURL == "" {
		return errors.New("no audit store configured; pass --db or set AUDIT_DATABASE_URL")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	store, err := audit.NewStore(ctx, opts.databaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	ledger, err := audit.NewLedger(ctx, store, audit.Config{})
	if err != nil {
		return err
	}
	return fn(ctx, ledger)
}

func printRecords(w io.Writer, recs []audit.Record, jsonOut bool) error {
	if jsonOut {
		return writeJSON(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tSESSION\tACTION\tDECISION\tLEVEL\tDETAIL")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Seq, r.Timestamp.Format(time.RFC3339), r.SessionID, r.Action, r.Decision, int(r.Level), r.Detail)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
