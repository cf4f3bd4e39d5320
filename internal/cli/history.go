package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
	"github.com/agentsh/autoapprove/internal/store/sqlite"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		verdict  string
		source   string
		since    string
		until    string
		contains string
		limit    int
		offset   int
		asc      bool
		summary  bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded decisions",
		Long: `List decisions recorded by check and serve when history.enabled is set.

--since and --until accept an RFC3339 time or a duration before now (24h).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := wantJSON(cmd, output)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			now := time.Now()
			q := store.Query{Source: source, Contains: contains, Limit: limit, Offset: offset, Asc: asc}
			if verdict != "" {
				v, err := policy.ParseVerdict(verdict)
				if err != nil {
					return err
				}
				q.Verdict = &v
			}
			if q.Since, err = store.ParseTime(since, now); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if q.Until, err = store.ParseTime(until, now); err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			path := cfg.HistoryPath()
			if _, err := os.Stat(path); err != nil {
				if isNotExist(err) {
					return fmt.Errorf("no decision history at %s (set history.enabled to record decisions)", path)
				}
				return err
			}
			db, err := sqlite.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()

			if summary {
				counts, err := db.CountByVerdict(cmd.Context(), q.Since)
				if err != nil {
					return err
				}
				if asJSON {
					out := make(map[string]int64, len(counts))
					for _, v := range []policy.Verdict{policy.Approved, policy.ManualApprovalRequired, policy.Denied} {
						out[v.String()] = counts[v]
					}
					return printJSON(cmd, out)
				}
				printSummary(cmd.OutOrStdout(), counts)
				return nil
			}

			recs, err := db.QueryDecisions(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				if recs == nil {
					recs = []store.Record{}
				}
				return printJSON(cmd, recs)
			}
			printHistory(cmd.OutOrStdout(), recs)
			return nil
		},
	}

	cmd.Flags().StringVar(&verdict, "verdict", "", "Only decisions with this verdict: approved|denied|manual_approval_required")
	cmd.Flags().StringVar(&source, "source", "", "Only decisions from this source: cli|server")
	cmd.Flags().StringVar(&since, "since", "", "Only decisions at or after this time")
	cmd.Flags().StringVar(&until, "until", "", "Only decisions at or before this time")
	cmd.Flags().StringVarP(&contains, "contains", "q", "", "Only command lines containing this text")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of decisions")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many decisions")
	cmd.Flags().BoolVar(&asc, "asc", false, "Oldest first")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print counts per verdict instead of decisions")
	cmd.Flags().StringVarP(&output, "output", "o", "auto", "Output format: auto|text|json")
	return cmd
}

func printHistory(w io.Writer, recs []store.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no decisions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tVERDICT\tSOURCE\tSHELL\tCOMMAND")
	for _, r := range recs {
		line := strings.ReplaceAll(r.CommandLine, "\n", " ")
		if len(line) > 60 {
			line = line[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), r.Verdict, r.Source, r.Shell, line)
	}
	_ = tw.Flush()
}

func printSummary(w io.Writer, counts map[policy.Verdict]int64) {
	var total int64
	for _, v := range []policy.Verdict{policy.Approved, policy.ManualApprovalRequired, policy.Denied} {
		fmt.Fprintf(w, "%-26s %d\n", v.String()+":", counts[v])
		total += counts[v]
	}
	fmt.Fprintf(w, "%-26s %d\n", "total:", total)
}
