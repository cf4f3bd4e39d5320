package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentsh/autoapprove/internal/policy"
)

func newRulesCmd(opts *rootOptions) *cobra.Command {
	var (
		defaultsOnly bool
		output       string
	)

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Show the effective auto-approve rules and where each came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := wantJSON(cmd, output)
			if err != nil {
				return err
			}

			if defaultsOnly {
				defaults := policy.DefaultRules()
				if asJSON {
					return printJSON(cmd, defaults)
				}
				keys := make([]string, 0, len(defaults))
				for k := range defaults {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tVALUE")
				for _, k := range keys {
					b, _ := defaults[k].MarshalJSON()
					fmt.Fprintf(tw, "%s\t%s\n", k, b)
				}
				return tw.Flush()
			}

			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			snap, err := rt.engine.Snapshot()
			if err != nil {
				return err
			}

			if asJSON {
				diags := snap.Diagnostics
				if diags == nil {
					diags = []policy.Diagnostic{}
				}
				return printJSON(cmd, map[string]any{
					"version":         snap.Version,
					"workspace":       rt.workspace,
					"ignore_defaults": snap.IgnoreDefaults,
					"scope_files":     rt.loader.Paths(),
					"rules":           snap.Effective.Rules(),
					"diagnostics":     diags,
				})
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tVERDICT\tMATCH\tSOURCE\tDEFAULT")
			for _, r := range snap.Effective.Rules() {
				isDefault := ""
				if r.IsDefault {
					isDefault = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Key, r.Verdict, r.Match, r.Source, isDefault)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, d := range snap.Diagnostics {
				fmt.Fprintf(cmd.ErrOrStderr(), "ignored: %v\n", d)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&defaultsOnly, "defaults", false, "Show only the built-in default rules")
	cmd.Flags().StringVarP(&output, "output", "o", "auto", "Output format: auto|text|json")
	return cmd
}
