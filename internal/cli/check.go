package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/shell"
	"github.com/agentsh/autoapprove/internal/store"
	"github.com/agentsh/autoapprove/pkg/observability"
)

type checkResult struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	policy.Decision
	LineRules         []policy.MatchedRule       `json:"line_rules,omitempty"`
	SubCommandMatches []policy.SubCommandMatches `json:"sub_command_matches,omitempty"`
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		shellName string
		explain   bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "check [--] COMMAND_LINE...",
		Short: "Decide whether a command line may run without confirmation",
		Long: `Evaluate a command line against the built-in and configured rules.

Arguments are joined with spaces; with no arguments the command line is read
from stdin. Exit status: 0 approved, 2 manual approval required, 3 denied,
1 on error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := commandLine(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			asJSON, err := wantJSON(cmd, output)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd, opts)
			if err != nil {
				return err
			}
			shutdown := setupTracing(rt.cfg)
			defer shutdown(cmd.Context())
			audit, closeAudit, err := rt.auditLogger(cmd, "cli")
			if err != nil {
				return err
			}
			defer closeAudit()
			decisions, err := rt.openDecisions(cmd.Context())
			if err != nil {
				return err
			}
			defer decisions.Close()

			dialect := rt.dialect
			if shellName != "" {
				if dialect, err = shell.ParseDialect(shellName); err != nil {
					return err
				}
			}

			id := uuid.NewString()
			ctx, span := observability.TraceEvaluation(cmd.Context(), &observability.Evaluation{
				ID:          id,
				CommandLine: line,
				Shell:       string(dialect),
				Source:      "cli",
			})
			defer span.End()

			start := time.Now()
			ex, err := rt.engine.Explain(line, dialect)
			if err != nil {
				observability.RecordError(span, err)
				return err
			}
			d := ex.Decision
			rec := store.NewRecord(id, "cli", line, string(dialect), d, ex.Version, start)
			keys := rec.Rules
			observability.RecordDecision(span, d.Verdict.String(), keys, len(d.SubCommands))
			audit.LogDecision(ctx, observability.DecisionRecord{
				ID:          id,
				CommandLine: line,
				Shell:       string(dialect),
				Verdict:     d.Verdict.String(),
				Reason:      d.Reason,
				Rules:       keys,
				FileWrites:  d.FileWrites,
				Degraded:    d.Degraded,
				Latency:     time.Since(start),
			})
			if err := decisions.AppendDecision(ctx, rec); err != nil {
				rt.logger.Warn("failed to record decision", "id", id, "error", err)
			}

			if asJSON {
				res := checkResult{ID: id, Version: ex.Version, Decision: d}
				if explain {
					res.LineRules = ex.LineRules
					res.SubCommandMatches = ex.SubCommands
				}
				if err := printJSON(cmd, res); err != nil {
					return err
				}
			} else {
				printDecision(cmd.OutOrStdout(), ex, explain)
			}
			return verdictExit(d.Verdict)
		},
	}

	cmd.Flags().StringVar(&shellName, "shell", "", "Shell dialect: bash|sh|zsh|pwsh (default: shell.dialect)")
	cmd.Flags().BoolVar(&explain, "explain", false, "Show every rule that matched each sub-command")
	cmd.Flags().StringVarP(&output, "output", "o", "auto", "Output format: auto|text|json")
	return cmd
}

func commandLine(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read command line: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func printDecision(w io.Writer, ex policy.Explanation, explain bool) {
	d := ex.Decision
	fmt.Fprintf(w, "%s: %s\n", d.Verdict, d.Reason)
	if d.Degraded {
		fmt.Fprintln(w, "  (command line could not be fully parsed)")
	}
	for _, p := range d.FileWrites {
		fmt.Fprintf(w, "  writes %s\n", p)
	}
	if !explain {
		return
	}
	for _, m := range ex.LineRules {
		fmt.Fprintf(w, "  line  %-6s %s (%s)\n", m.Verdict, m.Key, describeSource(m))
	}
	for _, sub := range ex.SubCommands {
		fmt.Fprintf(w, "  [%s] %s\n", sub.Kind, sub.Text)
		if len(sub.Rules) == 0 {
			fmt.Fprintln(w, "      no matching rules")
		}
		for _, m := range sub.Rules {
			fmt.Fprintf(w, "      %-6s %s (%s)\n", m.Verdict, m.Key, describeSource(m))
		}
	}
}

func describeSource(m policy.MatchedRule) string {
	if m.IsDefault && m.Source != policy.ScopeDefault {
		return m.Source.String() + ", same as default"
	}
	return m.Source.String()
}
