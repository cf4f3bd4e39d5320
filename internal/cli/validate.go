package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentsh/autoapprove/internal/policy"
)

type fileReport struct {
	Path        string              `json:"path"`
	Scope       policy.Scope        `json:"scope"`
	Missing     bool                `json:"missing,omitempty"`
	Rules       int                 `json:"rules"`
	Error       string              `json:"error,omitempty"`
	Diagnostics []policy.Diagnostic `json:"diagnostics,omitempty"`
}

func (r fileReport) ok() bool {
	return r.Error == "" && len(r.Diagnostics) == 0
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var (
		scopeName string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "validate [FILE...]",
		Short: "Check configuration and scope files for rules that would be ignored",
		Long: `Validate scope files. With no arguments, the config file and every
configured scope file are checked. Files given as arguments are checked on
their own, labelled with --scope.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, err := wantJSON(cmd, output)
			if err != nil {
				return err
			}

			var reports []fileReport
			if len(args) > 0 {
				scope, err := policy.ParseScope(scopeName)
				if err != nil {
					return err
				}
				for _, path := range args {
					reports = append(reports, validateFile(path, scope))
				}
			} else {
				rt, err := newRuntime(cmd, opts)
				if err != nil {
					return err
				}
				files := rt.cfg.ScopeFiles(rt.workspace)
				for _, scope := range policy.Scopes {
					if path, ok := files[scope]; ok {
						reports = append(reports, validateFile(path, scope))
					}
				}
			}

			failed := 0
			for _, r := range reports {
				if !r.ok() {
					failed++
				}
			}

			if asJSON {
				if reports == nil {
					reports = []fileReport{}
				}
				if err := printJSON(cmd, map[string]any{"ok": failed == 0, "files": reports}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, r := range reports {
					switch {
					case r.Missing:
						fmt.Fprintf(out, "%s (%s): not found, scope is empty\n", r.Path, r.Scope)
					case r.Error != "":
						fmt.Fprintf(out, "%s (%s): %s\n", r.Path, r.Scope, r.Error)
					default:
						fmt.Fprintf(out, "%s (%s): %d rules\n", r.Path, r.Scope, r.Rules)
					}
					for _, d := range r.Diagnostics {
						fmt.Fprintf(out, "  %v\n", d)
					}
				}
			}

			if failed > 0 {
				return &ExitError{code: exitError, message: fmt.Sprintf("%d of %d scope files have problems", failed, len(reports))}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scopeName, "scope", "user", "Scope label for files given as arguments")
	cmd.Flags().StringVarP(&output, "output", "o", "auto", "Output format: auto|text|json")
	return cmd
}

// validateFile parses one scope file and compiles its rules in isolation.
func validateFile(path string, scope policy.Scope) fileReport {
	r := fileReport{Path: path, Scope: scope}
	raw, err := policy.LoadScopeFile(path)
	if isNotExist(err) {
		r.Missing = true
		return r
	}
	if err != nil {
		r.Error = err.Error()
		return r
	}

	rules, diags := policy.CompileRules(scope, raw)
	rs, more := policy.NewRuleSet(policy.Resolve([]policy.ScopeRules{{Scope: scope, Rules: rules}}, false))
	r.Rules = rs.Len()
	r.Diagnostics = append(diags, more...)
	return r
}
