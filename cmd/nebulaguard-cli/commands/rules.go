package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/spf13/cobra"
)

// NewRulesCmd creates the command that applies a rule bundle file.
func NewRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage rule bundles",
	}

	cmd.AddCommand(newRulesApplyCmd())

	return cmd
}

func newRulesApplyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace every pattern and policy in a bundle",
		Long: `Apply a rule bundle (YAML or JSON) with the same layout as the
server's engine.bundle_path file. Patterns are applied before policies so
policies can reference them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return fmt.Errorf("failed to read bundle: %w", err)
			}

			bundle, err := dlp.ParseBundle(data)
			if err != nil {
				return err
			}

			client, err := NewClient()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			for _, p := range bundle.Patterns {
				if err := client.Do(cmd.Context(), http.MethodPost, "/patterns", nil, p, nil); err != nil {
					return fmt.Errorf("pattern %s: %w", p.ID, err)
				}

				fmt.Fprintf(out, "pattern/%s applied\n", p.ID)
			}

			for _, p := range bundle.Policies {
				if err := client.Do(cmd.Context(), http.MethodPost, "/policies", nil, p, nil); err != nil {
					return fmt.Errorf("policy %s: %w", p.ID, err)
				}

				fmt.Fprintf(out, "policy/%s applied\n", p.ID)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Bundle file ('-' for stdin)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewPatternsCmd creates the patterns command group.
func NewPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "patterns",
		Aliases: []string{"pattern"},
		Short:   "Manage detection patterns",
	}

	cmd.AddCommand(newPatternsListCmd())
	cmd.AddCommand(newRuleGetCmd("pattern", "/patterns/"))
	cmd.AddCommand(newRuleDeleteCmd("pattern", "/patterns/"))

	return cmd
}

func newPatternsListCmd() *cobra.Command {
	var dataType string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var query url.Values
			if dataType != "" {
				query = url.Values{"data_type": {dataType}}
			}

			var patterns []dlp.Pattern
			if err := client.Do(cmd.Context(), http.MethodGet, "/patterns", query, nil, &patterns); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATA TYPE\tCONFIDENCE\tVALIDATORS\tNAME")

			for _, p := range patterns {
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n",
					p.ID, p.DataType, p.ConfidenceFloor, strings.Join(p.Validators, ","), p.Name)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dataType, "data-type", "", "Only list patterns for this data type")

	return cmd
}

// NewPoliciesCmd creates the policies command group.
func NewPoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policies",
		Aliases: []string{"policy"},
		Short:   "Manage policies",
	}

	cmd.AddCommand(newPoliciesListCmd())
	cmd.AddCommand(newRuleGetCmd("policy", "/policies/"))
	cmd.AddCommand(newRuleDeleteCmd("policy", "/policies/"))
	cmd.AddCommand(newPolicyEvaluateCmd())

	return cmd
}

func newPoliciesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var policies []dlp.Policy
			if err := client.Do(cmd.Context(), http.MethodGet, "/policies", nil, nil, &policies); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tACTION\tENABLED\tPATTERNS\tNAME")

			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					p.ID, p.Severity, p.Action, p.Enabled, strings.Join(p.PatternIDs, ","), p.Name)
			}

			return w.Flush()
		},
	}
}

func newRuleGetCmd(kind, prefix string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a " + kind,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var rule map[string]any
			if err := client.Do(cmd.Context(), http.MethodGet, prefix+url.PathEscape(args[0]), nil, nil, &rule); err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), rule)
		},
	}
}

func newRuleDeleteCmd(kind, prefix string) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a " + kind,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			if err := client.Do(cmd.Context(), http.MethodDelete, prefix+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s deleted\n", kind, args[0])

			return nil
		},
	}
}

func newPolicyEvaluateCmd() *cobra.Command {
	var (
		file     string
		source   string
		location string
		fileName string
	)

	cmd := &cobra.Command{
		Use:   "evaluate <policy-id> [text]",
		Short: "Evaluate a policy against text",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string

			switch {
			case len(args) == 2:
				text = args[1]
			case file != "":
				data, err := readInput(file)
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}

				text = string(data)
			default:
				return fmt.Errorf("pass text as an argument or use --file")
			}

			client, err := NewClient()
			if err != nil {
				return err
			}

			body := map[string]any{
				"text": text,
				"context": dlp.DataContext{
					Source:   dlp.SourceKind(source),
					Location: location,
					FileName: fileName,
				},
			}

			var decision dlp.PolicyDecision

			path := "/policies/" + url.PathEscape(args[0]) + "/evaluate"
			if err := client.Do(cmd.Context(), http.MethodPost, path, nil, body, &decision); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Triggered:  %t\n", decision.Triggered)
			fmt.Fprintf(out, "Action:     %s\n", decision.Action)
			fmt.Fprintf(out, "Reason:     %s\n", decision.Reason)
			fmt.Fprintf(out, "Confidence: %.2f\n", decision.Confidence)

			if len(decision.TriggeredRules) > 0 {
				fmt.Fprintf(out, "Rules:      %s\n", strings.Join(decision.TriggeredRules, ", "))
			}

			for _, rec := range decision.Recommendations {
				fmt.Fprintf(out, "  - %s\n", rec)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read text from a file ('-' for stdin)")
	cmd.Flags().StringVar(&source, "source", string(dlp.SourceAPI), "Source kind of the evaluated data")
	cmd.Flags().StringVar(&location, "location", "", "Location of the evaluated data")
	cmd.Flags().StringVar(&fileName, "file-name", "", "File name used by file conditions")

	return cmd
}
