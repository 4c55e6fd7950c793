package commands

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/spf13/cobra"
)

// violationFlags are the filters shared by list and export.
type violationFlags struct {
	since    string
	policyID string
	scanID   string
	severity string
	status   string
	dataType string
	limit    int
}

func (f *violationFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.since, "since", "", "RFC 3339 time or duration such as 24h")
	flags.StringVar(&f.policyID, "policy", "", "Filter by policy ID")
	flags.StringVar(&f.scanID, "scan", "", "Filter by scan ID")
	flags.StringVar(&f.severity, "severity", "", "Filter by severity")
	flags.StringVar(&f.status, "status", "", "Filter by remediation status")
	flags.StringVar(&f.dataType, "data-type", "", "Filter by data type")
	flags.IntVar(&f.limit, "limit", 0, "Maximum number of violations (0 for all)")
}

func (f *violationFlags) query() url.Values {
	q := url.Values{}

	set := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}

	set("since", f.since)
	set("policy_id", f.policyID)
	set("scan_id", f.scanID)
	set("severity", f.severity)
	set("status", f.status)
	set("data_type", f.dataType)

	if f.limit > 0 {
		q.Set("limit", strconv.Itoa(f.limit))
	}

	return q
}

// NewViolationsCmd creates the violations command group.
func NewViolationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "violations",
		Aliases: []string{"violation"},
		Short:   "Inspect and remediate violations",
	}

	cmd.AddCommand(newViolationsListCmd())
	cmd.AddCommand(newViolationsGetCmd())
	cmd.AddCommand(newViolationsTransitionCmd())
	cmd.AddCommand(newViolationsExportCmd())

	return cmd
}

func newViolationsListCmd() *cobra.Command {
	var filters violationFlags

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List violations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var violations []dlp.Violation
			if err := client.Do(cmd.Context(), http.MethodGet, "/violations", filters.query(), nil, &violations); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEVERITY\tPOLICY\tDATA TYPE\tCOUNT\tSTATUS\tLOCATION\tTIME")

			for _, v := range violations {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					v.ID, v.Severity, v.PolicyID, v.DataType, v.SensitiveDataCount,
					v.RemediationStatus, v.SourceLocation, v.Timestamp.Format(time.RFC3339))
			}

			return w.Flush()
		},
	}

	filters.register(cmd)

	return cmd
}

func newViolationsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <violation-id>",
		Short: "Show a violation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var v dlp.Violation
			if err := client.Do(cmd.Context(), http.MethodGet, "/violations/"+url.PathEscape(args[0]), nil, nil, &v); err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newViolationsTransitionCmd() *cobra.Command {
	var assignee string

	cmd := &cobra.Command{
		Use:   "transition <violation-id> <status>",
		Short: "Change a violation's remediation status",
		Long: `Move a violation to pending, in_progress, resolved or accepted_risk.
Moving to in_progress without --assignee assigns the caller.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			body := map[string]string{"status": args[1], "assignee": assignee}

			var v dlp.Violation

			path := "/violations/" + url.PathEscape(args[0]) + "/remediation"
			if err := client.Do(cmd.Context(), http.MethodPost, path, nil, body, &v); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Violation %s is now %s", v.ID, v.RemediationStatus)

			if v.Assignee != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (assigned to %s)", v.Assignee)
			}

			fmt.Fprintln(cmd.OutOrStdout())

			return nil
		},
	}

	cmd.Flags().StringVar(&assignee, "assignee", "", "User responsible for the violation")

	return cmd
}

func newViolationsExportCmd() *cobra.Command {
	var (
		filters violationFlags
		format  string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export violations as NDJSON or Parquet",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			query := filters.query()
			query.Set("format", format)

			var w io.Writer = cmd.OutOrStdout()

			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}

				defer func() { _ = f.Close() }()

				w = f
			}

			n, err := client.Download(cmd.Context(), "/violations/export", query, w)
			if err != nil {
				return err
			}

			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", n, output)
			}

			return nil
		},
	}

	filters.register(cmd)
	cmd.Flags().StringVar(&format, "format", "ndjson", "Export format: ndjson or parquet")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file ('-' or empty for stdout)")

	return cmd
}
