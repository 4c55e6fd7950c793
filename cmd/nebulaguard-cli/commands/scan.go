package commands

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/piwi3910/nebulaguard/internal/dlp"
	"github.com/spf13/cobra"
)

// NewClassifyCmd classifies text from an argument, a file or stdin.
func NewClassifyCmd() *cobra.Command {
	var (
		file   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Classify text for sensitive data",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string

			switch {
			case len(args) == 1:
				text = args[0]
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

			var result dlp.Classification
			if err := client.Do(cmd.Context(), http.MethodPost, "/classify", nil, map[string]string{"text": text}, &result); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, result)
			}

			fmt.Fprintf(out, "Risk:       %s\n", result.RiskLevel)
			fmt.Fprintf(out, "Data type:  %s\n", result.DataType)
			fmt.Fprintf(out, "Handling:   %s\n", result.RecommendedHandling)
			fmt.Fprintf(out, "Confidence: %.2f\n", result.OverallConfidence)

			if len(result.Elements) == 0 {
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\nTYPE\tVALUE\tPOSITION\tCONFIDENCE")

			for _, el := range result.Elements {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\n", el.DataType, el.MaskedValue, el.Position, el.Confidence)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read text from a file ('-' for stdin)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")

	return cmd
}

// NewScanCmd creates the scan command group.
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run and inspect scans",
	}

	cmd.AddCommand(newScanRunCmd())
	cmd.AddCommand(newScanListCmd())
	cmd.AddCommand(newScanActiveCmd())
	cmd.AddCommand(newScanGetCmd())
	cmd.AddCommand(newScanCancelCmd())

	return cmd
}

func newScanRunCmd() *cobra.Command {
	var (
		req       dlp.ScanRequest
		source    string
		scanType  string
		documents []string
		options   map[string]string
		async     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a scan",
		Long: `Start a scan of a source. Local files passed with --document are
uploaded and scanned as the request's documents.

Examples:
  nebulaguard-cli scan run --source file_system --target /srv/share --file-types txt,csv
  nebulaguard-cli scan run --source database --target customers
  nebulaguard-cli scan run --source api --document notes.txt --async`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Source = dlp.SourceKind(source)
			req.ScanType = dlp.ScanType(scanType)
			req.Options = options

			for _, path := range documents {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read document: %w", err)
				}

				req.Documents = append(req.Documents, dlp.Document{Name: filepath.Base(path), Content: string(data)})
			}

			client, err := NewClient()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if async {
				var accepted map[string]string
				if err := client.Do(cmd.Context(), http.MethodPost, "/scans", url.Values{"async": {"true"}}, req, &accepted); err != nil {
					return err
				}

				fmt.Fprintf(out, "Scan %s started\n", accepted["scan_id"])

				return nil
			}

			var result dlp.ScanResult
			if err := client.Do(cmd.Context(), http.MethodPost, "/scans", nil, req, &result); err != nil {
				return err
			}

			printScanSummary(out, &result)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.ScanID, "id", "", "Scan ID (generated when empty)")
	flags.StringVar(&source, "source", "", "Source kind: file_system, email, database, object_storage, api")
	flags.StringVar(&scanType, "type", "full", "Scan type: full, incremental, targeted")
	flags.StringVar(&req.TargetPath, "target", "", "Target path, table or bucket")
	flags.StringSliceVar(&req.FileTypes, "file-types", nil, "File extensions or globs to include")
	flags.StringSliceVar(&req.Exclusions, "exclude", nil, "Globs to exclude")
	flags.Int64Var(&req.MaxFileSize, "max-file-size", 0, "Skip units larger than this many bytes")
	flags.BoolVar(&req.IncludeArchives, "archives", false, "Expand archives")
	flags.StringSliceVar(&documents, "document", nil, "Local file to scan as a document")
	flags.StringToStringVar(&options, "option", nil, "Source option key=value (connection, query, prefix, endpoint)")
	flags.BoolVar(&async, "async", false, "Return immediately with the scan ID")

	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func printScanSummary(out io.Writer, r *dlp.ScanResult) {
	fmt.Fprintf(out, "Scan:        %s\n", r.ScanID)
	fmt.Fprintf(out, "Status:      %s\n", r.Status)

	if r.Error != "" {
		fmt.Fprintf(out, "Error:       %s\n", r.Error)
	}

	fmt.Fprintf(out, "Scanned:     %d units (%d bytes)\n", r.TotalScanned, r.DataVolumeScannedBytes)
	fmt.Fprintf(out, "Violations:  %d (%d high risk) in %d units\n", r.TotalViolations, r.HighRiskViolations, r.WithViolations)
	fmt.Fprintf(out, "Duration:    %s\n", time.Duration(r.ScanDurationMS)*time.Millisecond)

	for dt, n := range r.ViolationsByType {
		fmt.Fprintf(out, "  %-20s %d\n", dt, n)
	}
}

func newScanListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List committed scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var results []dlp.ScanResult
			if err := client.Do(cmd.Context(), http.MethodGet, "/scans", nil, nil, &results); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCAN\tSOURCE\tSTATUS\tSCANNED\tVIOLATIONS\tHIGH RISK\tFINISHED")

			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.ScanID, r.Source, r.Status, r.TotalScanned, r.TotalViolations,
					r.HighRiskViolations, r.Timestamp.Format(time.RFC3339))
			}

			return w.Flush()
		},
	}
}

func newScanActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List running scans",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var active []dlp.ActiveScan
			if err := client.Do(cmd.Context(), http.MethodGet, "/scans/active", nil, nil, &active); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCAN\tSOURCE\tRUNNING FOR")

			for _, a := range active {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.ScanID, a.Source, time.Since(a.StartedAt).Round(time.Second))
			}

			return w.Flush()
		},
	}
}

func newScanGetCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get <scan-id>",
		Short: "Show a scan result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var result dlp.ScanResult
			if err := client.Do(cmd.Context(), http.MethodGet, "/scans/"+url.PathEscape(args[0]), nil, nil, &result); err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), result)
			}

			printScanSummary(cmd.OutOrStdout(), &result)

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")

	return cmd
}

func newScanCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <scan-id>",
		Short: "Cancel a running scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			if err := client.Do(cmd.Context(), http.MethodPost, "/scans/"+url.PathEscape(args[0])+"/cancel", nil, nil, nil); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Scan %s is cancelling\n", args[0])

			return nil
		},
	}
}

// NewStatusCmd prints the engine status.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient()
			if err != nil {
				return err
			}

			var status struct {
				dlp.Status

				Patterns    int `json:"patterns"`
				Policies    int `json:"policies"`
				Violations  int `json:"violations"`
				ActiveScans int `json:"active_scans"`
			}

			if err := client.Do(cmd.Context(), http.MethodGet, "/status", nil, nil, &status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:        %s\n", status.Status.Status)

			if status.LastError != "" {
				fmt.Fprintf(out, "Last error:    %s\n", status.LastError)
			}

			fmt.Fprintf(out, "Uptime:        %s\n", time.Duration(status.UptimeSeconds)*time.Second)
			fmt.Fprintf(out, "Scans run:     %d\n", status.ProcessedEvents)
			fmt.Fprintf(out, "Active alerts: %d\n", status.ActiveAlerts)
			fmt.Fprintf(out, "Active scans:  %d\n", status.ActiveScans)
			fmt.Fprintf(out, "Patterns:      %d\n", status.Patterns)
			fmt.Fprintf(out, "Policies:      %d\n", status.Policies)
			fmt.Fprintf(out, "Violations:    %d\n", status.Violations)

			return nil
		},
	}
}
