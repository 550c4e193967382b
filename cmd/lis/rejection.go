package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/workflow"
	"github.com/lis/lis/pkg/lisapi"
)

// clientFlags are shared by the rejection subcommands. Empty values fall back
// to LIS_API_URL, LIS_API_TOKEN and LIS_CLIENT_TIMEOUT.
type clientFlags struct {
	apiURL string
	token  string
	site   string

	logger zerolog.Logger
}

// client builds the API client. It also sets f.logger, which writes warnings
// to errOut so command output on stdout stays parseable.
func (f *clientFlags) client(errOut io.Writer) (*lisapi.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	f.logger = newLogger(cfg, errOut).Level(zerolog.WarnLevel).With().Str("component", "rejection-cli").Logger()

	baseURL := f.apiURL
	if baseURL == "" {
		baseURL = cfg.LISAPIURL
	}
	token := f.token
	if token == "" {
		token = cfg.LISAPIToken
	}

	opts := []lisapi.ClientOption{lisapi.WithHTTPClient(&http.Client{Timeout: cfg.LISClientTimeout})}
	if token != "" {
		opts = append(opts, lisapi.WithToken(token))
	}
	if f.site != "" {
		opts = append(opts, lisapi.WithSite(f.site))
	}
	return lisapi.NewClient(baseURL, opts...), nil
}

func rejectionCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "rejection",
		Short: "Inspect and perform result rejections against a running server",
	}
	cmd.PersistentFlags().StringVar(&flags.apiURL, "api-url", "", "LIS API base URL (default $LIS_API_URL)")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer token (default $LIS_API_TOKEN)")
	cmd.PersistentFlags().StringVar(&flags.site, "site", "", "Laboratory site identifier")

	cmd.AddCommand(optionsCmd(flags))
	cmd.AddCommand(rejectCmd(flags))
	cmd.AddCommand(historyCmd(flags))
	cmd.AddCommand(rejectSampleCmd(flags))
	cmd.AddCommand(escalateCmd(flags))
	return cmd
}

func targetFlags(cmd *cobra.Command) {
	cmd.Flags().String("order", "", "Order ID")
	cmd.Flags().String("test", "", "Test code")
	_ = cmd.MarkFlagRequired("order")
	_ = cmd.MarkFlagRequired("test")
}

func target(cmd *cobra.Command) (orderID, testCode string) {
	orderID, _ = cmd.Flags().GetString("order")
	testCode, _ = cmd.Flags().GetString("test")
	return orderID, testCode
}

func optionsCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "options",
		Short: "Show the follow-up actions available for a test",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			orderID, testCode := target(cmd)
			m := workflow.NewRejectionManager(cmd.Context(), client, orderID, testCode, workflow.WithLogger(flags.logger))
			if err := m.FetchOptions(cmd.Context()); err != nil {
				return err
			}
			printOptions(cmd.OutOrStdout(), m)
			return nil
		},
	}
	targetFlags(cmd)
	return cmd
}

func printOptions(out io.Writer, m *workflow.RejectionManager) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tENABLED\tREASON")
	for _, t := range []lisapi.RejectionType{lisapi.RejectionTypeRetest, lisapi.RejectionTypeRecollect} {
		reason := ""
		if r := m.DisabledReason(t); r != nil {
			reason = *r
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", t, m.IsActionEnabled(t), reason)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "Retest attempts remaining: %d\n", m.RetestAttemptsRemaining())
	fmt.Fprintf(out, "Recollection attempts remaining: %d\n", m.RecollectionAttemptsRemaining())
	if m.EscalationRequired() {
		fmt.Fprintln(out, "Escalation required: all follow-up actions are exhausted.")
	}
}

func rejectCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject the current result of a test and request a retest or recollection",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			orderID, testCode := target(cmd)
			typ, _ := cmd.Flags().GetString("type")
			reason, _ := cmd.Flags().GetString("reason")
			force, _ := cmd.Flags().GetBool("force")

			m := workflow.NewRejectionManager(cmd.Context(), client, orderID, testCode, workflow.WithLogger(flags.logger))
			t := lisapi.RejectionType(typ)
			if !force {
				if err := m.FetchOptions(cmd.Context()); err != nil {
					return err
				}
				if err := m.CheckSubmission(t, reason); err != nil {
					return err
				}
			}

			res, err := m.RejectWithAction(cmd.Context(), t, reason)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			if res.NewTestID != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "New test: %s\n", *res.NewTestID)
			}
			return nil
		},
	}
	targetFlags(cmd)
	cmd.Flags().String("type", string(lisapi.RejectionTypeRetest), "Rejection type: re-test or re-collect")
	cmd.Flags().String("reason", "", "Rejection reason")
	cmd.Flags().Bool("force", false, "Skip the client-side options check and let the server decide")
	return cmd
}

func historyCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the rejection history of a test, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			orderID, testCode := target(cmd)
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			page, err := client.GetRejectionHistory(cmd.Context(), orderID, testCode, limit, offset)
			if err != nil {
				return err
			}
			view := workflow.NewHistoryView(page.Data)
			out := cmd.OutOrStdout()
			if view.Len() == 0 {
				fmt.Fprintln(out, "No rejections recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tREJECTED AT\tTYPE\tBY\tREASON\t")
			for _, entry := range view.Entries() {
				marker := ""
				if entry.Latest {
					marker = "latest"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", entry.Index+1, entry.RejectedAt,
					entry.RejectionType, entry.RejectedBy, entry.RejectionReason, marker)
			}
			_ = tw.Flush()
			if page.HasMore {
				fmt.Fprintf(out, "Showing %d of %d; use --offset %d for more.\n", len(page.Data), page.Total, page.Offset+len(page.Data))
			}
			return nil
		},
	}
	targetFlags(cmd)
	cmd.Flags().Int("limit", 0, "Page size")
	cmd.Flags().Int("offset", 0, "Page offset")
	return cmd
}

func rejectSampleCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject-sample",
		Short: "Reject a sample and every active test on it",
		RunE: func(cmd *cobra.Command, args []string) error {
			sampleID, _ := cmd.Flags().GetString("sample")
			raw, _ := cmd.Flags().GetStringArray("reason")
			notes, _ := cmd.Flags().GetString("notes")
			recollect, _ := cmd.Flags().GetBool("recollect")

			reasons, err := parseReasons(raw)
			if err != nil {
				return err
			}
			client, err := flags.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := client.RejectSample(cmd.Context(), sampleID, reasons, notes, recollect); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample %s rejected.\n", sampleID)
			return nil
		},
	}
	cmd.Flags().String("sample", "", "Sample ID")
	cmd.Flags().StringArray("reason", nil, "Reason as code=label (repeatable)")
	cmd.Flags().String("notes", "", "Free-text notes")
	cmd.Flags().Bool("recollect", false, "Request recollection instead of a retest")
	_ = cmd.MarkFlagRequired("sample")
	return cmd
}

// parseReasons turns code=label pairs into reasons. A bare value is used as
// both code and label.
func parseReasons(raw []string) ([]lisapi.RejectionReason, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --reason is required")
	}
	out := make([]lisapi.RejectionReason, 0, len(raw))
	for _, r := range raw {
		code, label, found := strings.Cut(r, "=")
		code, label = strings.TrimSpace(code), strings.TrimSpace(label)
		if !found {
			label = code
		}
		if code == "" || label == "" {
			return nil, fmt.Errorf("invalid reason %q: expected code=label", r)
		}
		out = append(out, lisapi.RejectionReason{Code: code, Label: label})
	}
	return out, nil
}

func escalateCmd(flags *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Escalate a test whose follow-up actions are exhausted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			orderID, testCode := target(cmd)
			note, _ := cmd.Flags().GetString("note")

			res, err := client.EscalateTest(cmd.Context(), orderID, testCode, note)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	targetFlags(cmd)
	cmd.Flags().String("note", "", "Note for the supervisor")
	return cmd
}

var _ workflow.OptionsProvider = (*lisapi.Client)(nil)
