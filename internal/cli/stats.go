package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/spf13/cobra"
)

type statsReport struct {
	Buffer   models.BufferStats `json:"buffer" yaml:"buffer"`
	Failures []failureLine      `json:"failures,omitempty" yaml:"failures,omitempty"`
}

type failureLine struct {
	ID         string    `json:"id" yaml:"id"`
	Email      string    `json:"email" yaml:"email"`
	Kind       string    `json:"kind" yaml:"kind"`
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
	Reason     string    `json:"reason" yaml:"reason"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event buffer statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		limit, _ := cmd.Flags().GetInt("failures")

		store, err := openStore(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		report := statsReport{Buffer: stats}

		if limit > 0 {
			failed, err := store.ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range failed {
				report.Failures = append(report.Failures, failureLine{
					ID:         string(e.ID),
					Email:      logging.MaskEmail(e.Email),
					Kind:       string(e.Kind),
					ReceivedAt: e.ReceivedAt,
					Reason:     e.FailureReason,
				})
			}
		}

		return printStats(cmd.OutOrStdout(), format, report)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringP("output", "o", formatText, "output format: text, json, yaml")
	statsCmd.Flags().Int("failures", 0, "also list the N most recent permanently failed events")
}

func printStats(w io.Writer, format string, r statsReport) error {
	if ok, err := printStructured(w, format, r); ok || err != nil {
		return err
	}
	fmt.Fprintf(w, "total:       %d\n", r.Buffer.Total)
	fmt.Fprintf(w, "unprocessed: %d\n", r.Buffer.Unprocessed)
	fmt.Fprintf(w, "processed:   %d\n", r.Buffer.Processed)
	fmt.Fprintf(w, "failed:      %d\n", r.Buffer.Failed)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s %s %s: %s\n", f.ReceivedAt.Format(time.RFC3339), f.ID, f.Email, f.Kind, f.Reason)
	}
	return nil
}
