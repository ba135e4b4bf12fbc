package certify

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vlmcert/vlm-certify/internal/metrics"
	apperrors "github.com/vlmcert/vlm-certify/internal/pkg/errors"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var rule = strings.Repeat("=", 50)

// ValidateFormat rejects unknown report formats.
func ValidateFormat(format string) error {
	switch format {
	case FormatText, FormatJSON:
		return nil
	}
	return apperrors.ValidationError(fmt.Sprintf("unknown output format: %s (want text or json)", format))
}

// WriteHeader prints the lines announcing a run.
func WriteHeader(w io.Writer, req Request, images int) {
	fmt.Fprintf(w, "Running certification on %d images using %s...\n", images, req.Model)
	fmt.Fprintf(w, "Question: %s\n", req.Question)
	fmt.Fprintf(w, "Expected Answer: %s\n", req.ExpectedAnswer)
}

// WriteReport renders the outcome summary.
func WriteReport(w io.Writer, out *Outcome, format string) error {
	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(rule + "\n")
	sb.WriteString("CERTIFICATION RESULTS\n")
	sb.WriteString(rule + "\n")
	fmt.Fprintf(&sb, "Model: %s\n", out.Model)
	fmt.Fprintf(&sb, "Total Images: %d\n", out.Total)
	fmt.Fprintf(&sb, "Correct: %d\n", out.Correct)
	if len(out.Failed) > 0 {
		fmt.Fprintf(&sb, "Failed: %d\n", len(out.Failed))
	}
	fmt.Fprintf(&sb, "Accuracy: %.2f%%\n", out.Accuracy()*100)
	fmt.Fprintf(&sb, "%s%% Confidence Interval: (%.4f, %.4f)\n",
		confidenceLabel(out.Confidence), out.LowerBound, out.UpperBound)
	sb.WriteString(rule + "\n")

	_, err := io.WriteString(w, sb.String())
	return err
}

// confidenceLabel renders 0.95 as "95" and 0.999 as "99.9".
func confidenceLabel(confidence float64) string {
	if confidence <= 0 {
		confidence = 1 - DefaultAlpha
	}
	return fmt.Sprintf("%g", math.Round(confidence*1000)/10)
}

// HistoryReport is the JSON shape of a history listing.
type HistoryReport struct {
	Backend string                 `json:"backend"`
	Since   time.Time              `json:"since"`
	Summary metrics.HistorySummary `json:"summary"`
	Runs    []metrics.RunRecord    `json:"runs"`
}

// WriteHistory renders the past runs of one backend, oldest first.
func WriteHistory(w io.Writer, report HistoryReport, format string) error {
	if report.Runs == nil {
		report.Runs = []metrics.RunRecord{}
	}
	report.Summary = metrics.Summarize(report.Runs)

	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if len(report.Runs) == 0 {
		_, err := fmt.Fprintf(w, "No %s runs since %s.\n", report.Backend, report.Since.Format(time.RFC3339))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tMODEL\tCORRECT\tTOTAL\tFAILED\tACCURACY\tINTERVAL")
	for _, r := range report.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.2f%%\t(%.4f, %.4f)\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"),
			r.Model, r.Correct, r.Total, r.Failed, r.Accuracy*100, r.LowerBound, r.UpperBound)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := report.Summary
	_, err := fmt.Fprintf(w, "\n%d runs, %d/%d correct, accuracy mean %.2f%% (min %.2f%%, max %.2f%%)\n",
		s.Runs, s.Correct, s.Images, s.MeanAccuracy*100, s.MinAccuracy*100, s.MaxAccuracy*100)
	return err
}
