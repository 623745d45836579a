package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aluiziolira/qc-copilot/models"
)

const separator = "--------------------------------------------------"

func printSummary(w io.Writer, release *models.ReleaseData, report *models.AnalysisReport, summary models.CheckSummary, metrics map[string]interface{}, outputFile string, duration time.Duration) {
	fmt.Fprintln(w, "\n"+separator)
	title := release.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(w, "Release %s  %s\n", release.ID, title)

	switch {
	case report.Skipped != "":
		fmt.Fprintf(w, "  Analysis:      skipped (%s)\n", report.Skipped)
	case report.Aborted:
		fmt.Fprintf(w, "  Analysis:      aborted after %d tracks\n", report.Attempted)
	default:
		fmt.Fprintf(w, "  Analysis:      %s, %d tracks\n", report.Mode, report.Attempted)
	}

	matches := 0
	for _, a := range report.Results {
		matches += len(a.Results)
	}
	fmt.Fprintf(w, "  Analysed:      %s\n", humanize.Comma(int64(len(report.Results))))
	fmt.Fprintf(w, "  Matches:       %s\n", humanize.Comma(int64(matches)))
	if len(report.Failures) > 0 {
		indexes := make([]int, 0, len(report.Failures))
		for i := range report.Failures {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		fmt.Fprintf(w, "  Failures:      %d\n", len(indexes))
		for _, i := range indexes {
			fmt.Fprintf(w, "    track %d: %s\n", i+1, report.Failures[i])
		}
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Fprintf(w, "  Validation:    %v\n", valErrors)
	}

	fmt.Fprintf(w, "  QC flags:      %d danger, %d warning, %d info\n",
		summary.Count(models.SeverityDanger),
		summary.Count(models.SeverityWarning),
		summary.Count(models.SeverityInfo),
	)
	for _, f := range summary.Flags {
		where := "release"
		if f.TrackIndex >= 0 {
			where = fmt.Sprintf("track %d", f.TrackIndex+1)
		}
		fmt.Fprintf(w, "    [%s] %s: %s\n", f.Severity, where, f.Message)
	}

	fmt.Fprintf(w, "  Duration:      %v\n", duration.Round(time.Millisecond))
	if info, err := os.Stat(outputFile); err == nil {
		fmt.Fprintf(w, "  Output file:   %s (%s)\n", outputFile, humanize.Bytes(uint64(info.Size())))
	} else {
		fmt.Fprintf(w, "  Output file:   %s\n", outputFile)
	}
	fmt.Fprintln(w, separator)
}

func printProgress(w io.Writer, progress []models.TenantProgress) {
	if len(progress) == 0 {
		return
	}
	fmt.Fprintln(w, "Workload")
	for _, p := range progress {
		fmt.Fprintf(w, "  %-20s %s/%s  %s%%\n",
			p.Tenant,
			humanize.Comma(int64(p.Completed)),
			humanize.Comma(int64(p.Assigned)),
			humanize.FtoaWithDigits(p.Percent(), 1),
		)
	}
}
