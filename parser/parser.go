// Package parser holds the text helpers used when reading host page content.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/qc-copilot/models"
)

var scorePattern = regexp.MustCompile(`(\d+)\s*%?`)

// ValidateAnalysis ensures an analysis is fit to be written out.
func ValidateAnalysis(a *models.TrackAnalysis) error {
	if a == nil {
		return fmt.Errorf("analysis is nil")
	}
	if a.TrackIndex < 0 {
		return fmt.Errorf("analysis has negative track index %d", a.TrackIndex)
	}
	if strings.TrimSpace(a.TrackTitle) == "" {
		return fmt.Errorf("analysis missing track title for track %d", a.TrackIndex)
	}
	for _, r := range a.Results {
		if r.Score < 0 || r.Score > 100 {
			return fmt.Errorf("score %d out of range for track %d", r.Score, a.TrackIndex)
		}
	}
	return nil
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// IsEmptyValue reports whether a scraped cell carries no information.
// A bare dash is how the host page renders missing values.
func IsEmptyValue(s string) bool {
	switch NormalizeText(s) {
	case "", "-", "—", "–":
		return true
	}
	return false
}

// ParseScore returns the first integer in s, optionally followed by a percent
// sign, clamped to 0-100. It returns false when no digits are present.
func ParseScore(s string) (int, bool) {
	m := scorePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return n, true
}

// ParseDuration reads "m:ss" or "h:mm:ss" track lengths.
func ParseDuration(s string) (time.Duration, error) {
	s = NormalizeText(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	total := 0
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if i > 0 && n >= 60 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, nil
}

// FormatDuration renders d the way the host page does.
func FormatDuration(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
