package models

import "time"

// ReleaseTrack is a track row of the release under review.
type ReleaseTrack struct {
	Ref      TrackRef      `json:"ref"`
	Artist   string        `json:"artist"`
	ISRC     string        `json:"isrc"`
	Duration time.Duration `json:"duration"`
	Language string        `json:"language"`
	Explicit bool          `json:"explicit"`
	Flags    []string      `json:"flags,omitempty"`
}

// ReleaseData is the snapshot of a review page read by the page data extractor.
type ReleaseData struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Artist             string            `json:"artist"`
	Label              string            `json:"label"`
	UPC                string            `json:"upc"`
	Status             string            `json:"status"`
	Language           string            `json:"language"`
	Cards              map[string]string `json:"cards,omitempty"`
	Tracks             []ReleaseTrack    `json:"tracks"`
	Strikes            int               `json:"strikes"`
	PreviouslyRejected bool              `json:"previouslyRejected"`
	URL                string            `json:"url,omitempty"`
	ScrapedAt          time.Time         `json:"scrapedAt"`
}

// TrackRefs returns the refs of all tracks in page order.
func (r *ReleaseData) TrackRefs() []TrackRef {
	if r == nil {
		return nil
	}
	refs := make([]TrackRef, 0, len(r.Tracks))
	for _, t := range r.Tracks {
		refs = append(refs, t.Ref)
	}
	return refs
}

// Severity ranks a QC flag.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Flag is a single finding shown in the QC checks panel.
type Flag struct {
	Kind       string   `json:"kind"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	TrackIndex int      `json:"trackIndex"`
}

// CheckSummary groups the flags raised for one release.
type CheckSummary struct {
	ReleaseID string `json:"releaseId"`
	Flags     []Flag `json:"flags"`
}

// Count returns how many flags have the given severity.
func (s CheckSummary) Count(sev Severity) int {
	n := 0
	for _, f := range s.Flags {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// TenantProgress is one row of the workload tracker drawer.
type TenantProgress struct {
	Tenant    string `json:"tenant"`
	Assigned  int    `json:"assigned"`
	Completed int    `json:"completed"`
}

// Percent returns completion as a 0-100 value.
func (p TenantProgress) Percent() float64 {
	if p.Assigned <= 0 {
		return 0
	}
	pct := float64(p.Completed) / float64(p.Assigned) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
