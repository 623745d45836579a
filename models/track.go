// Package models defines data structures shared by the QC automation core.
package models

import (
	"strconv"
	"strings"
	"time"
)

// TrackRef identifies a track under review on the host page.
type TrackRef struct {
	TrackIndex    int    `json:"trackIndex"`
	DisplayNumber int    `json:"displayNumber"`
	Header        string `json:"header"`
	HasAlert      bool   `json:"hasAlert"`
}

// PlaceholderHeader is the header used until the track title is read from the page.
func PlaceholderHeader(displayNumber int) string {
	return "Track " + strconv.Itoa(displayNumber)
}

// AudioMatchResult is one candidate match listed inside a track's audio modal.
type AudioMatchResult struct {
	Index   int      `csv:"match_index" json:"index"`
	Title   string   `csv:"title" json:"title"`
	Artists []string `csv:"artist" json:"artists"`
	Album   string   `csv:"album" json:"album"`
	Score   int      `csv:"score" json:"score"`
}

// FirstArtist returns the first artist or an empty string.
func (r AudioMatchResult) FirstArtist() string {
	if len(r.Artists) == 0 {
		return ""
	}
	return r.Artists[0]
}

// Key is the identity used to collapse duplicate matches.
func (r AudioMatchResult) Key() string {
	return strings.Join([]string{r.Title, r.FirstArtist(), r.Album, strconv.Itoa(r.Score)}, "|")
}

// TrackAnalysis aggregates the matches found for one track.
type TrackAnalysis struct {
	ReleaseID      string             `json:"releaseId,omitempty"`
	TrackIndex     int                `json:"trackIndex"`
	TrackTitle     string             `json:"trackTitle"`
	TrackArtist    string             `json:"trackArtist"`
	TrackAlbum     string             `json:"trackAlbum"`
	Results        []AudioMatchResult `json:"results"`
	ExtractedAt    time.Time          `json:"extractedAt"`
	ProcessingTime time.Duration      `json:"processingTime"`
}

// BestScore returns the highest score among the results.
func (a TrackAnalysis) BestScore() int {
	best := 0
	for _, r := range a.Results {
		if r.Score > best {
			best = r.Score
		}
	}
	return best
}

// AnalysisReport is what a caller gets back from an orchestration pass.
type AnalysisReport struct {
	RunID      string          `json:"runId"`
	Mode       string          `json:"mode"`
	Results    []TrackAnalysis `json:"results"`
	Failures   map[int]string  `json:"failures,omitempty"`
	Attempted  int             `json:"attempted"`
	Aborted    bool            `json:"aborted"`
	InProgress bool            `json:"inProgress"`
	Skipped    string          `json:"skipped,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}
