// Package checks computes the QC panel flags for a release under review.
package checks

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/models"
	"github.com/aluiziolira/qc-copilot/parser"
)

// Flag kinds.
const (
	KindBlacklisted        = "blacklisted_artist"
	KindCurated            = "curated_artist"
	KindAudioMatch         = "audio_match"
	KindDurationShort      = "duration_short"
	KindDurationLong       = "duration_long"
	KindExplicit           = "explicit"
	KindLanguageMismatch   = "language_mismatch"
	KindPreviouslyRejected = "previously_rejected"
	KindStrikes            = "strikes"
)

// ReleaseLevel is the TrackIndex of flags that concern the whole release.
const ReleaseLevel = -1

var artistSeparators = regexp.MustCompile(`(?i)\s*(?:,|&|;|\bfeat\b\.?|\bft\b\.?|\bx\b|\bwith\b)\s*`)

// Checker applies the QC rules.
type Checker struct {
	lists      Lists
	threshold  int
	similarity float64
	jw         *metrics.JaroWinkler
}

// New builds a checker from the lists and the configured thresholds.
func New(lists Lists, cfg *config.Config) *Checker {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Checker{
		lists:      lists,
		threshold:  cfg.MatchThreshold,
		similarity: cfg.ArtistSimilarity,
		jw:         metrics.NewJaroWinkler(),
	}
}

// Run produces the flags for release, using analyses for audio matches.
// Flags are ordered danger first, then by track.
func (c *Checker) Run(release *models.ReleaseData, analyses []models.TrackAnalysis) models.CheckSummary {
	summary := models.CheckSummary{Flags: []models.Flag{}}
	if release == nil {
		return summary
	}
	summary.ReleaseID = release.ID

	add := func(kind string, sev models.Severity, track int, format string, args ...any) {
		summary.Flags = append(summary.Flags, models.Flag{
			Kind:       kind,
			Severity:   sev,
			Message:    fmt.Sprintf(format, args...),
			TrackIndex: track,
		})
	}

	if release.PreviouslyRejected {
		add(KindPreviouslyRejected, models.SeverityDanger, ReleaseLevel, "release was previously rejected")
	}
	if release.Strikes > 0 {
		sev := models.SeverityWarning
		if release.Strikes >= c.lists.StrikeLimit {
			sev = models.SeverityDanger
		}
		add(KindStrikes, sev, ReleaseLevel, "user has %d strike(s)", release.Strikes)
	}
	c.artistFlags(release.Artist, ReleaseLevel, add)

	releaseLang := strings.ToLower(release.Language)
	for _, t := range release.Tracks {
		idx := t.Ref.TrackIndex
		if t.Artist != "" && !strings.EqualFold(t.Artist, release.Artist) {
			c.artistFlags(t.Artist, idx, add)
		}
		if t.Duration > 0 && t.Duration < c.lists.MinDuration {
			add(KindDurationShort, models.SeverityWarning, idx, "%s is %s long", t.Ref.Header, parser.FormatDuration(t.Duration))
		}
		if c.lists.MaxDuration > 0 && t.Duration > c.lists.MaxDuration {
			add(KindDurationLong, models.SeverityWarning, idx, "%s is %s long", t.Ref.Header, parser.FormatDuration(t.Duration))
		}
		if t.Explicit {
			add(KindExplicit, models.SeverityInfo, idx, "%s is marked explicit", t.Ref.Header)
		}
		if lang := strings.ToLower(t.Language); lang != "" && releaseLang != "" && lang != releaseLang {
			add(KindLanguageMismatch, models.SeverityWarning, idx, "%s language %s differs from release language %s", t.Ref.Header, t.Language, release.Language)
		}
	}

	for _, a := range analyses {
		c.matchFlag(release, a, add)
	}

	rank := map[models.Severity]int{models.SeverityDanger: 0, models.SeverityWarning: 1, models.SeverityInfo: 2}
	sort.SliceStable(summary.Flags, func(i, j int) bool {
		fi, fj := summary.Flags[i], summary.Flags[j]
		if rank[fi.Severity] != rank[fj.Severity] {
			return rank[fi.Severity] < rank[fj.Severity]
		}
		return fi.TrackIndex < fj.TrackIndex
	})
	return summary
}

type addFunc func(kind string, sev models.Severity, track int, format string, args ...any)

func (c *Checker) artistFlags(artist string, track int, add addFunc) {
	for _, name := range SplitArtists(artist) {
		if hit, ok := c.closest(name, c.lists.Blacklist); ok {
			add(KindBlacklisted, models.SeverityDanger, track, "%q matches blacklisted artist %q", name, hit)
		}
		if hit, ok := c.closest(name, c.lists.Curated); ok {
			add(KindCurated, models.SeverityInfo, track, "%q matches curated artist %q", name, hit)
		}
	}
}

// matchFlag reports the best audio match at or above the threshold. A match
// credited to someone other than the submitting artist is a danger.
func (c *Checker) matchFlag(release *models.ReleaseData, a models.TrackAnalysis, add addFunc) {
	var best *models.AudioMatchResult
	for i := range a.Results {
		r := &a.Results[i]
		if r.Score >= c.threshold && (best == nil || r.Score > best.Score) {
			best = r
		}
	}
	if best == nil {
		return
	}

	owner := a.TrackArtist
	if owner == "" {
		owner = release.Artist
	}
	sev := models.SeverityWarning
	if owner != "" && len(best.Artists) > 0 && !c.sameArtist(owner, best.Artists) {
		sev = models.SeverityDanger
	}
	add(KindAudioMatch, sev, a.TrackIndex, "%s matches %q by %s (%d%%)",
		a.TrackTitle, best.Title, strings.Join(best.Artists, ", "), best.Score)
}

func (c *Checker) sameArtist(owner string, credited []string) bool {
	for _, o := range SplitArtists(owner) {
		for _, cr := range credited {
			for _, name := range SplitArtists(cr) {
				if c.score(o, name) >= c.similarity {
					return true
				}
			}
		}
	}
	return false
}

func (c *Checker) closest(name string, list []string) (string, bool) {
	best, bestScore := "", 0.0
	for _, candidate := range list {
		if s := c.score(name, candidate); s > bestScore {
			best, bestScore = candidate, s
		}
	}
	return best, best != "" && bestScore >= c.similarity
}

func (c *Checker) score(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	return strutil.Similarity(a, b, c.jw)
}

// SplitArtists breaks a credit line like "A feat. B & C" into names.
func SplitArtists(credit string) []string {
	var out []string
	for _, part := range artistSeparators.Split(credit, -1) {
		if name := parser.NormalizeText(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func normalizeName(s string) string {
	s = strings.ToLower(parser.NormalizeText(s))
	return strings.TrimPrefix(s, "the ")
}
