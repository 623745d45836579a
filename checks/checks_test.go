package checks

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/models"
)

func track(i int, header string) models.ReleaseTrack {
	return models.ReleaseTrack{
		Ref:      models.TrackRef{TrackIndex: i, DisplayNumber: i + 1, Header: header},
		Duration: 3 * time.Minute,
	}
}

func kinds(s models.CheckSummary) map[string]models.Severity {
	out := make(map[string]models.Severity)
	for _, f := range s.Flags {
		out[f.Kind] = f.Severity
	}
	return out
}

func TestSplitArtists(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"The Band", []string{"The Band"}},
		{"Alex feat. Sam & Joe", []string{"Alex", "Sam", "Joe"}},
		{"A, B ft C", []string{"A", "B", "C"}},
		{"DJ One x MC Two", []string{"DJ One", "MC Two"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		if got := SplitArtists(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("SplitArtists(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReleaseLevelFlags(t *testing.T) {
	lists := DefaultLists()
	lists.Blacklist = []string{"Fake Drake"}
	lists.Curated = []string{"Los Lobos"}
	c := New(lists, config.DefaultConfig())

	release := &models.ReleaseData{
		ID:                 "R-1",
		Artist:             "fake drake feat. Los Lobos",
		Language:           "ES",
		Strikes:            3,
		PreviouslyRejected: true,
		Tracks:             []models.ReleaseTrack{track(0, "Intro")},
	}
	summary := c.Run(release, nil)

	got := kinds(summary)
	want := map[string]models.Severity{
		KindPreviouslyRejected: models.SeverityDanger,
		KindStrikes:            models.SeverityDanger,
		KindBlacklisted:        models.SeverityDanger,
		KindCurated:            models.SeverityInfo,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("flags = %v, want %v", got, want)
	}
	if summary.ReleaseID != "R-1" || summary.Count(models.SeverityDanger) != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Flags[len(summary.Flags)-1].Severity != models.SeverityInfo {
		t.Fatalf("info flags should sort last: %+v", summary.Flags)
	}
}

func TestTrackFlags(t *testing.T) {
	c := New(DefaultLists(), config.DefaultConfig())

	short := track(0, "Skit")
	short.Duration = 12 * time.Second
	long := track(1, "Mix")
	long.Duration = 25 * time.Minute
	explicit := track(2, "Loud")
	explicit.Explicit = true
	foreign := track(3, "Chanson")
	foreign.Language = "fr"

	release := &models.ReleaseData{Language: "ES", Strikes: 1,
		Tracks: []models.ReleaseTrack{short, long, explicit, foreign}}
	summary := c.Run(release, nil)

	byTrack := make(map[int]string)
	for _, f := range summary.Flags {
		byTrack[f.TrackIndex] = f.Kind
	}
	want := map[int]string{
		ReleaseLevel: KindStrikes,
		0:            KindDurationShort,
		1:            KindDurationLong,
		2:            KindExplicit,
		3:            KindLanguageMismatch,
	}
	if !reflect.DeepEqual(byTrack, want) {
		t.Fatalf("flags by track = %v, want %v", byTrack, want)
	}
	if summary.Flags[0].Severity != models.SeverityWarning {
		t.Fatalf("one strike should be a warning")
	}
}

func TestAudioMatchFlags(t *testing.T) {
	c := New(DefaultLists(), config.DefaultConfig())
	release := &models.ReleaseData{Artist: "The Band"}

	analyses := []models.TrackAnalysis{
		{TrackIndex: 0, TrackTitle: "Own", Results: []models.AudioMatchResult{
			{Index: 1, Title: "Own", Artists: []string{"Band"}, Score: 95},
		}},
		{TrackIndex: 1, TrackTitle: "Copied", Results: []models.AudioMatchResult{
			{Index: 1, Title: "Low", Artists: []string{"Nobody"}, Score: 40},
			{Index: 2, Title: "Hit Song", Artists: []string{"Famous Star"}, Score: 88},
		}},
		{TrackIndex: 2, TrackTitle: "Clean", Results: []models.AudioMatchResult{
			{Index: 1, Title: "Other", Artists: []string{"Someone"}, Score: 79},
		}},
		{TrackIndex: 3, TrackTitle: "Empty", Results: []models.AudioMatchResult{}},
	}
	summary := c.Run(release, analyses)

	if len(summary.Flags) != 2 {
		t.Fatalf("flags = %+v, want 2 audio matches", summary.Flags)
	}
	if f := summary.Flags[0]; f.TrackIndex != 1 || f.Severity != models.SeverityDanger {
		t.Fatalf("foreign match = %+v, want danger on track 1", f)
	}
	if f := summary.Flags[1]; f.TrackIndex != 0 || f.Severity != models.SeverityWarning {
		t.Fatalf("own match = %+v, want warning on track 0", f)
	}
}

func TestRunNilRelease(t *testing.T) {
	summary := New(DefaultLists(), nil).Run(nil, nil)
	if summary.Flags == nil || len(summary.Flags) != 0 {
		t.Fatalf("nil release = %+v", summary)
	}
}

func TestLoadLists(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "lists.yaml")
	content := "blacklist:\n  - Fake Drake\ncurated:\n  - Los Lobos\nmin_duration: 45s\n"
	if err := os.WriteFile(valid, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	lists, err := LoadLists(valid)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(lists.Blacklist) != 1 || lists.MinDuration != 45*time.Second || lists.MaxDuration != 20*time.Minute || lists.StrikeLimit != 3 {
		t.Fatalf("lists = %+v", lists)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("min_duration: 10m\nmax_duration: 5m\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadLists(bad); err == nil {
		t.Fatalf("expected error for inverted bounds")
	}

	if _, err := LoadLists(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
