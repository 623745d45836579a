package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/dom"
	"github.com/aluiziolira/qc-copilot/locator"
	"github.com/aluiziolira/qc-copilot/modal"
	"github.com/aluiziolira/qc-copilot/models"
)

// releasePage renders n track sections. Tracks listed in alerts get an alert
// button wired to their own audio modal.
func releasePage(n int, alerts ...int) string {
	hasAlert := make(map[int]bool, len(alerts))
	for _, i := range alerts {
		hasAlert[i] = true
	}
	var b strings.Builder
	b.WriteString("<html><body>\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<div id="track-%d-info" class="track-section"><h5 class="track-title">Song %d</h5>`, i, i)
		if hasAlert[i] {
			fmt.Fprintf(&b, `<button class="btn btn-warning alert" data-bs-toggle="modal" data-bs-target="#audio-modal-%d">!</button>`, i)
		}
		b.WriteString("</div>\n")
		fmt.Fprintf(&b, `<div class="modal fade" id="audio-modal-%d" tabindex="-1" aria-hidden="true"><div class="modal-dialog"><div class="modal-content">`+
			`<div class="modal-header"><h5 class="modal-title">Audio analysis</h5><button type="button" class="btn-close" data-bs-dismiss="modal" aria-label="Close"></button></div>`+
			`<div class="modal-body"><table><tr><td>Title</td><td>Match %d</td></tr><tr><td>Artist</td><td>Artist %d</td></tr><tr><td>Score</td><td>9%d%%</td></tr></table></div>`+
			"</div></div></div>\n", i, i, i, i)
	}
	b.WriteString(`<div class="modal fade" id="approveModal" tabindex="-1"><div class="modal-dialog"></div></div>`)
	b.WriteString("\n</body></html>")
	return b.String()
}

func refs(n int, alerts ...int) []models.TrackRef {
	hasAlert := make(map[int]bool, len(alerts))
	for _, i := range alerts {
		hasAlert[i] = true
	}
	out := make([]models.TrackRef, n)
	for i := range out {
		out[i] = models.TrackRef{
			TrackIndex:    i,
			DisplayNumber: i + 1,
			Header:        models.PlaceholderHeader(i + 1),
			HasAlert:      hasAlert[i],
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.OpenTimeout = 300 * time.Millisecond
	cfg.StrategyWindow = 60 * time.Millisecond
	cfg.CloseTimeout = 200 * time.Millisecond
	cfg.ContentTimeout = 50 * time.Millisecond
	cfg.TrackPause = 5 * time.Millisecond
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

type countingLocator struct {
	*locator.Locator

	mu      sync.Mutex
	calls   map[int]int
	panicOn map[int]bool
}

func (c *countingLocator) Locate(ctx context.Context, q locator.Query) (dom.Node, bool) {
	if q.Target == locator.AlertButton {
		c.mu.Lock()
		c.calls[q.TrackIndex]++
		shouldPanic := c.panicOn[q.TrackIndex]
		c.mu.Unlock()
		if shouldPanic {
			panic("locator exploded")
		}
	}
	return c.Locator.Locate(ctx, q)
}

func (c *countingLocator) count(track int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[track]
}

func newOrchestrator(t *testing.T, markup string, opts dom.BootstrapOptions, cfg *config.Config) (*Orchestrator, *dom.Memory, *countingLocator) {
	t.Helper()
	m, err := dom.NewMemoryFromString(markup)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	dom.InstallBootstrap(m, opts)
	base := locator.New(m, locator.DefaultRules())
	o := New(m, base, cfg)
	counting := &countingLocator{Locator: base, calls: make(map[int]int), panicOn: make(map[int]bool)}
	o.loc = counting
	return o, m, counting
}

func openAudioModals(t *testing.T, m *dom.Memory) int {
	t.Helper()
	doc, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return doc.Find(`.modal.show[id^="audio"]`).Length() + doc.Find(".modal-backdrop").Length()
}

func resultIndexes(results []models.TrackAnalysis) []int {
	out := make([]int, 0, len(results))
	for _, r := range results {
		out = append(out, r.TrackIndex)
	}
	return out
}

func TestAnalyzeOnlyTracksWithAlerts(t *testing.T) {
	o, m, loc := newOrchestrator(t, releasePage(3, 1), dom.BootstrapOptions{}, testConfig())

	report := o.Analyze(context.Background(), refs(3, 1), config.ModeSequential)

	if len(report.Results) != 1 {
		t.Fatalf("results = %d, want 1 (%+v)", len(report.Results), report.Failures)
	}
	got := report.Results[0]
	if got.TrackIndex != 1 || got.TrackTitle != "Song 1" {
		t.Fatalf("analysis = track %d %q, want track 1 \"Song 1\"", got.TrackIndex, got.TrackTitle)
	}
	if len(got.Results) != 1 || got.Results[0].Score != 91 || got.Results[0].Title != "Match 1" {
		t.Fatalf("matches = %+v", got.Results)
	}
	for _, idx := range []int{0, 2} {
		if n := loc.count(idx); n != 0 {
			t.Fatalf("track %d located %d times, want never", idx, n)
		}
	}
	if report.Attempted != 1 || report.Aborted || report.InProgress {
		t.Fatalf("unexpected report flags %+v", report)
	}
	if report.RunID == "" {
		t.Fatalf("run id missing")
	}
	if n := openAudioModals(t, m); n != 0 {
		t.Fatalf("leftover modals/backdrops = %d", n)
	}
	if o.InProgress() {
		t.Fatalf("run should be finished")
	}
	if got := testutil.ToFloat64(o.Metrics.TracksTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok tracks metric = %v, want 1", got)
	}
}

func TestAnalyzeSequentialKeepsInputOrder(t *testing.T) {
	o, _, _ := newOrchestrator(t, releasePage(5, 0, 1, 2, 3, 4), dom.BootstrapOptions{}, testConfig())

	var completed []int
	o.OnTrackComplete = func(a models.TrackAnalysis) {
		completed = append(completed, a.TrackIndex)
	}
	report := o.Analyze(context.Background(), refs(5, 0, 1, 2, 3, 4), config.ModeSequential)

	want := []int{0, 1, 2, 3, 4}
	if got := resultIndexes(report.Results); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("result order = %v, want %v", got, want)
	}
	if fmt.Sprint(completed) != fmt.Sprint(want) {
		t.Fatalf("completion order = %v, want %v", completed, want)
	}
}

func TestDisableMidRunHaltsDispatch(t *testing.T) {
	o, m, loc := newOrchestrator(t, releasePage(5, 0, 1, 2, 3, 4), dom.BootstrapOptions{}, testConfig())

	o.OnTrackComplete = func(a models.TrackAnalysis) {
		if a.TrackIndex == 1 {
			o.SetEnabled(false)
		}
	}
	report := o.Analyze(context.Background(), refs(5, 0, 1, 2, 3, 4), config.ModeSequential)

	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[0 1]" {
		t.Fatalf("results = %v, want [0 1]", got)
	}
	for _, idx := range []int{2, 3, 4} {
		if n := loc.count(idx); n != 0 {
			t.Fatalf("track %d located %d times after disable", idx, n)
		}
	}
	if !report.Aborted || report.Skipped != "disabled" {
		t.Fatalf("report aborted=%v skipped=%q, want disabled abort", report.Aborted, report.Skipped)
	}
	if n := openAudioModals(t, m); n != 0 {
		t.Fatalf("leftover modals/backdrops = %d", n)
	}

	again := o.Analyze(context.Background(), refs(5, 0), config.ModeSequential)
	if again.Skipped != "disabled" || again.Attempted != 0 {
		t.Fatalf("disabled orchestrator started a run: %+v", again)
	}
}

func TestSingleFlight(t *testing.T) {
	cfg := testConfig()
	o, _, loc := newOrchestrator(t, releasePage(3, 0, 1, 2), dom.BootstrapOptions{ShowDelay: 40 * time.Millisecond}, cfg)

	first := make(chan *models.AnalysisReport, 1)
	go func() {
		first <- o.Analyze(context.Background(), refs(3, 0, 1, 2), config.ModeSequential)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !o.InProgress() {
		if time.Now().After(deadline) {
			t.Fatalf("first run never started")
		}
		time.Sleep(time.Millisecond)
	}

	other := []models.TrackRef{{TrackIndex: 7, DisplayNumber: 8, HasAlert: true}}
	second := o.Analyze(context.Background(), other, config.ModeParallel)
	if !second.InProgress {
		t.Fatalf("second call should report the run in progress")
	}
	if loc.count(7) != 0 {
		t.Fatalf("second call must not start work")
	}

	report := <-first
	if second.RunID != report.RunID {
		t.Fatalf("second call returned run %q, want %q", second.RunID, report.RunID)
	}
	if len(report.Results) != 3 {
		t.Fatalf("first run results = %d, want 3", len(report.Results))
	}
	if report.Mode != config.ModeSequential {
		t.Fatalf("mode = %q", report.Mode)
	}
}

func TestModalOpenTimeoutOmitsTrack(t *testing.T) {
	cfg := testConfig()
	cfg.OpenTimeout = 1000 * time.Millisecond
	o, m, _ := newOrchestrator(t, releasePage(2, 0, 1), dom.BootstrapOptions{NoModalAPI: true}, cfg)
	m.Update(func(doc *goquery.Document) {
		doc.Find("#track-0-info button").RemoveAttr("data-bs-toggle")
	})

	start := time.Now()
	report := o.Analyze(context.Background(), refs(2, 0, 1), config.ModeSequential)

	if time.Since(start) < cfg.OpenTimeout {
		t.Fatalf("run finished before the open bound elapsed")
	}
	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[1]" {
		t.Fatalf("results = %v, want [1]", got)
	}
	if !strings.Contains(report.Failures[0], "timeout") {
		t.Fatalf("failure for track 0 = %q, want timeout", report.Failures[0])
	}
	if report.Aborted {
		t.Fatalf("a timeout must not abort the run")
	}
}

func TestAnalyzeTrackOpenTimeoutReturnsError(t *testing.T) {
	cfg := testConfig()
	cfg.OpenTimeout = 100 * time.Millisecond
	o, m, _ := newOrchestrator(t, releasePage(1, 0), dom.BootstrapOptions{NoModalAPI: true}, cfg)
	m.Update(func(doc *goquery.Document) {
		doc.Find("#track-0-info button").RemoveAttr("data-bs-toggle")
	})

	analysis, err := o.AnalyzeTrack(context.Background(), refs(1, 0)[0])
	var timeout modal.ErrTimeout
	if analysis != nil || !errors.As(err, &timeout) {
		t.Fatalf("AnalyzeTrack = %v, %v, want nil and modal timeout", analysis, err)
	}
}

func TestAnalyzeParallel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallel = 2
	o, m, _ := newOrchestrator(t, releasePage(4, 0, 1, 2, 3), dom.BootstrapOptions{ShowDelay: 20 * time.Millisecond}, cfg)

	report := o.Analyze(context.Background(), refs(4, 0, 1, 2, 3), config.ModeParallel)

	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[0 1 2 3]" {
		t.Fatalf("results = %v, want sorted [0 1 2 3] (failures %v)", got, report.Failures)
	}
	for _, r := range report.Results {
		if len(r.Results) != 1 || r.Results[0].Title != fmt.Sprintf("Match %d", r.TrackIndex) {
			t.Fatalf("track %d read the wrong modal: %+v", r.TrackIndex, r.Results)
		}
	}
	if n := openAudioModals(t, m); n != 0 {
		t.Fatalf("leftover modals/backdrops = %d", n)
	}
	if st := o.State(); len(st.Queue) != 0 {
		t.Fatalf("queue should be empty after a parallel run, got %d", len(st.Queue))
	}
}

func TestAnalyzeParallelDisableHaltsDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallel = 1
	o, m, loc := newOrchestrator(t, releasePage(5, 0, 1, 2, 3, 4), dom.BootstrapOptions{}, cfg)

	o.OnTrackComplete = func(a models.TrackAnalysis) {
		if a.TrackIndex == 1 {
			o.SetEnabled(false)
		}
	}
	report := o.Analyze(context.Background(), refs(5, 0, 1, 2, 3, 4), config.ModeParallel)

	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[0 1]" {
		t.Fatalf("results = %v, want [0 1]", got)
	}
	for _, idx := range []int{2, 3, 4} {
		if n := loc.count(idx); n != 0 {
			t.Fatalf("track %d located %d times after disable", idx, n)
		}
	}
	if !report.Aborted || report.Skipped != "disabled" {
		t.Fatalf("report aborted=%v skipped=%q, want disabled abort", report.Aborted, report.Skipped)
	}
	if n := openAudioModals(t, m); n != 0 {
		t.Fatalf("leftover modals/backdrops = %d", n)
	}
}

func TestAnalyzeParallelIsolatesFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallel = 2
	o, m, loc := newOrchestrator(t, releasePage(4, 0, 1, 2, 3), dom.BootstrapOptions{NoModalAPI: true}, cfg)
	loc.panicOn[1] = true
	m.Update(func(doc *goquery.Document) {
		doc.Find("#track-2-info button").RemoveAttr("data-bs-toggle")
	})

	report := o.Analyze(context.Background(), refs(4, 0, 1, 2, 3), config.ModeParallel)

	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[0 3]" {
		t.Fatalf("results = %v, want sorted [0 3] (failures %v)", got, report.Failures)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("failures = %v, want tracks 1 and 2", report.Failures)
	}
	if !strings.Contains(report.Failures[1], "unexpected") {
		t.Fatalf("failure for track 1 = %q, want unexpected", report.Failures[1])
	}
	if !strings.Contains(report.Failures[2], "timeout") {
		t.Fatalf("failure for track 2 = %q, want timeout", report.Failures[2])
	}
	for _, r := range report.Results {
		if _, failed := report.Failures[r.TrackIndex]; failed {
			t.Fatalf("track %d is both a result and a failure", r.TrackIndex)
		}
		if len(r.Results) != 1 || r.Results[0].Title != fmt.Sprintf("Match %d", r.TrackIndex) {
			t.Fatalf("track %d read the wrong modal: %+v", r.TrackIndex, r.Results)
		}
	}
	if report.Aborted {
		t.Fatalf("track failures must not abort the run")
	}
	if n := openAudioModals(t, m); n != 0 {
		t.Fatalf("leftover modals/backdrops = %d", n)
	}
}

func TestImportantModalBlocksStart(t *testing.T) {
	o, m, loc := newOrchestrator(t, releasePage(2, 0, 1), dom.BootstrapOptions{}, testConfig())
	if ok, err := m.ModalAPI(context.Background(), "#approveModal", dom.ModalShow); !ok || err != nil {
		t.Fatalf("show approve modal: %v, %v", ok, err)
	}

	report := o.Analyze(context.Background(), refs(2, 0, 1), config.ModeSequential)

	if report.Skipped != "important_modal" || report.Attempted != 0 {
		t.Fatalf("report = %+v, want skipped for important modal", report)
	}
	if loc.count(0)+loc.count(1) != 0 {
		t.Fatalf("no track should be located while an important modal is open")
	}
	if visible, _ := m.Visible(context.Background(), "#approveModal"); !visible {
		t.Fatalf("cleanup must not close the important modal")
	}
}

func TestImportantModalStopsRunInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.TrackPause = 100 * time.Millisecond
	o, m, loc := newOrchestrator(t, releasePage(3, 0, 1, 2), dom.BootstrapOptions{}, cfg)

	o.OnTrackComplete = func(a models.TrackAnalysis) {
		if a.TrackIndex == 0 {
			m.ModalAPI(context.Background(), "#approveModal", dom.ModalShow)
		}
	}
	report := o.Analyze(context.Background(), refs(3, 0, 1, 2), config.ModeSequential)

	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[0]" {
		t.Fatalf("results = %v, want [0]", got)
	}
	if !report.Aborted || report.Skipped != "important_modal" {
		t.Fatalf("report aborted=%v skipped=%q", report.Aborted, report.Skipped)
	}
	if loc.count(1)+loc.count(2) != 0 {
		t.Fatalf("tracks after the important modal opened were attempted")
	}
}

func TestCancellationCleansUp(t *testing.T) {
	o, m, loc := newOrchestrator(t, releasePage(3, 0, 1, 2), dom.BootstrapOptions{StickyClose: true}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.OnTrackComplete = func(models.TrackAnalysis) { cancel() }

	report := o.Analyze(ctx, refs(3, 0, 1, 2), config.ModeSequential)

	if !report.Aborted || report.Skipped != "cancelled" {
		t.Fatalf("report aborted=%v skipped=%q", report.Aborted, report.Skipped)
	}
	if len(report.Results) != 1 {
		t.Fatalf("completed track must stay in the results, got %d", len(report.Results))
	}
	if loc.count(1)+loc.count(2) != 0 {
		t.Fatalf("tracks were attempted after cancellation")
	}
	if n := openAudioModals(t, m); n != 0 {
		t.Fatalf("leftover modals/backdrops = %d", n)
	}
	if got := testutil.ToFloat64(o.Metrics.ForcedCloses); got != 1 {
		t.Fatalf("forced closures = %v, want 1", got)
	}
}

func TestCleanupRemovesStrayModals(t *testing.T) {
	o, m, _ := newOrchestrator(t, releasePage(3, 1), dom.BootstrapOptions{}, testConfig())
	ctx := context.Background()
	m.ModalAPI(ctx, "#audio-modal-2", dom.ModalShow)
	m.Update(func(doc *goquery.Document) {
		doc.Find("body").AppendHtml(`<div class="modal-backdrop fade show"></div>`)
	})

	report := o.Analyze(ctx, refs(3, 1), config.ModeSequential)

	if len(report.Results) != 1 {
		t.Fatalf("results = %d, want 1 (%v)", len(report.Results), report.Failures)
	}
	if n := openAudioModals(t, m); n != 0 {
		t.Fatalf("leftover modals/backdrops = %d", n)
	}
}

func TestLocatorMissRetriesOnce(t *testing.T) {
	o, _, loc := newOrchestrator(t, releasePage(2, 1), dom.BootstrapOptions{}, testConfig())

	tracks := refs(2, 0, 1)
	report := o.Analyze(context.Background(), tracks, config.ModeSequential)

	if n := loc.count(0); n != 2 {
		t.Fatalf("track 0 located %d times, want 2", n)
	}
	if !strings.Contains(report.Failures[0], "not_found") {
		t.Fatalf("failure = %q, want not_found", report.Failures[0])
	}
	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[1]" {
		t.Fatalf("results = %v, want [1]", got)
	}
}

func TestPanicIsContainedToTrack(t *testing.T) {
	o, _, loc := newOrchestrator(t, releasePage(2, 0, 1), dom.BootstrapOptions{}, testConfig())
	loc.panicOn[0] = true

	report := o.Analyze(context.Background(), refs(2, 0, 1), config.ModeSequential)

	if !strings.Contains(report.Failures[0], "unexpected") {
		t.Fatalf("failure = %q, want unexpected", report.Failures[0])
	}
	if got := resultIndexes(report.Results); fmt.Sprint(got) != "[1]" {
		t.Fatalf("results = %v, want [1]", got)
	}
}

func TestAnalyzeTrackUsesRelease(t *testing.T) {
	o, _, _ := newOrchestrator(t, releasePage(1, 0), dom.BootstrapOptions{}, testConfig())
	o.SetRelease(&models.ReleaseData{
		ID:     "R-42",
		Title:  "Album",
		Artist: "Main Artist",
		Tracks: []models.ReleaseTrack{{Ref: models.TrackRef{TrackIndex: 0}, Artist: "Feat Artist"}},
	})

	analysis, err := o.AnalyzeTrack(context.Background(), models.TrackRef{TrackIndex: 0, HasAlert: true})
	if err != nil {
		t.Fatalf("analyze track: %v", err)
	}
	if analysis.ReleaseID != "R-42" || analysis.TrackAlbum != "Album" || analysis.TrackArtist != "Feat Artist" {
		t.Fatalf("release fields not applied: %+v", analysis)
	}
	if analysis.TrackTitle != "Song 0" {
		t.Fatalf("title = %q, want Song 0", analysis.TrackTitle)
	}
}

func TestErrorTypeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: "unknown"},
		{err: ErrNotFound{Track: 1}, want: "not_found"},
		{err: modal.ErrTimeout{Op: "open", Modal: "#m"}, want: "timeout"},
		{err: ErrAborted{Err: context.Canceled}, want: "aborted"},
		{err: ErrUnexpected{Err: errors.New("boom")}, want: "unexpected"},
		{err: errors.New("plain"), want: "other"},
	}
	for _, tt := range tests {
		if got := errorTypeLabel(tt.err); got != tt.want {
			t.Errorf("errorTypeLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
