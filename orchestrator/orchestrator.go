// Package orchestrator runs the open, extract and close cycle over the tracks
// of a release. It owns the analysis run state: every change to it goes
// through Orchestrator methods.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/dom"
	"github.com/aluiziolira/qc-copilot/extract"
	"github.com/aluiziolira/qc-copilot/locator"
	"github.com/aluiziolira/qc-copilot/modal"
	"github.com/aluiziolira/qc-copilot/models"
)

const (
	cleanupTimeout = 5 * time.Second
	watchWindow    = time.Minute
)

type trackLocator interface {
	Locate(ctx context.Context, q locator.Query) (dom.Node, bool)
	TrackTitle(doc *goquery.Document, trackIndex int) string
	Rules() locator.RuleSet
}

// Run is the state of the current or last analysis pass.
type Run struct {
	ID         string
	Mode       string
	Enabled    bool
	InProgress bool
	Queue      []models.TrackRef
	Results    []models.TrackAnalysis
	Failures   map[int]string
	Attempted  int
	StartedAt  time.Time
}

// Orchestrator sequences track analyses on one page. At most one run is in
// flight at a time.
type Orchestrator struct {
	page    dom.Page
	loc     trackLocator
	modals  *modal.Controller
	cfg     *config.Config
	Metrics *Metrics

	// OnTrackComplete is called after every track that produced an analysis.
	// Set it before the first run.
	OnTrackComplete func(models.TrackAnalysis)

	mu      sync.Mutex
	run     Run
	cancel  context.CancelCauseFunc
	release *models.ReleaseData
}

// New builds an orchestrator for page.
func New(page dom.Page, loc *locator.Locator, cfg *config.Config) *Orchestrator {
	policy := modal.Policy{
		PollInterval:   cfg.PollInterval,
		OpenTimeout:    cfg.OpenTimeout,
		StrategyWindow: cfg.StrategyWindow,
		CloseTimeout:   cfg.CloseTimeout,
	}
	return &Orchestrator{
		page:    page,
		loc:     loc,
		modals:  modal.New(page, loc, policy),
		cfg:     cfg,
		Metrics: NewMetrics(),
		run:     Run{Enabled: cfg.AnalysisEnabled},
	}
}

// SetRelease attaches the release the tracks belong to. Analyses then carry
// its id, artist and title.
func (o *Orchestrator) SetRelease(rel *models.ReleaseData) {
	o.mu.Lock()
	o.release = rel
	o.mu.Unlock()
}

// SetEnabled toggles analysis. Disabling cancels a run in flight at its next
// checkpoint; the run still cleans up before returning.
func (o *Orchestrator) SetEnabled(enabled bool) {
	o.mu.Lock()
	o.run.Enabled = enabled
	cancel := o.cancel
	o.mu.Unlock()

	slog.Info("audio analysis toggled", slog.Bool("enabled", enabled))
	if !enabled && cancel != nil {
		cancel(ErrDisabled)
	}
}

// Enabled reports whether new runs may start.
func (o *Orchestrator) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.Enabled
}

// InProgress reports whether a run is in flight.
func (o *Orchestrator) InProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.InProgress
}

// Results returns a copy of the results accumulated by the current or last run.
func (o *Orchestrator) Results() []models.TrackAnalysis {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.run.Results)
}

// State returns a copy of the run state.
func (o *Orchestrator) State() Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.run
	r.Queue = slices.Clone(o.run.Queue)
	r.Results = slices.Clone(o.run.Results)
	r.Failures = make(map[int]string, len(o.run.Failures))
	for k, v := range o.run.Failures {
		r.Failures[k] = v
	}
	return r
}

// Cleanup force-closes leftover audio modals and orphaned backdrops.
func (o *Orchestrator) Cleanup(ctx context.Context) (int, error) {
	removed, err := o.modals.Sweep(ctx)
	o.Metrics.AddCleanupRemovals(removed)
	return removed, err
}

// ImportantModalOpen reports whether an important dialog is shown, and its id.
func (o *Orchestrator) ImportantModalOpen(ctx context.Context) (string, bool) {
	selector := o.loc.Rules().ImportantSelector()
	if selector == "" {
		return "", false
	}
	doc, err := o.page.Snapshot(ctx)
	if err != nil {
		return "", false
	}
	open := doc.Find(selector).First()
	if open.Length() == 0 {
		return "", false
	}
	return open.AttrOr("id", ""), true
}

// Analyze runs the audio analysis over the tracks that carry an alert, in
// sequential or parallel mode. It never fails: per-track errors are recorded
// in the report and the page is cleaned up on every path.
//
// While a run is in flight, Analyze returns the accumulating results of that
// run with InProgress set and starts nothing.
func (o *Orchestrator) Analyze(ctx context.Context, tracks []models.TrackRef, mode string) *models.AnalysisReport {
	if mode == "" {
		mode = o.cfg.Mode
	}

	o.mu.Lock()
	if !o.run.Enabled {
		o.mu.Unlock()
		slog.Info("audio analysis disabled, not starting")
		return &models.AnalysisReport{Mode: mode, Skipped: "disabled"}
	}
	if o.run.InProgress {
		report := o.reportLocked()
		o.mu.Unlock()
		report.InProgress = true
		slog.Info("audio analysis already in progress", slog.String("run_id", report.RunID))
		return report
	}
	queue := withAlerts(tracks)
	runCtx, cancel := context.WithCancelCause(ctx)
	o.run = Run{
		ID:         uuid.NewString(),
		Mode:       mode,
		Enabled:    true,
		InProgress: true,
		Queue:      queue,
		Failures:   make(map[int]string),
		StartedAt:  time.Now(),
	}
	o.cancel = cancel
	runID := o.run.ID
	o.mu.Unlock()
	defer cancel(nil)

	slog.Info("audio analysis started",
		slog.String("run_id", runID),
		slog.String("mode", mode),
		slog.Int("tracks", len(tracks)),
		slog.Int("with_alerts", len(queue)),
	)

	if id, open := o.ImportantModalOpen(runCtx); open {
		slog.Warn("important modal open, analysis not started", slog.String("modal", id))
		return o.finish(ctx, mode, nil, "important_modal")
	}

	watchCtx, stopWatch := context.WithCancel(runCtx)
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		o.watchImportant(watchCtx, cancel)
	}()

	if mode == config.ModeParallel {
		o.runParallel(runCtx, queue)
	} else {
		o.runSequential(runCtx, queue)
	}

	stopWatch()
	watch.Wait()

	var aborted error
	if runCtx.Err() != nil {
		aborted = context.Cause(runCtx)
	}
	return o.finish(ctx, mode, aborted, causeLabel(aborted))
}

// AnalyzeTrack runs one open, extract and close cycle. The returned error is
// ErrNotFound, modal.ErrTimeout, ErrAborted or ErrUnexpected. No modal opened
// by the cycle is left open on return.
func (o *Orchestrator) AnalyzeTrack(ctx context.Context, t models.TrackRef) (analysis *models.TrackAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("track analysis panicked", slog.Int("track", t.TrackIndex), slog.Any("panic", r))
			analysis, err = nil, ErrUnexpected{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if ctx.Err() != nil {
		return nil, ErrAborted{Err: context.Cause(ctx)}
	}
	start := time.Now()

	trigger, err := o.locateAlert(ctx, t.TrackIndex)
	if err != nil {
		return nil, err
	}

	opened, err := o.modals.Open(ctx, trigger, t.TrackIndex)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted{Err: context.Cause(ctx)}
		}
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			o.modals.ForceClose(context.WithoutCancel(ctx), opened.Path)
		}
	}()

	results, modalTitle, readErr := o.read(ctx, opened)

	forced, closeErr := o.modals.Close(ctx, opened)
	closed = true
	if forced {
		o.Metrics.IncForcedClose()
	}
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, ErrAborted{Err: context.Cause(ctx)}
		}
		return nil, ErrUnexpected{Err: readErr}
	}
	if closeErr != nil && ctx.Err() == nil {
		slog.Warn("modal close failed", slog.Int("track", t.TrackIndex), slog.Any("error", closeErr))
	}

	return o.buildAnalysis(ctx, t, results, modalTitle, start), nil
}

func (o *Orchestrator) runSequential(ctx context.Context, queue []models.TrackRef) {
	for i, t := range queue {
		if i > 0 {
			if err := dom.Sleep(ctx, o.cfg.TrackPause); err != nil {
				return
			}
		}
		if !o.checkpoint(ctx) {
			return
		}
		o.process(ctx, t)
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, queue []models.TrackRef) {
	var g errgroup.Group
	if o.cfg.MaxParallel > 0 {
		g.SetLimit(o.cfg.MaxParallel)
	}
	for _, t := range queue {
		if !o.checkpoint(ctx) {
			break
		}
		g.Go(func() error {
			if !o.checkpoint(ctx) {
				return nil
			}
			o.process(ctx, t)
			return nil
		})
	}
	o.mu.Lock()
	o.run.Queue = nil
	o.mu.Unlock()
	g.Wait()
}

func (o *Orchestrator) checkpoint(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.Enabled
}

func (o *Orchestrator) process(ctx context.Context, t models.TrackRef) {
	o.mu.Lock()
	o.run.Attempted++
	o.run.Queue = slices.DeleteFunc(o.run.Queue, func(q models.TrackRef) bool {
		return q.TrackIndex == t.TrackIndex
	})
	o.mu.Unlock()

	start := time.Now()
	analysis, err := o.AnalyzeTrack(ctx, t)
	o.Metrics.ObserveTrack(time.Since(start))

	if err != nil {
		category := errorTypeLabel(err)
		o.Metrics.IncTrack(category)
		if category == "aborted" {
			slog.Debug("track aborted", slog.Int("track", t.TrackIndex), slog.Any("error", err))
			return
		}
		slog.Warn("track analysis failed",
			slog.Int("track", t.TrackIndex),
			slog.String("category", category),
			slog.Any("error", err),
		)
		o.mu.Lock()
		o.run.Failures[t.TrackIndex] = err.Error()
		o.mu.Unlock()
		return
	}

	o.Metrics.IncTrack("ok")
	o.Metrics.AddMatches(len(analysis.Results))
	o.mu.Lock()
	o.run.Results = append(o.run.Results, *analysis)
	o.mu.Unlock()
	slog.Info("track analyzed",
		slog.Int("track", t.TrackIndex),
		slog.String("title", analysis.TrackTitle),
		slog.Int("matches", len(analysis.Results)),
		slog.Duration("elapsed", analysis.ProcessingTime),
	)
	if hook := o.OnTrackComplete; hook != nil {
		hook(*analysis)
	}
}

func (o *Orchestrator) locateAlert(ctx context.Context, trackIndex int) (dom.Node, error) {
	q := locator.Query{Target: locator.AlertButton, TrackIndex: trackIndex}
	if n, ok := o.loc.Locate(ctx, q); ok {
		return n, nil
	}
	if ctx.Err() != nil {
		return dom.Node{}, ErrAborted{Err: context.Cause(ctx)}
	}

	// A leftover modal can hide the button. Sweeping would close the modals of
	// sibling tracks in parallel mode, so only wait there.
	if o.currentMode() != config.ModeParallel {
		if _, err := o.Cleanup(ctx); err != nil {
			slog.Debug("cleanup before retry failed", slog.Any("error", err))
		}
	}
	if err := dom.Sleep(ctx, o.cfg.RetryDelay); err != nil {
		return dom.Node{}, ErrAborted{Err: context.Cause(ctx)}
	}
	if n, ok := o.loc.Locate(ctx, q); ok {
		return n, nil
	}
	if ctx.Err() != nil {
		return dom.Node{}, ErrAborted{Err: context.Cause(ctx)}
	}
	return dom.Node{}, ErrNotFound{Track: trackIndex}
}

// read waits briefly for the result tables to render, then extracts them.
// Content that never renders yields no results rather than an error.
func (o *Orchestrator) read(ctx context.Context, opened dom.Node) ([]models.AudioMatchResult, string, error) {
	rendered := func(ctx context.Context) (bool, error) {
		doc, err := o.page.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		return doc.Find(opened.Path).Find(extract.BodyPath+" table").Length() > 0, nil
	}
	opts := dom.WaitOptions{PollInterval: o.cfg.PollInterval, Timeout: o.cfg.ContentTimeout}
	if _, err := dom.WaitFor(ctx, o.page, opts, rendered); err != nil {
		return nil, "", err
	}
	doc, err := o.page.Snapshot(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot modal: %w", err)
	}
	sel := doc.Find(opened.Path).First()
	return extract.FromModal(sel), extract.Title(sel), nil
}

func (o *Orchestrator) buildAnalysis(ctx context.Context, t models.TrackRef, results []models.AudioMatchResult, modalTitle string, start time.Time) *models.TrackAnalysis {
	display := t.DisplayNumber
	if display == 0 {
		display = t.TrackIndex + 1
	}
	placeholder := models.PlaceholderHeader(display)

	// The page often renders the real title only after the modal closes.
	title := t.Header
	if title == "" || title == placeholder {
		if doc, err := o.page.Snapshot(ctx); err == nil {
			title = o.loc.TrackTitle(doc, t.TrackIndex)
		}
		if title == "" {
			title = modalTitle
		}
		if title == "" {
			title = placeholder
		}
	}
	if results == nil {
		results = []models.AudioMatchResult{}
	}

	a := &models.TrackAnalysis{
		TrackIndex:     t.TrackIndex,
		TrackTitle:     title,
		Results:        results,
		ExtractedAt:    time.Now(),
		ProcessingTime: time.Since(start),
	}

	o.mu.Lock()
	rel := o.release
	o.mu.Unlock()
	if rel != nil {
		a.ReleaseID = rel.ID
		a.TrackAlbum = rel.Title
		a.TrackArtist = rel.Artist
		for _, rt := range rel.Tracks {
			if rt.Ref.TrackIndex == t.TrackIndex && rt.Artist != "" {
				a.TrackArtist = rt.Artist
			}
		}
	}
	return a
}

func (o *Orchestrator) watchImportant(ctx context.Context, cancel context.CancelCauseFunc) {
	var id string
	open := func(ctx context.Context) (bool, error) {
		var ok bool
		id, ok = o.ImportantModalOpen(ctx)
		return ok, nil
	}
	for ctx.Err() == nil {
		ok, err := dom.WaitFor(ctx, o.page, dom.WaitOptions{PollInterval: o.cfg.PollInterval, Timeout: watchWindow}, open)
		if err != nil {
			return
		}
		if ok {
			slog.Warn("important modal opened, stopping analysis", slog.String("modal", id))
			cancel(ErrImportantModal{ID: id})
			return
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, mode string, aborted error, skipped string) *models.AnalysisReport {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	removed, err := o.Cleanup(cleanupCtx)
	if err != nil {
		slog.Error("post-run cleanup failed", slog.Any("error", err))
	}

	o.mu.Lock()
	if mode == config.ModeParallel {
		slices.SortStableFunc(o.run.Results, func(a, b models.TrackAnalysis) int {
			return a.TrackIndex - b.TrackIndex
		})
	}
	report := o.reportLocked()
	report.Aborted = aborted != nil
	report.Skipped = skipped
	report.FinishedAt = time.Now()
	o.run.InProgress = false
	o.run.Queue = nil
	o.cancel = nil
	o.mu.Unlock()

	outcome := "completed"
	switch {
	case skipped != "" && aborted == nil:
		outcome = "skipped"
	case aborted != nil:
		outcome = "aborted"
	}
	o.Metrics.IncRun(mode, outcome)

	slog.Info("audio analysis finished",
		slog.String("run_id", report.RunID),
		slog.String("outcome", outcome),
		slog.Int("attempted", report.Attempted),
		slog.Int("results", len(report.Results)),
		slog.Int("failures", len(report.Failures)),
		slog.Int("cleanup_removed", removed),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report
}

func (o *Orchestrator) reportLocked() *models.AnalysisReport {
	failures := make(map[int]string, len(o.run.Failures))
	for k, v := range o.run.Failures {
		failures[k] = v
	}
	return &models.AnalysisReport{
		RunID:     o.run.ID,
		Mode:      o.run.Mode,
		Results:   slices.Clone(o.run.Results),
		Failures:  failures,
		Attempted: o.run.Attempted,
		StartedAt: o.run.StartedAt,
	}
}

func (o *Orchestrator) currentMode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.Mode
}

func withAlerts(tracks []models.TrackRef) []models.TrackRef {
	out := make([]models.TrackRef, 0, len(tracks))
	for _, t := range tracks {
		if t.HasAlert {
			out = append(out, t)
		}
	}
	return out
}
