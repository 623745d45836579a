package locator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluiziolira/qc-copilot/dom"
)

const tracksPage = `<html><body>
<div id="track-0-info" class="track-section"><h5 class="track-title">Intro</h5></div>
<div id="track-1-info" class="track-section"><h5 class="track-title">Song A</h5>
  <button class="btn btn-warning alert" data-bs-toggle="modal" data-bs-target="#audio-modal-1">!</button>
</div>
<div id="track-2-info" class="track-section"><h5 class="track-title">Song B</h5>
  <button class="btn alert" disabled>!</button>
</div>
<div id="track-3-info" class="track-section"><h5 class="track-title">Song C</h5>
  <button class="btn alert" style="display:none">!</button>
</div>
<table>
  <tr data-track-index="4"><td class="track-title">Song D</td></tr>
  <tr><td><button class="btn" title="Audio warning">!</button></td></tr>
  <tr data-track-index="5"><td class="track-title">Song E</td></tr>
</table>
<div class="modal fade" id="audio-modal-1">
  <div class="modal-dialog"><div class="modal-content">
    <div class="modal-footer"><button class="btn btn-primary">Cerrar</button></div>
  </div></div>
</div>
<div class="modal fade" id="audio-modal-4">
  <div class="modal-dialog"><div class="modal-content">
    <div class="modal-header"><button class="btn-close" data-bs-dismiss="modal" aria-label="Close"></button></div>
  </div></div>
</div>
</body></html>`

func newLocator(t *testing.T) (*Locator, *dom.Memory) {
	t.Helper()
	page, err := dom.NewMemoryFromString(tracksPage)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	return New(page, DefaultRules()), page
}

func TestLocateAlertButton(t *testing.T) {
	l, _ := newLocator(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		track     int
		wantFound bool
		wantAttr  string
	}{
		{name: "specific selector", track: 1, wantFound: true, wantAttr: "#audio-modal-1"},
		{name: "track without alert", track: 0, wantFound: false},
		{name: "disabled alert", track: 2, wantFound: false},
		{name: "hidden alert", track: 3, wantFound: false},
		{name: "text scan in next row", track: 4, wantFound: true},
		{name: "text scan does not reach two rows away", track: 5, wantFound: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := l.Locate(ctx, Query{Target: AlertButton, TrackIndex: tt.track})
			if ok != tt.wantFound {
				t.Fatalf("Locate(track %d) found = %v, want %v (path %q)", tt.track, ok, tt.wantFound, n.Path)
			}
			if tt.wantAttr != "" && n.Attr("data-bs-target") != tt.wantAttr {
				t.Fatalf("data-bs-target = %q, want %q", n.Attr("data-bs-target"), tt.wantAttr)
			}
		})
	}
}

func TestLocateIsDeterministic(t *testing.T) {
	l, _ := newLocator(t)
	ctx := context.Background()
	first, ok := l.Locate(ctx, Query{Target: AlertButton, TrackIndex: 4})
	if !ok {
		t.Fatalf("expected a match")
	}
	for i := 0; i < 5; i++ {
		again, _ := l.Locate(ctx, Query{Target: AlertButton, TrackIndex: 4})
		if again.Path != first.Path {
			t.Fatalf("path changed between runs: %q vs %q", first.Path, again.Path)
		}
	}
}

func TestLocateGlobalAlert(t *testing.T) {
	l, _ := newLocator(t)
	n, ok := l.Locate(context.Background(), Query{Target: AlertButton, TrackIndex: Global})
	if !ok {
		t.Fatalf("expected a global alert button")
	}
	if n.Attr("data-bs-target") != "#audio-modal-1" {
		t.Fatalf("global query should return the first usable alert, got %q", n.Path)
	}
}

func TestLocateModalAndClose(t *testing.T) {
	l, _ := newLocator(t)
	ctx := context.Background()

	modal, ok := l.Locate(ctx, Query{Target: Modal, TrackIndex: 1})
	if !ok || modal.ID() != "audio-modal-1" {
		t.Fatalf("modal for track 1 = %q, %v", modal.ID(), ok)
	}

	// Closed modals hide their buttons, so show them before looking.
	page := l.page.(*dom.Memory)
	for _, id := range []string{"#audio-modal-1", "#audio-modal-4"} {
		if err := page.Apply(ctx, id, dom.AddClass("show"), dom.SetStyle("display", "block")); err != nil {
			t.Fatalf("show %s: %v", id, err)
		}
	}

	btn, ok := l.Locate(ctx, Query{Target: CloseButton, Scope: "#audio-modal-4"})
	if !ok || !strings.Contains(btn.Attr("class"), "btn-close") {
		t.Fatalf("close button via selector = %q, %v", btn.Path, ok)
	}

	btn, ok = l.Locate(ctx, Query{Target: CloseButton, Scope: "#audio-modal-1"})
	if !ok || btn.Text() != "Cerrar" {
		t.Fatalf("close button via text scan = %q, %v", btn.Text(), ok)
	}

	if _, ok := l.Locate(ctx, Query{Target: CloseButton}); ok {
		t.Fatalf("close button without scope should not resolve")
	}
}

func TestCandidatesOrder(t *testing.T) {
	l, _ := newLocator(t)

	got := l.Candidates(Query{Target: AlertButton, TrackIndex: 3})
	if len(got) != len(DefaultRules().AlertButton) {
		t.Fatalf("candidates = %d, want %d", len(got), len(DefaultRules().AlertButton))
	}
	if got[0] != `[id^="track-3-info"] button.alert` {
		t.Fatalf("first candidate = %q", got[0])
	}
	if got[len(got)-1] != `button[class*="alert"]` {
		t.Fatalf("last candidate = %q", got[len(got)-1])
	}

	global := l.Candidates(Query{Target: AlertButton, TrackIndex: Global})
	for _, sel := range global {
		if strings.Contains(sel, "-1") {
			t.Fatalf("global query kept a track-scoped selector %q", sel)
		}
	}
}

func TestTrackTitle(t *testing.T) {
	l, page := newLocator(t)
	doc, err := page.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := l.TrackTitle(doc, 1); got != "Song A" {
		t.Fatalf("title = %q, want Song A", got)
	}
	if got := l.TrackTitle(doc, 4); got != "Song D" {
		t.Fatalf("title = %q, want Song D", got)
	}
	if got := l.TrackTitle(doc, 9); got != "" {
		t.Fatalf("title for missing track = %q", got)
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "rules.yaml")
	content := "alert_button:\n  - '.qc-row[data-i=\"{i}\"] .qc-alert'\nimportant_modals:\n  - approveModal\n"
	if err := os.WriteFile(valid, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	rules, err := LoadRules(valid)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if len(rules.AlertButton) != 1 || rules.AlertButton[0] != `.qc-row[data-i="{i}"] .qc-alert` {
		t.Fatalf("alert rules = %v", rules.AlertButton)
	}
	if len(rules.CloseButton) != len(DefaultRules().CloseButton) {
		t.Fatalf("close rules should keep defaults")
	}
	if got := rules.ImportantSelector(); got != `[id="approveModal"].show` {
		t.Fatalf("important selector = %q", got)
	}

	invalid := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(invalid, []byte("modal:\n  - 'div[['\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := LoadRules(invalid); err == nil || !strings.Contains(err.Error(), "modal") {
		t.Fatalf("expected modal selector error, got %v", err)
	}

	if _, err := LoadRules(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
