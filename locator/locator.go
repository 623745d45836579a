// Package locator resolves logical targets on the host page to concrete nodes.
//
// Resolution runs an ordered list of strategies: selector candidates from the
// rule set, most specific first, then content-based scans. The first usable
// node wins. Markup on the host page is not versioned, so specific selectors
// come first to keep unrelated alert-looking buttons out.
package locator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/aluiziolira/qc-copilot/dom"
)

// Target is the kind of node being located.
type Target int

const (
	AlertButton Target = iota
	CloseButton
	Modal
)

func (t Target) String() string {
	switch t {
	case AlertButton:
		return "alert_button"
	case CloseButton:
		return "close_button"
	case Modal:
		return "modal"
	default:
		return "unknown"
	}
}

// Global is the TrackIndex of a query not tied to a track.
const Global = -1

// Query names what to locate. Scope is the path of the modal for CloseButton.
type Query struct {
	Target     Target
	TrackIndex int
	Scope      string
}

type strategy struct {
	name    string
	applies func(q Query) bool
	resolve func(ctx context.Context, doc *goquery.Document, q Query) (dom.Node, bool)
}

// Locator resolves queries against a page.
type Locator struct {
	page       dom.Page
	rules      RuleSet
	strategies []strategy
}

// New builds a locator over page with the given rules.
func New(page dom.Page, rules RuleSet) *Locator {
	l := &Locator{page: page, rules: rules}
	l.strategies = []strategy{
		{
			name:    "selectors",
			applies: func(Query) bool { return true },
			resolve: l.bySelectors,
		},
		{
			name:    "alert_text_scan",
			applies: func(q Query) bool { return q.Target == AlertButton },
			resolve: l.alertScan,
		},
		{
			name:    "close_text_scan",
			applies: func(q Query) bool { return q.Target == CloseButton && q.Scope != "" },
			resolve: l.closeScan,
		},
	}
	return l
}

// Rules returns the rule set in use.
func (l *Locator) Rules() RuleSet {
	return l.rules
}

// Locate returns the first usable node for q. It never fails: snapshot
// errors and misses both yield false.
func (l *Locator) Locate(ctx context.Context, q Query) (dom.Node, bool) {
	doc, err := l.page.Snapshot(ctx)
	if err != nil {
		slog.Debug("locator snapshot failed", slog.String("target", q.Target.String()), slog.Any("error", err))
		return dom.Node{}, false
	}
	return l.LocateIn(ctx, doc, q)
}

// LocateIn is Locate against an existing snapshot.
func (l *Locator) LocateIn(ctx context.Context, doc *goquery.Document, q Query) (dom.Node, bool) {
	for _, s := range l.strategies {
		if !s.applies(q) {
			continue
		}
		if n, ok := s.resolve(ctx, doc, q); ok {
			slog.Debug("located",
				slog.String("target", q.Target.String()),
				slog.Int("track", q.TrackIndex),
				slog.String("strategy", s.name),
				slog.String("path", n.Path),
			)
			return n, true
		}
	}
	return dom.Node{}, false
}

type candidate struct {
	selector string
	scoped   bool
}

// Candidates returns the expanded selector list for q in priority order.
func (l *Locator) Candidates(q Query) []string {
	cands := l.candidates(q)
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.selector)
	}
	return out
}

func (l *Locator) candidates(q Query) []candidate {
	var templates []string
	switch q.Target {
	case AlertButton:
		templates = l.rules.AlertButton
	case CloseButton:
		templates = l.rules.CloseButton
	case Modal:
		templates = l.rules.Modal
	}
	out := make([]candidate, 0, len(templates))
	for _, tmpl := range templates {
		if q.TrackIndex == Global && scoped(tmpl) {
			continue
		}
		if strings.Contains(tmpl, "{modal}") && q.Scope == "" {
			continue
		}
		out = append(out, candidate{
			selector: Expand(tmpl, q.TrackIndex, q.Scope),
			scoped:   scoped(tmpl),
		})
	}
	return out
}

// TrackContainer returns the element that holds track i, if any.
func (l *Locator) TrackContainer(doc *goquery.Document, trackIndex int) *goquery.Selection {
	for _, tmpl := range l.rules.TrackContainer {
		if sel := doc.Find(Expand(tmpl, trackIndex, "")); sel.Length() > 0 {
			return sel.First()
		}
	}
	return doc.FindNodes()
}

// TrackTitle returns the best title text for track i, or "".
func (l *Locator) TrackTitle(doc *goquery.Document, trackIndex int) string {
	for _, tmpl := range l.rules.TrackTitle {
		sel := doc.Find(Expand(tmpl, trackIndex, "")).First()
		if text := strings.Join(strings.Fields(sel.Text()), " "); text != "" {
			return text
		}
	}
	return ""
}

func (l *Locator) bySelectors(ctx context.Context, doc *goquery.Document, q Query) (dom.Node, bool) {
	var container *goquery.Selection
	for _, c := range l.candidates(q) {
		matches := doc.Find(c.selector)
		if matches.Length() == 0 {
			continue
		}
		// Generic alert selectors must still land next to the right track.
		generic := q.Target == AlertButton && q.TrackIndex != Global && !c.scoped
		if generic && container == nil {
			container = l.TrackContainer(doc, q.TrackIndex)
		}
		for i := range matches.Nodes {
			n := dom.NodeOf(matches.Eq(i))
			if generic && !nearTrack(n.Sel, container) {
				continue
			}
			if l.acceptable(ctx, n, q) {
				return n, true
			}
		}
	}
	return dom.Node{}, false
}

func (l *Locator) alertScan(ctx context.Context, doc *goquery.Document, q Query) (dom.Node, bool) {
	var container *goquery.Selection
	if q.TrackIndex != Global {
		container = l.TrackContainer(doc, q.TrackIndex)
		if container.Length() == 0 {
			return dom.Node{}, false
		}
	}
	buttons := doc.Find("button")
	for i := range buttons.Nodes {
		btn := buttons.Eq(i)
		if !containsKeyword(describe(btn), l.rules.AlertKeywords) {
			continue
		}
		if container != nil && !nearTrack(btn, container) {
			continue
		}
		n := dom.NodeOf(btn)
		if l.acceptable(ctx, n, q) {
			return n, true
		}
	}
	return dom.Node{}, false
}

func (l *Locator) closeScan(ctx context.Context, doc *goquery.Document, q Query) (dom.Node, bool) {
	scope := doc.Find(q.Scope).First()
	if scope.Length() == 0 {
		return dom.Node{}, false
	}
	candidates := scope.Find(`button, [role="button"], a.close`)
	for i := range candidates.Nodes {
		c := candidates.Eq(i)
		text := strings.ToLower(strings.Join([]string{c.Text(), c.AttrOr("aria-label", ""), c.AttrOr("title", "")}, " "))
		if !containsKeyword(text, l.rules.CloseKeywords) {
			continue
		}
		n := dom.NodeOf(c)
		if l.acceptable(ctx, n, q) {
			return n, true
		}
	}
	return dom.Node{}, false
}

// acceptable applies the usability check. Modals are located while still
// hidden, so only existence counts for them.
func (l *Locator) acceptable(ctx context.Context, n dom.Node, q Query) bool {
	if !n.Valid() {
		return false
	}
	if q.Target == Modal {
		return true
	}
	if n.Disabled() {
		return false
	}
	visible, err := l.page.Visible(ctx, n.Path)
	if err != nil {
		slog.Debug("visibility check failed", slog.String("path", n.Path), slog.Any("error", err))
		return false
	}
	return visible
}

func describe(s *goquery.Selection) string {
	return strings.ToLower(strings.Join([]string{s.Text(), s.AttrOr("title", ""), s.AttrOr("class", "")}, " "))
}

func containsKeyword(text string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// nearTrack reports whether candidate sits inside, around, in the same row as,
// or in the row right after the track container.
func nearTrack(candidate, container *goquery.Selection) bool {
	if candidate.Length() == 0 || container == nil || container.Length() == 0 {
		return false
	}
	c, t := candidate.Nodes[0], container.Nodes[0]
	if isAncestor(t, c) || isAncestor(c, t) {
		return true
	}
	const rows = "tr, .row, li"
	candidateRow := candidate.Closest(rows)
	containerRow := container.Closest(rows)
	if candidateRow.Length() == 0 || containerRow.Length() == 0 {
		return false
	}
	if candidateRow.Nodes[0] == containerRow.Nodes[0] {
		return true
	}
	next := containerRow.Next()
	return next.Length() > 0 && next.Nodes[0] == candidateRow.Nodes[0]
}

func isAncestor(ancestor, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}
