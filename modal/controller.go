// Package modal drives host page dialogs through their open and close
// transitions and guarantees none is left open on return.
package modal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/qc-copilot/dom"
	"github.com/aluiziolira/qc-copilot/locator"
)

// State is a modal's position in its lifecycle.
type State int

const (
	Closed State = iota
	Opening
	Open
	Closing
	ForcedClosed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case ForcedClosed:
		return "forced_closed"
	default:
		return "unknown"
	}
}

// Policy bounds every wait of a Controller.
type Policy struct {
	PollInterval   time.Duration
	OpenTimeout    time.Duration
	StrategyWindow time.Duration
	CloseTimeout   time.Duration
}

// DefaultPolicy returns the timings used against the review tool.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:   50 * time.Millisecond,
		OpenTimeout:    3 * time.Second,
		StrategyWindow: 600 * time.Millisecond,
		CloseTimeout:   1500 * time.Millisecond,
	}
}

type openStrategy struct {
	name string
	fire func(ctx context.Context, trigger dom.Node, modal string) (bool, error)
}

type closeStrategy struct {
	name string
	fire func(ctx context.Context, modal string) (bool, error)
}

// Controller opens and closes modals on a page. It is safe for concurrent use
// as long as callers operate on distinct modals.
type Controller struct {
	page   dom.Page
	loc    *locator.Locator
	policy Policy

	openers []openStrategy
	closers []closeStrategy

	mu     sync.Mutex
	states map[string]State
}

// New builds a controller.
func New(page dom.Page, loc *locator.Locator, policy Policy) *Controller {
	c := &Controller{
		page:   page,
		loc:    loc,
		policy: policy,
		states: make(map[string]State),
	}
	c.openers = []openStrategy{
		{name: "click", fire: c.click},
		{name: "pointer_sequence", fire: c.pointerSequence},
		{name: "modal_api", fire: c.showViaAPI},
	}
	c.closers = []closeStrategy{
		{name: "close_button", fire: c.clickCloseButton},
		{name: "escape", fire: c.pressEscape},
		{name: "modal_api", fire: c.hideViaAPI},
	}
	return c
}

// Policy returns the wait bounds in use.
func (c *Controller) Policy() Policy {
	return c.policy
}

// State returns the last observed state of the modal at path.
func (c *Controller) State(path string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[path]
}

func (c *Controller) setState(path string, s State) {
	c.mu.Lock()
	prev := c.states[path]
	c.states[path] = s
	c.mu.Unlock()
	if prev != s {
		slog.Debug("modal transition",
			slog.String("modal", path),
			slog.String("from", prev.String()),
			slog.String("to", s.String()),
		)
	}
}

// Open activates trigger and waits for the modal it controls to show. The
// expected modal comes from the trigger's target attributes or, failing that,
// the track-scoped modal rules. With neither, any modal that opens after
// activation and is not an important dialog is accepted.
//
// Activation strategies are tried in rank order, each given a bounded window,
// until the modal is observed open or OpenTimeout elapses.
func (c *Controller) Open(ctx context.Context, trigger dom.Node, trackIndex int) (dom.Node, error) {
	if !trigger.Valid() {
		return dom.Node{}, fmt.Errorf("open modal: trigger: %w", dom.ErrNoNode)
	}
	doc, err := c.page.Snapshot(ctx)
	if err != nil {
		return dom.Node{}, fmt.Errorf("open modal: %w", err)
	}
	expected := c.expectedModal(ctx, doc, trigger, trackIndex)
	before := shownModals(doc)

	key := expected
	if key == "" {
		key = trigger.Path
	}
	c.setState(key, Opening)

	var found dom.Node
	opened := func(ctx context.Context) (bool, error) {
		n, ok, err := c.findOpen(ctx, expected, before)
		if ok {
			found = n
		}
		return ok, err
	}

	deadline := time.Now().Add(c.policy.OpenTimeout)
	for _, s := range c.openers {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		fired, err := s.fire(ctx, trigger, expected)
		if err != nil {
			if ctx.Err() != nil {
				return dom.Node{}, c.abandon(ctx, key, expected, ctx.Err())
			}
			slog.Debug("activation failed", slog.String("strategy", s.name), slog.Any("error", err))
			continue
		}
		if !fired {
			continue
		}
		ok, err := dom.WaitFor(ctx, c.page, c.waitOptions(min(c.policy.StrategyWindow, remaining)), opened)
		if err != nil {
			return dom.Node{}, c.abandon(ctx, key, expected, err)
		}
		if ok {
			c.setState(found.Path, Open)
			slog.Debug("modal opened", slog.String("modal", found.Path), slog.String("strategy", s.name))
			return found, nil
		}
	}

	// A slow show transition still counts while the deadline holds.
	if remaining := time.Until(deadline); remaining > 0 {
		ok, err := dom.WaitFor(ctx, c.page, c.waitOptions(remaining), opened)
		if err != nil {
			return dom.Node{}, c.abandon(ctx, key, expected, err)
		}
		if ok {
			c.setState(found.Path, Open)
			return found, nil
		}
	}
	return dom.Node{}, c.abandon(ctx, key, expected, ErrTimeout{Op: "open", Modal: key})
}

// abandon ends a failed open. A modal that showed up partially is forced
// closed so the page is left as it was found.
func (c *Controller) abandon(ctx context.Context, key, expected string, cause error) error {
	c.setState(key, Closed)
	if expected == "" {
		return cause
	}
	ctx = context.WithoutCancel(ctx)
	closed, err := c.isClosed(ctx, expected)
	if err != nil || closed {
		return cause
	}
	if err := c.ForceClose(ctx, expected); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Close dismisses the modal, falling back to a forced close when no natural
// close is observed within CloseTimeout. It reports whether force was needed.
// Cancellation skips to the forced close, so the modal never stays open.
func (c *Controller) Close(ctx context.Context, modal dom.Node) (bool, error) {
	path := modal.Path
	if path == "" {
		return false, nil
	}
	closed := func(ctx context.Context) (bool, error) {
		return c.isClosed(ctx, path)
	}
	if ok, err := closed(ctx); err == nil && ok {
		c.setState(path, Closed)
		return false, nil
	}
	c.setState(path, Closing)

	deadline := time.Now().Add(c.policy.CloseTimeout)
	for _, s := range c.closers {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		fired, err := s.fire(ctx, path)
		if err != nil {
			slog.Debug("close strategy failed", slog.String("strategy", s.name), slog.Any("error", err))
			continue
		}
		if !fired {
			continue
		}
		ok, err := dom.WaitFor(ctx, c.page, c.waitOptions(min(c.policy.StrategyWindow, remaining)), closed)
		if err != nil {
			break
		}
		if ok {
			c.setState(path, Closed)
			return false, nil
		}
	}
	if remaining := time.Until(deadline); remaining > 0 && ctx.Err() == nil {
		if ok, _ := dom.WaitFor(ctx, c.page, c.waitOptions(remaining), closed); ok {
			c.setState(path, Closed)
			return false, nil
		}
	}

	if err := c.ForceClose(context.WithoutCancel(ctx), path); err != nil {
		return true, err
	}
	return true, ctx.Err()
}

// ForceClose strips the modal's visibility, removes backdrops and restores
// the body scroll lock once no other modal is shown.
func (c *Controller) ForceClose(ctx context.Context, path string) error {
	err := c.page.Apply(ctx, path,
		dom.RemoveClass("show"),
		dom.RemoveClass("fade"),
		dom.SetStyle("display", "none"),
		dom.SetAttr("aria-hidden", "true"),
		dom.RemoveAttr("aria-modal"),
	)
	if err != nil && !errors.Is(err, dom.ErrNoNode) {
		return fmt.Errorf("force close %s: %w", path, err)
	}
	c.setState(path, ForcedClosed)
	slog.Warn("modal force-closed", slog.String("modal", path))
	return c.restorePage(ctx)
}

// Sweep force-closes every audio modal still shown and clears orphaned
// backdrops. It returns how many modals were closed.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	open, err := c.OpenAudioModals(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, n := range open {
		if err := c.ForceClose(ctx, n.Path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.restorePage(ctx); err != nil {
		errs = append(errs, err)
	}
	return len(open), errors.Join(errs...)
}

// OpenAudioModals returns the audio modals currently shown.
func (c *Controller) OpenAudioModals(ctx context.Context) ([]dom.Node, error) {
	doc, err := c.page.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("audio modals: %w", err)
	}
	seen := make(map[string]struct{})
	var out []dom.Node
	for _, sel := range c.loc.Rules().AudioModal {
		matches := doc.Find(sel)
		for i := range matches.Nodes {
			n := dom.NodeOf(matches.Eq(i))
			if _, ok := seen[n.Path]; ok {
				continue
			}
			seen[n.Path] = struct{}{}
			closed, err := c.isClosed(ctx, n.Path)
			if err != nil {
				return nil, err
			}
			if !closed {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func (c *Controller) waitOptions(timeout time.Duration) dom.WaitOptions {
	return dom.WaitOptions{PollInterval: c.policy.PollInterval, Timeout: timeout}
}

func (c *Controller) expectedModal(ctx context.Context, doc *goquery.Document, trigger dom.Node, trackIndex int) string {
	if target := dom.ModalTarget(trigger.Sel); target != "" {
		if sel := doc.Find(target).First(); sel.Length() > 0 {
			return dom.PathOf(sel)
		}
	}
	if trackIndex == locator.Global {
		return ""
	}
	if n, ok := c.loc.LocateIn(ctx, doc, locator.Query{Target: locator.Modal, TrackIndex: trackIndex}); ok {
		return n.Path
	}
	return ""
}

func (c *Controller) findOpen(ctx context.Context, expected string, before map[string]struct{}) (dom.Node, bool, error) {
	doc, err := c.page.Snapshot(ctx)
	if err != nil {
		return dom.Node{}, false, err
	}
	if expected != "" {
		sel := doc.Find(expected).First()
		if sel.Length() == 0 {
			return dom.Node{}, false, nil
		}
		if !sel.HasClass("show") {
			visible, err := c.page.Visible(ctx, expected)
			if err != nil || !visible {
				return dom.Node{}, false, err
			}
		}
		return dom.NodeOf(sel), true, nil
	}

	important := make(map[string]struct{})
	for _, id := range c.loc.Rules().ImportantModals {
		important[id] = struct{}{}
	}
	shown := doc.Find(".modal.show")
	for i := range shown.Nodes {
		n := dom.NodeOf(shown.Eq(i))
		if _, ok := before[n.Path]; ok {
			continue
		}
		if _, ok := important[n.ID()]; ok {
			continue
		}
		return n, true, nil
	}
	return dom.Node{}, false, nil
}

func (c *Controller) isClosed(ctx context.Context, path string) (bool, error) {
	doc, err := c.page.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	sel := doc.Find(path).First()
	if sel.Length() == 0 {
		return true, nil
	}
	if sel.HasClass("show") {
		return false, nil
	}
	visible, err := c.page.Visible(ctx, path)
	if err != nil {
		return false, err
	}
	return !visible, nil
}

func (c *Controller) restorePage(ctx context.Context) error {
	doc, err := c.page.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore page: %w", err)
	}
	if doc.Find(".modal.show").Length() > 0 {
		return nil
	}
	body := doc.Find("body")
	if doc.Find(".modal-backdrop").Length() == 0 && !body.HasClass("modal-open") {
		return nil
	}
	err = c.page.Apply(ctx, "body",
		dom.RemoveAll(".modal-backdrop"),
		dom.RemoveClass("modal-open"),
		dom.RemoveStyle("overflow"),
		dom.RemoveStyle("padding-right"),
	)
	if err != nil {
		return fmt.Errorf("restore page: %w", err)
	}
	return nil
}

func (c *Controller) click(ctx context.Context, trigger dom.Node, _ string) (bool, error) {
	return true, c.page.Dispatch(ctx, trigger.Path, dom.Click())
}

func (c *Controller) pointerSequence(ctx context.Context, trigger dom.Node, _ string) (bool, error) {
	for _, ev := range []dom.Event{{Type: dom.EventMouseDown}, {Type: dom.EventMouseUp}, dom.Click()} {
		if err := c.page.Dispatch(ctx, trigger.Path, ev); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Controller) showViaAPI(ctx context.Context, _ dom.Node, modal string) (bool, error) {
	if modal == "" {
		return false, nil
	}
	return c.page.ModalAPI(ctx, modal, dom.ModalShow)
}

func (c *Controller) clickCloseButton(ctx context.Context, modal string) (bool, error) {
	btn, ok := c.loc.Locate(ctx, locator.Query{Target: locator.CloseButton, TrackIndex: locator.Global, Scope: modal})
	if !ok {
		return false, nil
	}
	return true, c.page.Dispatch(ctx, btn.Path, dom.Click())
}

func (c *Controller) pressEscape(ctx context.Context, modal string) (bool, error) {
	return true, c.page.Dispatch(ctx, modal, dom.Escape())
}

func (c *Controller) hideViaAPI(ctx context.Context, modal string) (bool, error) {
	return c.page.ModalAPI(ctx, modal, dom.ModalHide)
}

func shownModals(doc *goquery.Document) map[string]struct{} {
	out := make(map[string]struct{})
	shown := doc.Find(".modal.show")
	for i := range shown.Nodes {
		out[dom.PathOf(shown.Eq(i))] = struct{}{}
	}
	return out
}
