// Package browser drives a live Chrome tab through the DevTools protocol and
// exposes it as a dom.Page.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/aluiziolira/qc-copilot/dom"
)

// Options configures the browser session.
type Options struct {
	Headless  bool
	ExecPath  string
	RemoteURL string // attach to an already running Chrome instead of launching one
	URL       string
	UserAgent string
}

// Page is a dom.Page backed by one Chrome tab.
type Page struct {
	tab     context.Context
	cancels []context.CancelFunc

	mu   sync.Mutex
	subs map[int]chan struct{}
	next int
}

var _ dom.Page = (*Page)(nil)

// Launch starts or attaches to Chrome, installs the mutation observer and
// navigates to opts.URL when set. The returned page outlives ctx only until
// Close is called.
func Launch(ctx context.Context, opts Options) (*Page, error) {
	p := &Page{subs: make(map[int]chan struct{})}

	var allocCtx context.Context
	var cancel context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancel = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		if !opts.Headless {
			allocOpts = append(allocOpts, chromedp.Flag("headless", false))
		}
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		allocCtx, cancel = chromedp.NewExecAllocator(ctx, allocOpts...)
	}
	p.cancels = append(p.cancels, cancel)

	tab, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...), slog.String("component", "chromedp"))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			slog.Warn(fmt.Sprintf(format, args...), slog.String("component", "chromedp"))
		}),
	)
	p.tab = tab
	p.cancels = append(p.cancels, cancelTab)

	chromedp.ListenTarget(tab, func(ev any) {
		switch e := ev.(type) {
		case *runtime.EventBindingCalled:
			if e.Name == bindingName {
				p.notify()
			}
		case *page.EventFrameNavigated, *page.EventLoadEventFired:
			p.notify()
		}
	})

	tasks := chromedp.Tasks{
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(observerScript).Do(ctx)
			return err
		}),
	}
	if opts.URL != "" {
		tasks = append(tasks, chromedp.Navigate(opts.URL), chromedp.WaitReady("body", chromedp.ByQuery))
	}
	tasks = append(tasks, chromedp.Evaluate(observerScript, nil))

	if err := chromedp.Run(tab, tasks); err != nil {
		p.Close()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	slog.Info("browser ready", slog.String("url", opts.URL), slog.Bool("remote", opts.RemoteURL != ""))
	return p, nil
}

// Close shuts the tab and, when launched locally, the browser.
func (p *Page) Close() {
	for i := len(p.cancels) - 1; i >= 0; i-- {
		p.cancels[i]()
	}
	p.cancels = nil

	p.mu.Lock()
	clear(p.subs)
	p.mu.Unlock()
}

// Navigate loads url in the tab and waits for the body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

// run executes actions on the tab while honouring the caller's ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *Page) eval(ctx context.Context, script string) (string, error) {
	var out string
	if err := p.run(ctx, chromedp.Evaluate(script, &out)); err != nil {
		return "", err
	}
	return out, nil
}

func (p *Page) Snapshot(ctx context.Context) (*goquery.Document, error) {
	html, err := p.eval(ctx, snapshotScript)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return doc, nil
}

func (p *Page) Visible(ctx context.Context, path string) (bool, error) {
	res, err := p.eval(ctx, visibleScript(path))
	if err != nil {
		return false, fmt.Errorf("visible %s: %w", path, err)
	}
	return res == resultVisible, nil
}

func (p *Page) Dispatch(ctx context.Context, path string, ev dom.Event) error {
	res, err := p.eval(ctx, dispatchScript(path, ev))
	if err != nil {
		return fmt.Errorf("dispatch %s on %s: %w", ev.Type, path, err)
	}
	return checkResult(res, path)
}

func (p *Page) ModalAPI(ctx context.Context, path string, action dom.ModalAction) (bool, error) {
	res, err := p.eval(ctx, modalAPIScript(path, action))
	if err != nil {
		return false, fmt.Errorf("modal %s on %s: %w", action, path, err)
	}
	if res == resultAbsent {
		return false, nil
	}
	if err := checkResult(res, path); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Page) Apply(ctx context.Context, path string, ops ...dom.Op) error {
	if len(ops) == 0 {
		return nil
	}
	script, err := applyScript(path, ops)
	if err != nil {
		return err
	}
	res, err := p.eval(ctx, script)
	if err != nil {
		return fmt.Errorf("apply on %s: %w", path, err)
	}
	return checkResult(res, path)
}

// Subscribe returns a coalescing change channel fed by the in-page observer.
func (p *Page) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

func (p *Page) notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func checkResult(res, path string) error {
	switch res {
	case resultOK:
		return nil
	case resultMissing:
		return fmt.Errorf("%s: %w", path, dom.ErrNoNode)
	default:
		return errors.New("unexpected script result " + res)
	}
}
