package dom

import (
	"context"
	"log/slog"
	"time"
)

// Predicate is evaluated by WaitUntil. Errors count as "not yet".
type Predicate func(ctx context.Context) (bool, error)

// WaitOptions bounds a wait.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// Events triggers an early evaluation, typically a Page subscription.
	Events <-chan struct{}
}

// WaitUntil evaluates pred immediately, then on every event and every poll
// tick, whichever fires first, until it holds or the timeout elapses.
// A timeout yields (false, nil); cancellation yields ctx.Err().
func WaitUntil(ctx context.Context, opts WaitOptions, pred Predicate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ok := evaluate(ctx, pred); ok {
		return true, nil
	}
	if opts.Timeout <= 0 {
		return false, nil
	}
	poll := opts.PollInterval
	if poll <= 0 || poll > opts.Timeout {
		poll = opts.Timeout
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return evaluate(ctx, pred), nil
		case <-ticker.C:
		case <-opts.Events:
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if evaluate(ctx, pred) {
			return true, nil
		}
	}
}

// WaitFor runs WaitUntil with the page's mutation notifications as events.
func WaitFor(ctx context.Context, page Page, opts WaitOptions, pred Predicate) (bool, error) {
	events, unsubscribe := page.Subscribe()
	defer unsubscribe()
	opts.Events = events
	return WaitUntil(ctx, opts, pred)
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func evaluate(ctx context.Context, pred Predicate) bool {
	ok, err := pred(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("wait predicate failed", slog.Any("error", err))
		}
		return false
	}
	return ok
}
