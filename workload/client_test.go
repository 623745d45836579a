package workload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/tidwall/gjson"
)

const backend = "https://script.example.test/macros/s/abc/exec"

func newMockedClient(t *testing.T, interval time.Duration) (*Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	c := NewClient(backend, interval)
	c.HTTPClient.Transport = transport
	return c, transport
}

func TestSubmit(t *testing.T) {
	c, transport := newMockedClient(t, 0)

	var gotBody []byte
	transport.RegisterResponder("POST", backend, func(req *http.Request) (*http.Response, error) {
		gotBody, _ = io.ReadAll(req.Body)
		return httpmock.NewStringResponse(200, `{"status":"ok","data":{"stored":2}}`), nil
	})

	entries := []Entry{
		{ReleaseID: "R-1", Tenant: "acme", Decision: "approved", ReviewedAt: time.Unix(0, 0).UTC()},
		{ReleaseID: "R-2", Tenant: "acme", Decision: "rejected", ReviewedAt: time.Unix(60, 0).UTC()},
	}
	stored, err := c.Submit(context.Background(), "maria", entries)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if stored != 2 {
		t.Fatalf("stored = %d, want 2", stored)
	}
	if gjson.GetBytes(gotBody, "agent").String() != "maria" || gjson.GetBytes(gotBody, "entries.#").Int() != 2 {
		t.Fatalf("unexpected payload %s", gotBody)
	}
	if gjson.GetBytes(gotBody, "entries.1.releaseId").String() != "R-2" {
		t.Fatalf("entries not in order: %s", gotBody)
	}
}

func TestSubmitValidation(t *testing.T) {
	c, transport := newMockedClient(t, 0)
	if _, err := c.Submit(context.Background(), "", []Entry{{ReleaseID: "R"}}); err == nil {
		t.Fatalf("expected error without agent")
	}
	if n, err := c.Submit(context.Background(), "maria", nil); n != 0 || err != nil {
		t.Fatalf("empty submit = %d, %v", n, err)
	}
	if calls := transport.GetTotalCallCount(); calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}

func TestProgress(t *testing.T) {
	c, transport := newMockedClient(t, 0)
	transport.RegisterResponderWithQuery("GET", backend, "action=progress",
		httpmock.NewStringResponder(200, `{"status":"ok","data":[
			{"tenant":"acme","assigned":10,"completed":4},
			{"tenant":"","assigned":1},
			{"tenant":"globex","assigned":3,"completed":3}
		]}`))

	progress, err := c.Progress(context.Background())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(progress) != 2 {
		t.Fatalf("progress rows = %d, want 2", len(progress))
	}
	if progress[0].Tenant != "acme" || progress[0].Percent() != 40 {
		t.Fatalf("acme = %+v", progress[0])
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		temporary bool
		message   string
	}{
		{name: "rate limited", status: 429, body: `{}`, temporary: true},
		{name: "server", status: 503, body: ``, temporary: true},
		{name: "forbidden", status: 403, body: `{"message":"not allowed"}`, message: "not allowed"},
		{name: "error envelope", status: 200, body: `{"status":"error","message":"sheet locked"}`, message: "sheet locked"},
		{name: "invalid json", status: 200, body: `<html>login</html>`, message: "invalid json response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, transport := newMockedClient(t, 0)
			transport.RegisterResponder("GET", backend+"?action=progress", httpmock.NewStringResponder(tt.status, tt.body))

			_, err := c.Progress(context.Background())
			var statusErr StatusError
			if !errors.As(err, &statusErr) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if statusErr.Temporary() != tt.temporary {
				t.Fatalf("temporary = %v, want %v", statusErr.Temporary(), tt.temporary)
			}
			if tt.message != "" && statusErr.Message != tt.message {
				t.Fatalf("message = %q, want %q", statusErr.Message, tt.message)
			}
		})
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	c, transport := newMockedClient(t, time.Hour)
	transport.RegisterResponder("GET", backend+"?action=progress", httpmock.NewStringResponder(200, `{"status":"ok","data":[]}`))

	if _, err := c.Progress(context.Background()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Progress(ctx); err == nil {
		t.Fatalf("second call should be throttled until the context expires")
	}
	if calls := transport.GetTotalCallCount(); calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestNotConfigured(t *testing.T) {
	c := NewClient("", time.Second)
	if _, err := c.Progress(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
