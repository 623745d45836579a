package dom

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Handler reacts to a dispatched event. It runs with the page locked and may
// mutate doc directly; it must not call back into the Memory page.
type Handler func(doc *goquery.Document, target *goquery.Selection, ev Event)

// ModalAPIFunc emulates a host modal library for Memory pages.
type ModalAPIFunc func(doc *goquery.Document, modal *goquery.Selection, action ModalAction) bool

// Dispatched records one event delivered through Memory.Dispatch.
type Dispatched struct {
	Path  string
	Event Event
}

// Memory is an in-process Page backed by a goquery document. Host page
// behaviour is supplied through handlers, see InstallBootstrap.
type Memory struct {
	mu       sync.Mutex
	doc      *goquery.Document
	handlers []Handler
	modalAPI ModalAPIFunc
	log      []Dispatched

	subMu  sync.Mutex
	subs   map[int]chan struct{}
	nextID int
}

// NewMemory parses r into a Memory page.
func NewMemory(r io.Reader) (*Memory, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Memory{doc: doc, subs: make(map[int]chan struct{})}, nil
}

// NewMemoryFromString parses markup into a Memory page.
func NewMemoryFromString(markup string) (*Memory, error) {
	return NewMemory(strings.NewReader(markup))
}

// OnEvent registers a handler for dispatched events.
func (m *Memory) OnEvent(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// SetModalAPI installs a host modal library emulation.
func (m *Memory) SetModalAPI(fn ModalAPIFunc) {
	m.mu.Lock()
	m.modalAPI = fn
	m.mu.Unlock()
}

// Update mutates the document under the page lock and notifies subscribers.
func (m *Memory) Update(fn func(doc *goquery.Document)) {
	m.mu.Lock()
	fn(m.doc)
	m.mu.Unlock()
	m.notify()
}

// Dispatched returns the events delivered so far.
func (m *Memory) Dispatched() []Dispatched {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Dispatched, len(m.log))
	copy(out, m.log)
	return out
}

// HTML renders the current document.
func (m *Memory) HTML() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := goquery.OuterHtml(m.doc.Selection)
	if err != nil {
		return ""
	}
	return out
}

func (m *Memory) Snapshot(ctx context.Context) (*goquery.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := m.doc.Selection.Clone()
	return goquery.NewDocumentFromNode(clone.Nodes[0]), nil
}

func (m *Memory) Visible(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sel := m.doc.Find(path).First()
	if sel.Length() == 0 {
		return false, nil
	}
	return rendered(sel), nil
}

func (m *Memory) Dispatch(ctx context.Context, path string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	target := m.doc.Find(path).First()
	if target.Length() == 0 {
		m.mu.Unlock()
		return fmt.Errorf("dispatch %s to %q: %w", ev.Type, path, ErrNoNode)
	}
	m.log = append(m.log, Dispatched{Path: path, Event: ev})
	_, disabled := target.Attr("disabled")
	if !(disabled && ev.Type != EventKeyDown) {
		for _, h := range m.handlers {
			h(m.doc, target, ev)
		}
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) ModalAPI(ctx context.Context, path string, action ModalAction) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	if m.modalAPI == nil {
		m.mu.Unlock()
		return false, nil
	}
	target := m.doc.Find(path).First()
	if target.Length() == 0 {
		m.mu.Unlock()
		return false, fmt.Errorf("modal api %s on %q: %w", action, path, ErrNoNode)
	}
	ok := m.modalAPI(m.doc, target, action)
	m.mu.Unlock()
	m.notify()
	return ok, nil
}

func (m *Memory) Apply(ctx context.Context, path string, ops ...Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	target := m.doc.Find(path).First()
	if target.Length() == 0 {
		m.mu.Unlock()
		return fmt.Errorf("apply to %q: %w", path, ErrNoNode)
	}
	for _, op := range ops {
		applyOp(target, op)
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Memory) notify() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func applyOp(target *goquery.Selection, op Op) {
	switch op.Kind {
	case OpSetStyle:
		st := parseStyle(target.AttrOr("style", ""))
		st.set(strings.ToLower(op.Name), op.Value)
		target.SetAttr("style", st.String())
	case OpRemoveStyle:
		st := parseStyle(target.AttrOr("style", ""))
		st.remove(strings.ToLower(op.Name))
		if len(st.keys) == 0 {
			target.RemoveAttr("style")
		} else {
			target.SetAttr("style", st.String())
		}
	case OpAddClass:
		target.AddClass(op.Name)
	case OpRemoveClass:
		target.RemoveClass(op.Name)
	case OpSetAttr:
		target.SetAttr(op.Name, op.Value)
	case OpRemoveAttr:
		target.RemoveAttr(op.Name)
	case OpRemoveNode:
		target.Remove()
	case OpRemoveAll:
		target.Find(op.Name).Remove()
	}
}
