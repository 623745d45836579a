// Package dom is the page abstraction the QC automation core drives.
//
// A Page exposes read-only snapshots of the host document, plus a small set of
// writes: synthetic input events, host modal API calls and forced style/class
// mutations. Nodes read from a snapshot carry a CSS path that re-resolves them
// in the live page, so callers never hold live handles across suspension points.
package dom

import (
	"context"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoNode is returned when a path no longer resolves in the live page.
var ErrNoNode = errors.New("dom: no node matches path")

// Page is the host document.
type Page interface {
	// Snapshot returns a read-only copy of the current document.
	Snapshot(ctx context.Context) (*goquery.Document, error)
	// Visible reports whether the node at path is rendered, taking computed
	// display, visibility and opacity of the node and its ancestors into account.
	Visible(ctx context.Context, path string) (bool, error)
	// Dispatch fires a synthetic input event at the node at path.
	Dispatch(ctx context.Context, path string, ev Event) error
	// ModalAPI asks the host modal library to show or hide the modal at path.
	// It returns false when no such library is available.
	ModalAPI(ctx context.Context, path string, action ModalAction) (bool, error)
	// Apply performs forced mutations on the node at path.
	Apply(ctx context.Context, path string, ops ...Op) error
	// Subscribe returns a channel that receives a value after DOM mutations.
	// Notifications are coalesced; the returned func unsubscribes.
	Subscribe() (<-chan struct{}, func())
}

// EventType names a synthetic input event.
type EventType string

const (
	EventClick     EventType = "click"
	EventMouseDown EventType = "mousedown"
	EventMouseUp   EventType = "mouseup"
	EventKeyDown   EventType = "keydown"
)

// Event is a synthetic input event.
type Event struct {
	Type EventType
	Key  string
}

// Click returns a click event.
func Click() Event { return Event{Type: EventClick} }

// Escape returns an Escape keydown event.
func Escape() Event { return Event{Type: EventKeyDown, Key: "Escape"} }

// ModalAction is passed to Page.ModalAPI.
type ModalAction string

const (
	ModalShow ModalAction = "show"
	ModalHide ModalAction = "hide"
)

// OpKind enumerates forced mutations.
type OpKind int

const (
	OpSetStyle OpKind = iota
	OpRemoveStyle
	OpAddClass
	OpRemoveClass
	OpSetAttr
	OpRemoveAttr
	OpRemoveNode
	OpRemoveAll
)

// Op is a forced mutation applied by Page.Apply.
type Op struct {
	Kind  OpKind
	Name  string
	Value string
}

func SetStyle(prop, value string) Op { return Op{Kind: OpSetStyle, Name: prop, Value: value} }
func RemoveStyle(prop string) Op { return Op{Kind: OpRemoveStyle, Name: prop} }
func AddClass(class string) Op { return Op{Kind: OpAddClass, Name: class} }
func RemoveClass(class string) Op { return Op{Kind: OpRemoveClass, Name: class} }
func SetAttr(name, value string) Op { return Op{Kind: OpSetAttr, Name: name, Value: value} }
func RemoveAttr(name string) Op { return Op{Kind: OpRemoveAttr, Name: name} }
func RemoveNode() Op { return Op{Kind: OpRemoveNode} }

// RemoveAll removes every descendant of the target matching selector.
func RemoveAll(selector string) Op { return Op{Kind: OpRemoveAll, Name: selector} }

// Node is an element read from a snapshot.
type Node struct {
	Path string
	Sel  *goquery.Selection
}

// NodeOf wraps the first element of sel.
func NodeOf(sel *goquery.Selection) Node {
	if sel == nil || sel.Length() == 0 {
		return Node{}
	}
	first := sel.First()
	return Node{Path: PathOf(first), Sel: first}
}

// Valid reports whether the node was found.
func (n Node) Valid() bool {
	return n.Path != "" && n.Sel != nil && n.Sel.Length() > 0
}

// Attr returns the attribute value or an empty string.
func (n Node) Attr(name string) string {
	if n.Sel == nil {
		return ""
	}
	return n.Sel.AttrOr(name, "")
}

// ID returns the element id.
func (n Node) ID() string {
	return n.Attr("id")
}

// Text returns the trimmed text content.
func (n Node) Text() string {
	if n.Sel == nil {
		return ""
	}
	return strings.TrimSpace(n.Sel.Text())
}

// Disabled reports whether the element is marked disabled.
func (n Node) Disabled() bool {
	if n.Sel == nil {
		return true
	}
	if _, ok := n.Sel.Attr("disabled"); ok {
		return true
	}
	return strings.EqualFold(n.Attr("aria-disabled"), "true") || n.Sel.HasClass("disabled")
}
