package dom

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// BootstrapOptions tunes the Bootstrap modal emulation of a Memory page.
type BootstrapOptions struct {
	// ShowDelay postpones the modal becoming visible after activation.
	ShowDelay time.Duration
	// RequirePointer ignores a click unless mousedown and mouseup on the same
	// node immediately preceded it.
	RequirePointer bool
	// NoModalAPI leaves Page.ModalAPI unavailable.
	NoModalAPI bool
	// StickyClose ignores dismiss buttons and Escape, so only forced cleanup
	// can close a modal.
	StickyClose bool
}

// InstallBootstrap makes m behave like a page running Bootstrap modals:
// toggles open their data-bs-target, dismiss buttons and Escape close the top
// modal, and a backdrop plus body.modal-open accompany every open modal.
func InstallBootstrap(m *Memory, opts BootstrapOptions) {
	var history []Dispatched

	m.OnEvent(func(doc *goquery.Document, target *goquery.Selection, ev Event) {
		path := PathOf(target)
		history = append(history, Dispatched{Path: path, Event: ev})
		if len(history) > 3 {
			history = history[len(history)-3:]
		}

		switch ev.Type {
		case EventClick:
			if opts.RequirePointer && !pointerSequence(history, path) {
				return
			}
			if toggle := target.Closest(`[data-bs-toggle="modal"], [data-toggle="modal"]`); toggle.Length() > 0 {
				modal := doc.Find(ModalTarget(toggle)).First()
				if modal.Length() == 0 {
					return
				}
				if opts.ShowDelay > 0 {
					modalPath := PathOf(modal)
					time.AfterFunc(opts.ShowDelay, func() {
						m.Update(func(doc *goquery.Document) {
							showModal(doc, doc.Find(modalPath).First())
						})
					})
					return
				}
				showModal(doc, modal)
				return
			}
			if opts.StickyClose {
				return
			}
			if dismiss := target.Closest(`[data-bs-dismiss="modal"], [data-dismiss="modal"]`); dismiss.Length() > 0 {
				hideModal(doc, dismiss.Closest(".modal"))
			}
		case EventKeyDown:
			if ev.Key != "Escape" || opts.StickyClose {
				return
			}
			modal := target.Closest(".modal.show")
			if modal.Length() == 0 {
				modal = doc.Find(".modal.show").Last()
			}
			if modal.AttrOr("data-bs-keyboard", "true") == "false" {
				return
			}
			hideModal(doc, modal)
		}
	})

	if opts.NoModalAPI {
		return
	}
	m.SetModalAPI(func(doc *goquery.Document, modal *goquery.Selection, action ModalAction) bool {
		if !modal.HasClass("modal") {
			return false
		}
		switch action {
		case ModalShow:
			showModal(doc, modal)
		case ModalHide:
			if opts.StickyClose {
				return true
			}
			hideModal(doc, modal)
		default:
			return false
		}
		return true
	})
}

// ModalTarget returns the selector of the modal a trigger element controls,
// or an empty string when the trigger names none.
func ModalTarget(trigger *goquery.Selection) string {
	for _, attr := range []string{"data-bs-target", "data-target", "href"} {
		v := strings.TrimSpace(trigger.AttrOr(attr, ""))
		if strings.HasPrefix(v, "#") && len(v) > 1 {
			return idSelector(v[1:])
		}
	}
	if v := strings.TrimSpace(trigger.AttrOr("aria-controls", "")); v != "" {
		return idSelector(v)
	}
	return ""
}

func pointerSequence(history []Dispatched, path string) bool {
	if len(history) < 3 {
		return false
	}
	down, up := history[len(history)-3], history[len(history)-2]
	return down.Path == path && down.Event.Type == EventMouseDown &&
		up.Path == path && up.Event.Type == EventMouseUp
}

func showModal(doc *goquery.Document, modal *goquery.Selection) {
	if modal.Length() == 0 || modal.HasClass("show") {
		return
	}
	applyOp(modal, SetStyle("display", "block"))
	modal.AddClass("show")
	modal.RemoveAttr("aria-hidden")
	modal.SetAttr("aria-modal", "true")
	modal.SetAttr("role", "dialog")

	body := doc.Find("body")
	body.AppendHtml(`<div class="modal-backdrop fade show"></div>`)
	body.AddClass("modal-open")
	applyOp(body, SetStyle("overflow", "hidden"))
	applyOp(body, SetStyle("padding-right", "15px"))
}

func hideModal(doc *goquery.Document, modal *goquery.Selection) {
	if modal.Length() == 0 || !modal.HasClass("show") {
		return
	}
	modal.RemoveClass("show")
	applyOp(modal, SetStyle("display", "none"))
	modal.SetAttr("aria-hidden", "true")
	modal.RemoveAttr("aria-modal")

	if doc.Find(".modal.show").Length() > 0 {
		doc.Find(".modal-backdrop").Last().Remove()
		return
	}
	doc.Find(".modal-backdrop").Remove()
	body := doc.Find("body")
	body.RemoveClass("modal-open")
	applyOp(body, RemoveStyle("overflow"))
	applyOp(body, RemoveStyle("padding-right"))
}
