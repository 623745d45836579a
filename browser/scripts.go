package browser

import (
	"encoding/json"
	"fmt"

	"github.com/aluiziolira/qc-copilot/dom"
)

// Script results.
const (
	resultOK      = "ok"
	resultMissing = "missing"
	resultAbsent  = "absent"
	resultVisible = "visible"
	resultHidden  = "hidden"
)

const bindingName = "qcMutation"

// observerScript reports coalesced mutations through the qcMutation binding.
const observerScript = `(() => {
  if (window.__qcObserver) return;
  let pending = false;
  window.__qcObserver = new MutationObserver(() => {
    if (pending) return;
    pending = true;
    setTimeout(() => {
      pending = false;
      if (typeof window.qcMutation === "function") window.qcMutation("");
    }, 0);
  });
  const start = () => window.__qcObserver.observe(document.documentElement, {
    subtree: true, childList: true, attributes: true,
    attributeFilter: ["class", "style", "aria-hidden", "disabled"],
  });
  if (document.documentElement) start();
  else document.addEventListener("DOMContentLoaded", start);
})()`

// snapshotScript stamps every element with dom.NodeAttr before serialising.
// Stamps are kept across snapshots; clones that copied one get a fresh number.
// The attribute is outside the observer's filter.
var snapshotScript = fmt.Sprintf(`(() => {
  const attr = %s;
  const seen = new Set();
  for (const el of document.querySelectorAll("*")) {
    const stamp = el.getAttribute(attr);
    if (stamp !== null && !seen.has(stamp)) {
      seen.add(stamp);
      continue;
    }
    window.__qcNextNode = (window.__qcNextNode || 0) + 1;
    const fresh = String(window.__qcNextNode);
    el.setAttribute(attr, fresh);
    seen.add(fresh);
  }
  return document.documentElement.outerHTML;
})()`, quote(dom.NodeAttr))

// quote renders s as a JavaScript string literal.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func visibleScript(path string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return %q;
  for (let n = el; n && n.nodeType === 1; n = n.parentElement) {
    const cs = getComputedStyle(n);
    if (cs.display === "none" || cs.visibility === "hidden" || parseFloat(cs.opacity) === 0) return %q;
  }
  return %q;
})()`, quote(path), resultMissing, resultHidden, resultVisible)
}

func dispatchScript(path string, ev dom.Event) string {
	var create string
	switch ev.Type {
	case dom.EventKeyDown:
		key := ev.Key
		if key == "" {
			key = "Escape"
		}
		keyCode := 0
		if key == "Escape" {
			keyCode = 27
		}
		create = fmt.Sprintf(`new KeyboardEvent("keydown", {key: %s, code: %s, keyCode: %d, which: %d, bubbles: true, cancelable: true})`,
			quote(key), quote(key), keyCode, keyCode)
	default:
		create = fmt.Sprintf(`new MouseEvent(%s, {bubbles: true, cancelable: true, view: window, button: 0})`, quote(string(ev.Type)))
	}
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return %q;
  el.dispatchEvent(%s);
  return %q;
})()`, quote(path), resultMissing, create, resultOK)
}

// modalAPIScript prefers Bootstrap 5 and falls back to the jQuery plugin.
func modalAPIScript(path string, action dom.ModalAction) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return %q;
  const action = %s;
  if (window.bootstrap && window.bootstrap.Modal) {
    window.bootstrap.Modal.getOrCreateInstance(el)[action]();
    return %q;
  }
  if (window.jQuery && window.jQuery.fn && window.jQuery.fn.modal) {
    window.jQuery(el).modal(action);
    return %q;
  }
  return %q;
})()`, quote(path), resultMissing, quote(string(action)), resultOK, resultOK, resultAbsent)
}

type jsOp struct {
	Kind  string `json:"k"`
	Name  string `json:"n,omitempty"`
	Value string `json:"v,omitempty"`
}

var opNames = map[dom.OpKind]string{
	dom.OpSetStyle:    "setStyle",
	dom.OpRemoveStyle: "removeStyle",
	dom.OpAddClass:    "addClass",
	dom.OpRemoveClass: "removeClass",
	dom.OpSetAttr:     "setAttr",
	dom.OpRemoveAttr:  "removeAttr",
	dom.OpRemoveNode:  "removeNode",
	dom.OpRemoveAll:   "removeAll",
}

func applyScript(path string, ops []dom.Op) (string, error) {
	encoded := make([]jsOp, 0, len(ops))
	for _, op := range ops {
		name, ok := opNames[op.Kind]
		if !ok {
			return "", fmt.Errorf("unknown op kind %d", op.Kind)
		}
		encoded = append(encoded, jsOp{Kind: name, Name: op.Name, Value: op.Value})
	}
	opsJSON, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("encode ops: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return %q;
  for (const op of %s) {
    switch (op.k) {
    case "setStyle": el.style.setProperty(op.n, op.v || ""); break;
    case "removeStyle": el.style.removeProperty(op.n); break;
    case "addClass": el.classList.add(op.n); break;
    case "removeClass": el.classList.remove(op.n); break;
    case "setAttr": el.setAttribute(op.n, op.v || ""); break;
    case "removeAttr": el.removeAttribute(op.n); break;
    case "removeAll": el.querySelectorAll(op.n).forEach((n) => n.remove()); break;
    case "removeNode": el.remove(); return %q;
    }
  }
  return %q;
})()`, quote(path), resultMissing, opsJSON, resultOK, resultOK), nil
}
