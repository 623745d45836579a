package dom

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// inlineStyle is a parsed style attribute that keeps declaration order.
type inlineStyle struct {
	keys   []string
	values map[string]string
}

func parseStyle(attr string) *inlineStyle {
	st := &inlineStyle{values: make(map[string]string)}
	for _, decl := range strings.Split(attr, ";") {
		prop, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		if prop == "" {
			continue
		}
		st.set(prop, value)
	}
	return st
}

func (st *inlineStyle) get(prop string) string {
	return st.values[prop]
}

func (st *inlineStyle) set(prop, value string) {
	if _, ok := st.values[prop]; !ok {
		st.keys = append(st.keys, prop)
	}
	st.values[prop] = value
}

func (st *inlineStyle) remove(prop string) {
	if _, ok := st.values[prop]; !ok {
		return
	}
	delete(st.values, prop)
	for i, k := range st.keys {
		if k == prop {
			st.keys = append(st.keys[:i], st.keys[i+1:]...)
			break
		}
	}
}

func (st *inlineStyle) String() string {
	parts := make([]string, 0, len(st.keys))
	for _, k := range st.keys {
		parts = append(parts, k+": "+st.values[k])
	}
	return strings.Join(parts, "; ")
}

// rendered approximates getComputedStyle for a node and its ancestors using
// inline styles plus the handful of Bootstrap rules the host page relies on:
// .modal is display:none unless shown, .fade without .show is transparent,
// .d-none hides.
func rendered(sel *goquery.Selection) bool {
	if sel.Length() == 0 {
		return false
	}
	for cur := sel.First(); cur.Length() > 0; cur = cur.Parent() {
		if hiddenByStyle(cur) {
			return false
		}
	}
	return true
}

func hiddenByStyle(s *goquery.Selection) bool {
	if _, ok := s.Attr("hidden"); ok {
		return true
	}
	if goquery.NodeName(s) == "input" && strings.EqualFold(s.AttrOr("type", ""), "hidden") {
		return true
	}
	st := parseStyle(s.AttrOr("style", ""))

	display := st.get("display")
	if display == "" {
		switch {
		case s.HasClass("d-none"):
			display = "none"
		case s.HasClass("modal") && !s.HasClass("show"):
			display = "none"
		}
	}
	if display == "none" {
		return true
	}

	if v := st.get("visibility"); v == "hidden" || v == "collapse" {
		return true
	}

	opacity := st.get("opacity")
	if opacity == "" && s.HasClass("fade") && !s.HasClass("show") {
		opacity = "0"
	}
	if opacity != "" {
		if f, err := strconv.ParseFloat(opacity, 64); err == nil && f == 0 {
			return true
		}
	}
	return false
}
