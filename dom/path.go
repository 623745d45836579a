package dom

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// NodeAttr carries a per-element number stamped by live pages on every
// snapshot. It survives sibling insertions that shift nth-child positions.
const NodeAttr = "data-qc-node"

// PathOf returns a CSS selector that resolves the first node of sel in any
// document with the same structure. Unique ids or node stamps anchor the path;
// otherwise each step is tag:nth-child(n).
func PathOf(sel *goquery.Selection) string {
	if sel == nil || len(sel.Nodes) == 0 {
		return ""
	}
	n := sel.Nodes[0]
	if n.Type != html.ElementNode {
		return ""
	}
	root := n
	for root.Parent != nil {
		root = root.Parent
	}

	var steps []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attrOf(cur, "id"); id != "" && countAttr(root, "id", id) == 1 {
			steps = append(steps, idSelector(id))
			break
		}
		if stamp := attrOf(cur, NodeAttr); stamp != "" && countAttr(root, NodeAttr, stamp) == 1 {
			steps = append(steps, fmt.Sprintf(`[%s="%s"]`, NodeAttr, strings.ReplaceAll(stamp, `"`, `\"`)))
			break
		}
		if cur.Parent == nil || cur.Parent.Type != html.ElementNode {
			steps = append(steps, cur.Data)
			break
		}
		steps = append(steps, fmt.Sprintf("%s:nth-child(%d)", cur.Data, elementPosition(cur)))
	}

	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return strings.Join(steps, " > ")
}

func idSelector(id string) string {
	return `[id="` + strings.ReplaceAll(id, `"`, `\"`) + `"]`
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func elementPosition(n *html.Node) int {
	pos := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			pos++
		}
	}
	return pos
}

func countAttr(root *html.Node, key, val string) int {
	count := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if count > 1 {
			return
		}
		if n.Type == html.ElementNode && attrOf(n, key) == val {
			count++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return count
}
