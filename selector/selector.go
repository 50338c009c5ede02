// Package selector derives stable CSS paths for DOM nodes and re-locates
// nodes from such paths. The same algorithm runs in two places: here over
// parsed HTML trees, and inside the recorder's injected script against the
// live document, so a selector captured in the page resolves identically
// offline.
//
// The path is a `>`-joined chain from the document root to the node. At each
// ancestor the resolver emits `tag#id` and stops if the element has an id
// (ids are assumed locally unique, which short-circuits the path), otherwise
// `tag:nth-child(k)` with k the 1-based position among the parent's element
// children. Resolution is deterministic for a static DOM; it does not
// survive dynamically regenerated subtrees, so replay treats a miss as a
// recoverable failure rather than assuming selector stability.
package selector

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Resolve returns the CSS path for n. n must be an element node; for any
// other node type the nearest element ancestor is resolved instead.
func Resolve(n *html.Node) string {
	for n != nil && n.Type != html.ElementNode {
		n = n.Parent
	}
	if n == nil {
		return ""
	}

	var segments []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); id != "" {
			segments = append(segments, cur.Data+"#"+id)
			break
		}
		segments = append(segments, fmt.Sprintf("%s:nth-child(%d)", cur.Data, elementIndex(cur)))
	}

	// Reverse into document order.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, " > ")
}

// Find re-locates the node addressed by path inside doc. It returns nil when
// any segment fails to match: callers own the miss policy.
func Find(doc *html.Node, path string) *html.Node {
	segments := strings.Split(path, " > ")
	if len(segments) == 0 || segments[0] == "" {
		return nil
	}

	// The first segment may be rooted anywhere: an id short-circuit starts
	// the path mid-tree.
	for _, start := range matchAll(doc, segments[0]) {
		if n := descend(start, segments[1:]); n != nil {
			return n
		}
	}
	return nil
}

// descend follows the remaining segments through direct element children.
func descend(n *html.Node, segments []string) *html.Node {
	cur := n
	for _, seg := range segments {
		tag, id, idx, err := parseSegment(seg)
		if err != nil {
			return nil
		}
		var next *html.Node
		childIdx := 0
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			childIdx++
			if tag != "" && c.Data != tag {
				continue
			}
			if id != "" && attr(c, "id") != id {
				continue
			}
			if idx != 0 && childIdx != idx {
				continue
			}
			next = c
			break
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// matchAll walks the whole tree collecting elements matching one segment.
func matchAll(root *html.Node, seg string) []*html.Node {
	tag, id, idx, err := parseSegment(seg)
	if err != nil {
		return nil
	}

	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			ok := (tag == "" || n.Data == tag) && (id == "" || attr(n, "id") == id)
			if ok && idx != 0 {
				ok = elementIndex(n) == idx
			}
			if ok {
				out = append(out, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// parseSegment splits "tag#id" or "tag:nth-child(k)" or a bare tag.
func parseSegment(seg string) (tag, id string, idx int, err error) {
	seg = strings.TrimSpace(seg)
	if seg == "" {
		return "", "", 0, fmt.Errorf("selector: empty segment")
	}
	if i := strings.IndexByte(seg, '#'); i >= 0 {
		return seg[:i], seg[i+1:], 0, nil
	}
	if i := strings.Index(seg, ":nth-child("); i >= 0 {
		rest := seg[i+len(":nth-child("):]
		j := strings.IndexByte(rest, ')')
		if j < 0 {
			return "", "", 0, fmt.Errorf("selector: malformed segment %q", seg)
		}
		k, convErr := strconv.Atoi(rest[:j])
		if convErr != nil || k < 1 {
			return "", "", 0, fmt.Errorf("selector: malformed index in %q", seg)
		}
		return seg[:i], "", k, nil
	}
	return seg, "", 0, nil
}

// elementIndex returns the 1-based position of n among its parent's element
// children. A node without a parent is position 1.
func elementIndex(n *html.Node) int {
	if n.Parent == nil {
		return 1
	}
	idx := 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		idx++
		if c == n {
			return idx
		}
	}
	return 1
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
