package selector

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const page = `<!DOCTYPE html>
<html>
<head><title>t</title></head>
<body>
  <div id="app">
    <nav>
      <a href="/one">one</a>
      <a href="/two">two</a>
    </nav>
    <form>
      <input name="email">
      <input name="password">
      <button>Go</button>
    </form>
  </div>
  <footer>
    <span>fin</span>
  </footer>
</body>
</html>`

func parse(t *testing.T) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

// findByName locates an element by tag + name attribute for test setup.
func findByName(n *html.Node, tag, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		for _, a := range n.Attr {
			if a.Key == "name" && a.Val == name {
				return n
			}
		}
		if name == "" {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := findByName(c, tag, name); m != nil {
			return m
		}
	}
	return nil
}

func TestResolveIDShortCircuit(t *testing.T) {
	doc := parse(t)
	input := findByName(doc, "input", "password")
	if input == nil {
		t.Fatal("fixture: password input not found")
	}

	path := Resolve(input)
	want := "div#app > form:nth-child(2) > input:nth-child(2)"
	if path != want {
		t.Fatalf("Resolve = %q, want %q", path, want)
	}
}

func TestResolveWithoutID(t *testing.T) {
	doc := parse(t)
	span := findByName(doc, "span", "")
	if span == nil {
		t.Fatal("fixture: span not found")
	}

	path := Resolve(span)
	// No id anywhere on the chain: the path roots at <html>.
	want := "html:nth-child(1) > body:nth-child(2) > footer:nth-child(2) > span:nth-child(1)"
	if path != want {
		t.Fatalf("Resolve = %q, want %q", path, want)
	}
}

func TestFindRoundTrip(t *testing.T) {
	doc := parse(t)
	for _, name := range []string{"email", "password"} {
		node := findByName(doc, "input", name)
		path := Resolve(node)
		got := Find(doc, path)
		if got != node {
			t.Fatalf("Find(Resolve(%s)) located a different node (path %q)", name, path)
		}
	}
}

func TestFindDeterministicOnStaticDOM(t *testing.T) {
	doc := parse(t)
	button := findByName(doc, "button", "")
	path := Resolve(button)
	for i := 0; i < 3; i++ {
		if Resolve(button) != path {
			t.Fatal("Resolve is not deterministic")
		}
	}
}

func TestFindMiss(t *testing.T) {
	doc := parse(t)
	if Find(doc, "div#missing > p:nth-child(1)") != nil {
		t.Fatal("Find returned a node for a dead path")
	}
	if Find(doc, "") != nil {
		t.Fatal("Find returned a node for an empty path")
	}
	if Find(doc, "div#app > form:nth-child(2) > input:nth-child(9)") != nil {
		t.Fatal("Find returned a node for an out-of-range nth-child")
	}
}
