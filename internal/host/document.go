package host

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/flatnas/scripthost/internal/infrastructure/logging"
)

// RootID is the id of the mount point element all hosted-code queries
// are scoped under.
const RootID = "flatnas-custom-root"

// unitAttr marks script nodes inserted by the lifecycle manager.
const unitAttr = "data-scripthost-unit"

// DefaultPage is the built-in host page used when no page file is
// configured.
const DefaultPage = `<!DOCTYPE html>
<html>
<head><title>FlatNAS</title></head>
<body>
<div id="` + RootID + `"></div>
</body>
</html>`

// Mutation describes one observed change to the host document.
type Mutation struct {
	Kind     string // "attribute", "text", "child", "remove"
	Selector string
	Name     string
	Value    string
	// InRoot marks changes touching the mount root or its subtree.
	// Watchers driving hosted-code updates only care about these.
	InRoot bool
}

// Document is the in-memory host page. All reads and writes go through
// its methods; writers notify subscribers after releasing the lock.
type Document struct {
	logger *logging.Logger

	mu   sync.RWMutex
	root *html.Node
	gq   *goquery.Document

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Mutation)
}

// New parses pageHTML into a Document and guarantees the mount root
// element exists, appending one to the body if the page lacks it.
func New(pageHTML string, logger *logging.Logger) (*Document, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if strings.TrimSpace(pageHTML) == "" {
		pageHTML = DefaultPage
	}

	root, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse host page: %w", err)
	}

	d := &Document{
		logger: logger.Named("host"),
		root:   root,
		gq:     goquery.NewDocumentFromNode(root),
		subs:   make(map[int]func(Mutation)),
	}

	if d.gq.Find("#"+RootID).Length() == 0 {
		d.gq.Find("body").AppendHtml(`<div id="` + RootID + `"></div>`)
	}
	return d, nil
}

// Subscribe registers a mutation observer and returns an unsubscribe
// function.
func (d *Document) Subscribe(fn func(Mutation)) func() {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			delete(d.subs, id)
		})
	}
}

func (d *Document) notify(m Mutation) {
	d.subMu.Lock()
	subs := make([]func(Mutation), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.subMu.Unlock()

	for _, fn := range subs {
		fn(m)
	}
}

// underRootLocked reports whether n is the mount root or one of its
// descendants. Callers hold d.mu.
func (d *Document) underRootLocked(n *html.Node) bool {
	roots := d.gq.Find("#" + RootID).Nodes
	if len(roots) == 0 {
		return false
	}
	for ; n != nil; n = n.Parent {
		if n == roots[0] {
			return true
		}
	}
	return false
}

func (d *Document) anyUnderRootLocked(nodes []*html.Node) bool {
	for _, n := range nodes {
		if d.underRootLocked(n) {
			return true
		}
	}
	return false
}

// RootExists reports whether the mount root is currently present.
func (d *Document) RootExists() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gq.Find("#"+RootID).Length() > 0
}

// RootNode returns the mount root element, resolved fresh on every
// call.
func (d *Document) RootNode() (*html.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes := d.gq.Find("#" + RootID).Nodes
	if len(nodes) == 0 {
		return nil, false
	}
	return nodes[0], true
}

// QueryNodes returns nodes matching a CSS selector, scoped under the
// mount root. The result is empty when the root is absent.
func (d *Document) QueryNodes(selector string) []*html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gq.Find("#" + RootID).Find(selector).Nodes
}

// XPathNodes returns nodes matching an XPath expression, scoped under
// the mount root.
func (d *Document) XPathNodes(expr string) ([]*html.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roots := d.gq.Find("#" + RootID).Nodes
	if len(roots) == 0 {
		return nil, nil
	}
	return htmlquery.QueryAll(roots[0], expr)
}

// NodeText returns the inner text of a node.
func (d *Document) NodeText(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return htmlquery.InnerText(n)
}

// NodeAttr returns a node attribute value.
func (d *Document) NodeAttr(n *html.Node, name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetNodeAttr sets an attribute on a single node and notifies
// observers.
func (d *Document) SetNodeAttr(n *html.Node, name, value string) {
	d.mu.Lock()
	set := false
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			set = true
			break
		}
	}
	if !set {
		n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
	}
	inRoot := d.underRootLocked(n)
	d.mu.Unlock()

	d.notify(Mutation{Kind: "attribute", Name: name, Value: value, InRoot: inRoot})
}

// SetAttr sets an attribute on every element matching a document-wide
// selector. Returns the number of affected elements.
func (d *Document) SetAttr(selector, name, value string) int {
	d.mu.Lock()
	sel := d.gq.Find(selector)
	sel.SetAttr(name, value)
	n := sel.Length()
	inRoot := d.anyUnderRootLocked(sel.Nodes)
	d.mu.Unlock()

	if n > 0 {
		d.notify(Mutation{Kind: "attribute", Selector: selector, Name: name, Value: value, InRoot: inRoot})
	}
	return n
}

// SetText replaces the text content of every element matching a
// document-wide selector. Returns the number of affected elements.
func (d *Document) SetText(selector, text string) int {
	d.mu.Lock()
	sel := d.gq.Find(selector)
	sel.SetText(text)
	n := sel.Length()
	inRoot := d.anyUnderRootLocked(sel.Nodes)
	d.mu.Unlock()

	if n > 0 {
		d.notify(Mutation{Kind: "text", Selector: selector, Value: text, InRoot: inRoot})
	}
	return n
}

// AppendHTML appends an HTML fragment to the first element matching a
// document-wide selector.
func (d *Document) AppendHTML(selector, fragment string) error {
	d.mu.Lock()
	sel := d.gq.Find(selector).First()
	if sel.Length() == 0 {
		d.mu.Unlock()
		return fmt.Errorf("no element matches %q", selector)
	}
	sel.AppendHtml(fragment)
	inRoot := d.anyUnderRootLocked(sel.Nodes)
	d.mu.Unlock()

	d.notify(Mutation{Kind: "child", Selector: selector, InRoot: inRoot})
	return nil
}

// Remove deletes every element matching a document-wide selector.
// Returns the number of removed elements.
func (d *Document) Remove(selector string) int {
	d.mu.Lock()
	sel := d.gq.Find(selector)
	n := sel.Length()
	// Root membership must be read before detaching the nodes.
	inRoot := d.anyUnderRootLocked(sel.Nodes)
	sel.Remove()
	d.mu.Unlock()

	if n > 0 {
		d.notify(Mutation{Kind: "remove", Selector: selector, InRoot: inRoot})
	}
	return n
}

// InsertUnit inserts the executable-unit marker node for the given id.
// Unit bookkeeping does not notify observers: the watcher belongs to
// the hosted code, not to the manager's own plumbing.
func (d *Document) InsertUnit(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gq.Find("body").AppendHtml(
		`<script type="text/flatnas" ` + unitAttr + `="` + id + `"></script>`)
}

// RemoveUnit removes the executable-unit marker node for the given id.
func (d *Document) RemoveUnit(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gq.Find(`script[` + unitAttr + `="` + id + `"]`).Remove()
}

// HasUnit reports whether a unit marker with the given id is present.
func (d *Document) HasUnit(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gq.Find(`script[`+unitAttr+`="`+id+`"]`).Length() > 0
}

// UnitCount returns the number of unit markers currently present.
func (d *Document) UnitCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gq.Find(`script[` + unitAttr + `]`).Length()
}

// HTML serializes the current document.
func (d *Document) HTML() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("failed to render host page: %w", err)
	}
	return buf.String(), nil
}
