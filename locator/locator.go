// Package locator derives XPath selectors from known values: given a page
// and a value that was previously scraped from a page of the same shape, it
// finds the node that holds the value and describes it in a way that
// survives small markup changes.
package locator

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/pevans/intelliscrape/scraper"
	"golang.org/x/net/html"
)

var (
	// DefaultValueAttributes are attributes whose content can itself be a
	// field value (links, images, machine-readable dates).
	DefaultValueAttributes = []string{"href", "src", "content", "datetime", "title", "alt", "value"}

	// DefaultStableAttributes identify an element more robustly than its
	// position, in order of preference.
	DefaultStableAttributes = []string{"itemprop", "name", "property", "data-testid", "class"}

	// skippedTags never hold a visible field value.
	skippedTags = map[string]bool{
		"script":   true,
		"style":    true,
		"noscript": true,
		"template": true,
	}
)

// Locator finds selectors for values. The zero value is not usable; call
// New.
type Locator struct {
	valueAttrs  []string
	stableAttrs []string
}

// Option configures a Locator.
type Option func(*Locator)

// WithValueAttributes replaces the attributes searched for values.
func WithValueAttributes(attrs ...string) Option {
	return func(l *Locator) { l.valueAttrs = attrs }
}

// WithStableAttributes replaces the attributes preferred for identification.
func WithStableAttributes(attrs ...string) Option {
	return func(l *Locator) { l.stableAttrs = attrs }
}

// New creates a locator with the default attribute sets.
func New(opts ...Option) *Locator {
	l := &Locator{
		valueAttrs:  DefaultValueAttributes,
		stableAttrs: DefaultStableAttributes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Find returns a selector that, evaluated against root, yields value as its
// first result. Matching is exact after whitespace normalization. When
// several nodes hold the value the first one in document order wins.
func (l *Locator) Find(root *html.Node, value string) (string, error) {
	m, err := l.find(root, value)
	if err != nil {
		return "", err
	}
	return m.selector, nil
}

// FindAll returns a selector for a multi-valued field. It starts from the
// selector of the first value and drops positional predicates, deepest
// first, until one selector yields every value. If no relaxation covers all
// values the first value's selector is returned.
func (l *Locator) FindAll(root *html.Node, values []string) (string, error) {
	var wanted []string
	for _, v := range values {
		if v = scraper.NormalizeText(v); v != "" {
			wanted = append(wanted, v)
		}
	}
	if len(wanted) == 0 {
		return "", fmt.Errorf("%w: empty value", scraper.ErrValueNotFound)
	}

	m, err := l.find(root, wanted[0])
	if err != nil {
		return "", err
	}
	if len(wanted) == 1 || covers(root, m.selector, wanted) {
		return m.selector, nil
	}

	p := m.path
	p.steps = slices.Clone(p.steps)
	for i := len(p.steps) - 1; i >= 0; i-- {
		if p.steps[i].pos == 0 {
			continue
		}
		p.steps[i].pos = 0
		if sel := p.String(); covers(root, sel, wanted) {
			return sel, nil
		}
	}

	return m.selector, nil
}

type match struct {
	selector string
	path     path
}

func (l *Locator) find(root *html.Node, value string) (match, error) {
	value = scraper.NormalizeText(value)
	if root == nil || value == "" {
		return match{}, fmt.Errorf("%w: %q", scraper.ErrValueNotFound, value)
	}

	target, attr := l.locate(root, value)
	if target == nil {
		return match{}, fmt.Errorf("%w: %q", scraper.ErrValueNotFound, value)
	}

	anchored := l.anchoredPath(target, attr)
	for _, sel := range l.shortSelectors(target, attr) {
		if unique(root, sel, value) {
			return match{selector: sel, path: anchored}, nil
		}
	}

	for _, p := range []path{anchored, absolutePath(target, attr)} {
		if sel := p.String(); reproduces(root, sel, value) {
			return match{selector: sel, path: p}, nil
		}
	}

	return match{}, fmt.Errorf("%w: %q (no stable selector)", scraper.ErrValueNotFound, value)
}

// locate walks the tree in document order and returns the first deepest
// element whose text equals value, or the first element with a value
// attribute equal to it.
func (l *Locator) locate(n *html.Node, value string) (*html.Node, string) {
	if n.Type == html.ElementNode {
		if skippedTags[n.Data] {
			return nil, ""
		}
		if scraper.NodeText(n) == value && !childHasText(n, value) {
			return n, ""
		}
		for _, attr := range l.valueAttrs {
			if v, ok := attrValue(n, attr); ok && scraper.NormalizeText(v) == value {
				return n, attr
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t, attr := l.locate(c, value); t != nil {
			return t, attr
		}
	}
	return nil, ""
}

// shortSelectors are document-wide selectors for the target, most stable
// first. They are only used when they match exactly one node.
func (l *Locator) shortSelectors(target *html.Node, attr string) []string {
	suffix := ""
	if attr != "" {
		suffix = "/@" + attr
	}

	var out []string
	if id, ok := attrValue(target, "id"); ok {
		if q, ok := quote(id); ok {
			out = append(out, "//"+target.Data+"[@id="+q+"]"+suffix)
		}
	}
	for _, name := range l.stableAttrs {
		v, ok := attrValue(target, name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if q, ok := quote(v); ok {
			out = append(out, "//"+target.Data+"[@"+name+"="+q+"]"+suffix)
		}
	}
	return append(out, "//"+target.Data+suffix)
}

// anchoredPath describes the target relative to its nearest ancestor with an
// id, or to the document root when there is none.
func (l *Locator) anchoredPath(target *html.Node, attr string) path {
	p := path{attr: attr}
	for n := target; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n != target {
			if id, ok := attrValue(n, "id"); ok {
				if q, ok := quote(id); ok {
					p.anchor = "//" + n.Data + "[@id=" + q + "]"
					break
				}
			}
		}
		p.steps = append(p.steps, relativeStep(n))
	}
	slices.Reverse(p.steps)
	return p
}

// absolutePath is the fully positional path from the root. It always
// resolves to exactly the target.
func absolutePath(target *html.Node, attr string) path {
	p := path{attr: attr}
	for n := target; n != nil && n.Type == html.ElementNode; n = n.Parent {
		p.steps = append(p.steps, step{tag: n.Data, pos: position(n)})
	}
	slices.Reverse(p.steps)
	return p
}

// relativeStep identifies n among its siblings: by tag alone when it is the
// only one, by class when that is distinguishing, by position otherwise.
func relativeStep(n *html.Node) step {
	siblings := sameTagSiblings(n)
	if len(siblings) == 1 {
		return step{tag: n.Data}
	}

	if class, ok := attrValue(n, "class"); ok && strings.TrimSpace(class) != "" {
		if q, ok := quote(class); ok {
			count := 0
			for _, s := range siblings {
				if v, _ := attrValue(s, "class"); v == class {
					count++
				}
			}
			if count == 1 {
				return step{tag: n.Data, pred: "@class=" + q}
			}
		}
	}

	return step{tag: n.Data, pos: position(n)}
}

type step struct {
	tag  string
	pred string
	pos  int
}

func (s step) String() string {
	switch {
	case s.pred != "":
		return s.tag + "[" + s.pred + "]"
	case s.pos > 0:
		return s.tag + "[" + strconv.Itoa(s.pos) + "]"
	default:
		return s.tag
	}
}

type path struct {
	anchor string
	steps  []step
	attr   string
}

func (p path) String() string {
	parts := make([]string, 0, len(p.steps))
	for _, s := range p.steps {
		parts = append(parts, s.String())
	}

	var b strings.Builder
	if p.anchor != "" {
		b.WriteString(p.anchor)
		if len(parts) > 0 {
			b.WriteByte('/')
		}
	} else {
		b.WriteByte('/')
	}
	b.WriteString(strings.Join(parts, "/"))
	if p.attr != "" {
		b.WriteString("/@" + p.attr)
	}
	return b.String()
}

func sameTagSiblings(n *html.Node) []*html.Node {
	if n.Parent == nil {
		return []*html.Node{n}
	}
	var out []*html.Node
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == n.Data {
			out = append(out, c)
		}
	}
	return out
}

// position is the 1-based index of n among same-tag element siblings.
func position(n *html.Node) int {
	pos := 1
	for c := n.PrevSibling; c != nil; c = c.PrevSibling {
		if c.Type == html.ElementNode && c.Data == n.Data {
			pos++
		}
	}
	return pos
}

func childHasText(n *html.Node, value string) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && scraper.NodeText(c) == value {
			return true
		}
	}
	return false
}

func attrValue(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// quote renders an XPath string literal. XPath 1.0 has no escaping, so a
// value containing both quote characters cannot be used.
func quote(v string) (string, bool) {
	switch {
	case !strings.Contains(v, `"`):
		return `"` + v + `"`, true
	case !strings.Contains(v, `'`):
		return `'` + v + `'`, true
	default:
		return "", false
	}
}

func query(root *html.Node, sel string) []*html.Node {
	nodes, err := htmlquery.QueryAll(root, sel)
	if err != nil {
		return nil
	}
	return nodes
}

func reproduces(root *html.Node, sel, value string) bool {
	nodes := query(root, sel)
	return len(nodes) > 0 && scraper.NodeText(nodes[0]) == value
}

func unique(root *html.Node, sel, value string) bool {
	nodes := query(root, sel)
	return len(nodes) == 1 && scraper.NodeText(nodes[0]) == value
}

func covers(root *html.Node, sel string, values []string) bool {
	nodes := query(root, sel)
	if len(nodes) == 0 {
		return false
	}
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[scraper.NodeText(n)] = true
	}
	for _, v := range values {
		if !seen[v] {
			return false
		}
	}
	return true
}
