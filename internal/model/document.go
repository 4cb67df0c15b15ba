package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// NodeKind distinguishes divisions from articles in a Document arena.
type NodeKind string

const (
	KindDivision NodeKind = "division"
	KindArticle  NodeKind = "article"
)

// NoParent marks a top-level node.
const NoParent = -1

// Node is one division or article. Parent and Children are arena indices.
type Node struct {
	Kind     NodeKind `json:"kind"`
	Name     string   `json:"name,omitempty"`
	Ordinal  string   `json:"ordinal"`
	Title    string   `json:"title,omitempty"`
	Body     string   `json:"body"`
	Parent   int      `json:"parent"`
	Children []int    `json:"children,omitempty"`
}

// Document is a structured norm stored as an arena of nodes. Nodes are
// appended in construction order, so a parent always has a smaller index
// than its children and the tree cannot contain cycles.
type Document struct {
	Nodes []Node `json:"nodes"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Nodes: []Node{}}
}

// AddDivision appends a division under parent (NoParent for top level) and
// returns its index. Divisions may only be nested in divisions.
func (d *Document) AddDivision(parent int, name, ordinal, title, body string) (int, error) {
	if err := d.checkParent(parent, KindDivision); err != nil {
		return 0, err
	}
	return d.add(Node{Kind: KindDivision, Name: name, Ordinal: ordinal, Title: title, Body: body, Parent: parent}), nil
}

// AddArticle appends an article under parent and returns its index.
// Articles may live at top level, in a division, or in another article.
func (d *Document) AddArticle(parent int, ordinal, body string) (int, error) {
	if err := d.checkParent(parent, KindArticle); err != nil {
		return 0, err
	}
	return d.add(Node{Kind: KindArticle, Ordinal: ordinal, Body: body, Parent: parent}), nil
}

func (d *Document) add(n Node) int {
	idx := len(d.Nodes)
	d.Nodes = append(d.Nodes, n)
	if n.Parent != NoParent {
		d.Nodes[n.Parent].Children = append(d.Nodes[n.Parent].Children, idx)
	}
	return idx
}

func (d *Document) checkParent(parent int, child NodeKind) error {
	if parent == NoParent {
		return nil
	}
	if parent < 0 || parent >= len(d.Nodes) {
		return eris.Errorf("model: parent index %d out of range", parent)
	}
	if d.Nodes[parent].Kind == KindArticle && child == KindDivision {
		return eris.Errorf("model: division cannot be nested in article %d", parent)
	}
	return nil
}

// Roots returns the indices of top-level nodes in order.
func (d *Document) Roots() []int {
	var roots []int
	for i, n := range d.Nodes {
		if n.Parent == NoParent {
			roots = append(roots, i)
		}
	}
	return roots
}

// Walk visits nodes depth-first in reading order. Returning false from fn
// stops the walk.
func (d *Document) Walk(fn func(idx int, n Node, depth int) bool) {
	var visit func(idx, depth int) bool
	visit = func(idx, depth int) bool {
		if !fn(idx, d.Nodes[idx], depth) {
			return false
		}
		for _, c := range d.Nodes[idx].Children {
			if !visit(c, depth+1) {
				return false
			}
		}
		return true
	}
	for _, r := range d.Roots() {
		if !visit(r, 0) {
			return
		}
	}
}

// Text renders the document content in reading order.
func (d *Document) Text() string {
	var b strings.Builder
	d.Walk(func(_ int, n Node, _ int) bool {
		for _, s := range []string{n.Name, n.Ordinal, n.Title, n.Body} {
			if s == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(s)
		}
		return true
	})
	return b.String()
}

// Counts returns the number of divisions and articles.
func (d *Document) Counts() (divisions, articles int) {
	for _, n := range d.Nodes {
		if n.Kind == KindDivision {
			divisions++
		} else {
			articles++
		}
	}
	return divisions, articles
}

// Validate checks the arena invariants: known kinds, parents preceding
// children, and child lists matching parent links.
func (d *Document) Validate() error {
	seen := make([]int, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.Kind != KindDivision && n.Kind != KindArticle {
			return eris.Errorf("model: node %d has unknown kind %q", i, n.Kind)
		}
		if n.Parent == NoParent {
			continue
		}
		if n.Parent < 0 || n.Parent >= i {
			return eris.Errorf("model: node %d has invalid parent %d", i, n.Parent)
		}
		if d.Nodes[n.Parent].Kind == KindArticle && n.Kind == KindDivision {
			return eris.Errorf("model: division %d nested in article %d", i, n.Parent)
		}
	}
	for i, n := range d.Nodes {
		for _, c := range n.Children {
			if c <= i || c >= len(d.Nodes) || d.Nodes[c].Parent != i {
				return eris.Errorf("model: node %d lists foreign child %d", i, c)
			}
			seen[c]++
		}
	}
	for i, n := range d.Nodes {
		if n.Parent != NoParent && seen[i] != 1 {
			return eris.Errorf("model: node %d is referenced %d times by its parent", i, seen[i])
		}
	}
	return nil
}

// UnmarshalJSON decodes an arena and rejects documents that break its invariants.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw struct {
		Nodes []Node `json:"nodes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Nodes == nil {
		raw.Nodes = []Node{}
	}
	doc := Document{Nodes: raw.Nodes}
	if err := doc.Validate(); err != nil {
		return err
	}
	*d = doc
	return nil
}

// Tree is the nested view of a Document, the shape models are asked to emit.
type Tree struct {
	Divisions []DivisionTree `json:"divisions,omitempty"`
	Articles  []ArticleTree  `json:"articles,omitempty"`
}

// DivisionTree is a nested division.
type DivisionTree struct {
	Name      string         `json:"name"`
	Ordinal   string         `json:"ordinal"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Divisions []DivisionTree `json:"divisions,omitempty"`
	Articles  []ArticleTree  `json:"articles,omitempty"`
}

// ArticleTree is a nested article.
type ArticleTree struct {
	Ordinal  string        `json:"ordinal"`
	Body     string        `json:"body"`
	Articles []ArticleTree `json:"articles,omitempty"`
}

// FromTree flattens a nested tree into a new arena. Under each parent the
// sub-divisions are added before the articles, so node indices follow the
// nested view rather than the source reading order.
func FromTree(t Tree) (*Document, error) {
	doc := NewDocument()
	for _, div := range t.Divisions {
		if err := doc.addDivisionTree(NoParent, div); err != nil {
			return nil, err
		}
	}
	for _, art := range t.Articles {
		if err := doc.addArticleTree(NoParent, art); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (d *Document) addDivisionTree(parent int, t DivisionTree) error {
	idx, err := d.AddDivision(parent, t.Name, t.Ordinal, t.Title, t.Body)
	if err != nil {
		return err
	}
	for _, sub := range t.Divisions {
		if err := d.addDivisionTree(idx, sub); err != nil {
			return err
		}
	}
	for _, art := range t.Articles {
		if err := d.addArticleTree(idx, art); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) addArticleTree(parent int, t ArticleTree) error {
	idx, err := d.AddArticle(parent, t.Ordinal, t.Body)
	if err != nil {
		return err
	}
	for _, sub := range t.Articles {
		if err := d.addArticleTree(idx, sub); err != nil {
			return err
		}
	}
	return nil
}

// Tree returns the nested view of the document. Each level lists its
// sub-divisions and its articles separately, each in reading order; the
// interleaving between the two lists is not kept.
func (d *Document) Tree() Tree {
	var t Tree
	for _, r := range d.Roots() {
		switch d.Nodes[r].Kind {
		case KindDivision:
			t.Divisions = append(t.Divisions, d.divisionTree(r))
		default:
			t.Articles = append(t.Articles, d.articleTree(r))
		}
	}
	return t
}

func (d *Document) divisionTree(idx int) DivisionTree {
	n := d.Nodes[idx]
	out := DivisionTree{Name: n.Name, Ordinal: n.Ordinal, Title: n.Title, Body: n.Body}
	for _, c := range n.Children {
		if d.Nodes[c].Kind == KindDivision {
			out.Divisions = append(out.Divisions, d.divisionTree(c))
		} else {
			out.Articles = append(out.Articles, d.articleTree(c))
		}
	}
	return out
}

func (d *Document) articleTree(idx int) ArticleTree {
	n := d.Nodes[idx]
	out := ArticleTree{Ordinal: n.Ordinal, Body: n.Body}
	for _, c := range n.Children {
		out.Articles = append(out.Articles, d.articleTree(c))
	}
	return out
}

// String implements fmt.Stringer for log output.
func (d *Document) String() string {
	divs, arts := d.Counts()
	return fmt.Sprintf("Document{divisions=%d articles=%d}", divs, arts)
}
