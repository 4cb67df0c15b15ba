package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSampleDocument(t *testing.T) *Document {
	t.Helper()
	doc := NewDocument()
	title, err := doc.AddDivision(NoParent, "TITULO", "I", "Disposiciones generales", "")
	require.NoError(t, err)
	chapter, err := doc.AddDivision(title, "CAPITULO", "1", "Objeto", "")
	require.NoError(t, err)
	art, err := doc.AddArticle(chapter, "1", "La presente ley regula el objeto.")
	require.NoError(t, err)
	_, err = doc.AddArticle(art, "1.a", "Inciso primero.")
	require.NoError(t, err)
	_, err = doc.AddArticle(NoParent, "", "Disposicion final.")
	require.NoError(t, err)
	return doc
}

func TestDocument_Construction(t *testing.T) {
	t.Parallel()

	doc := buildSampleDocument(t)

	require.Len(t, doc.Nodes, 5)
	assert.Equal(t, []int{0, 4}, doc.Roots())
	assert.Equal(t, []int{1}, doc.Nodes[0].Children)
	assert.Equal(t, 2, doc.Nodes[3].Parent)
	assert.Equal(t, "", doc.Nodes[4].Ordinal)

	divs, arts := doc.Counts()
	assert.Equal(t, 2, divs)
	assert.Equal(t, 3, arts)
	assert.NoError(t, doc.Validate())
}

func TestDocument_AddRejectsInvalidParents(t *testing.T) {
	t.Parallel()

	doc := NewDocument()
	art, err := doc.AddArticle(NoParent, "1", "body")
	require.NoError(t, err)

	_, err = doc.AddDivision(art, "SECCION", "1", "", "")
	assert.Error(t, err)

	_, err = doc.AddArticle(7, "2", "body")
	assert.Error(t, err)
}

func TestDocument_WalkReadingOrder(t *testing.T) {
	t.Parallel()

	doc := buildSampleDocument(t)

	var order []int
	var depths []int
	doc.Walk(func(idx int, _ Node, depth int) bool {
		order = append(order, idx)
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, []int{0, 1, 2, 3, 0}, depths)

	var first []int
	doc.Walk(func(idx int, _ Node, _ int) bool {
		first = append(first, idx)
		return len(first) < 2
	})
	assert.Equal(t, []int{0, 1}, first)
}

func TestDocument_Text(t *testing.T) {
	t.Parallel()

	doc := NewDocument()
	d, _ := doc.AddDivision(NoParent, "TITULO", "I", "General", "")
	_, _ = doc.AddArticle(d, "1", "Texto uno.")

	assert.Equal(t, "TITULO\nI\nGeneral\n1\nTexto uno.", doc.Text())
	assert.Equal(t, "", NewDocument().Text())
}

func TestDocument_TreeRoundTrip(t *testing.T) {
	t.Parallel()

	doc := buildSampleDocument(t)
	tree := doc.Tree()

	require.Len(t, tree.Divisions, 1)
	require.Len(t, tree.Articles, 1)
	assert.Equal(t, "Objeto", tree.Divisions[0].Divisions[0].Title)
	assert.Equal(t, "1.a", tree.Divisions[0].Divisions[0].Articles[0].Articles[0].Ordinal)

	rebuilt, err := FromTree(tree)
	require.NoError(t, err)
	assert.Equal(t, doc.Text(), rebuilt.Text())
	assert.Len(t, rebuilt.Nodes, len(doc.Nodes))
}

func TestDocument_TreeGroupsDivisionsBeforeArticles(t *testing.T) {
	t.Parallel()

	doc := NewDocument()
	title, err := doc.AddDivision(NoParent, "TITULO", "I", "", "")
	require.NoError(t, err)
	_, err = doc.AddArticle(title, "1", "Primero.")
	require.NoError(t, err)
	_, err = doc.AddDivision(title, "CAPITULO", "1", "", "")
	require.NoError(t, err)
	_, err = doc.AddArticle(title, "2", "Segundo.")
	require.NoError(t, err)

	tree := doc.Tree()
	require.Len(t, tree.Divisions, 1)
	div := tree.Divisions[0]
	require.Len(t, div.Divisions, 1)
	require.Len(t, div.Articles, 2)
	assert.Equal(t, "1", div.Articles[0].Ordinal)
	assert.Equal(t, "2", div.Articles[1].Ordinal)

	rebuilt, err := FromTree(tree)
	require.NoError(t, err)
	kinds := make([]NodeKind, len(rebuilt.Nodes))
	for i, n := range rebuilt.Nodes {
		kinds[i] = n.Kind
	}
	assert.Equal(t, []NodeKind{KindDivision, KindDivision, KindArticle, KindArticle}, kinds)
	assert.Equal(t, "1", rebuilt.Nodes[2].Ordinal)
}

func TestDocument_JSONValidation(t *testing.T) {
	t.Parallel()

	doc := buildSampleDocument(t)
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded Document
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, doc.Nodes, decoded.Nodes)

	tests := []struct {
		name string
		json string
	}{
		{"unknown kind", `{"nodes":[{"kind":"chapter","ordinal":"","body":"","parent":-1}]}`},
		{"forward parent", `{"nodes":[{"kind":"article","ordinal":"","body":"","parent":1},{"kind":"article","ordinal":"","body":"","parent":-1}]}`},
		{"self parent", `{"nodes":[{"kind":"article","ordinal":"","body":"","parent":0}]}`},
		{"missing child link", `{"nodes":[{"kind":"division","ordinal":"","body":"","parent":-1},{"kind":"article","ordinal":"","body":"","parent":0}]}`},
		{"division under article", `{"nodes":[{"kind":"article","ordinal":"","body":"","parent":-1,"children":[1]},{"kind":"division","ordinal":"","body":"","parent":0}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Document
			assert.Error(t, json.Unmarshal([]byte(tt.json), &d))
		})
	}
}

func TestDocument_EmptyJSON(t *testing.T) {
	t.Parallel()

	var d Document
	require.NoError(t, json.Unmarshal([]byte(`{}`), &d))
	assert.NotNil(t, d.Nodes)
	assert.Empty(t, d.Nodes)
}
