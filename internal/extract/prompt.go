// Package extract adapts provider clients into escalation models that turn
// purified legal text into a structured Document.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/model"
)

// systemPrompt is shared by every provider so outputs are comparable.
const systemPrompt = `You structure legal texts. Read the norm and return ONLY a JSON object with this shape:

{
  "divisions": [
    {
      "name": "TÍTULO",
      "ordinal": "I",
      "title": "Disposiciones generales",
      "body": "",
      "divisions": [],
      "articles": [{"ordinal": "Artículo 1.", "body": "..."}]
    }
  ],
  "articles": [{"ordinal": "Artículo 1.", "body": "..."}]
}

Rules:
- Divisions are headings such as LIBRO, TÍTULO, CAPÍTULO, SECCIÓN. They may nest divisions and articles.
- Articles hold the operative text. An article may contain sub-articles but never a division.
- Copy the text verbatim. Do not summarize, translate, reorder, or omit anything.
- Text before the first heading goes into a top-level article with an empty ordinal.
- Respond with JSON only, no commentary and no code fences.`

// userPrompt wraps the source text.
func userPrompt(text string) string {
	return "Structure the following norm.\n\n<norm>\n" + text + "\n</norm>"
}

// cleanJSON pulls a JSON object out of text that may carry markdown code
// fences or a short preamble.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// ParseDocument decodes model output into an arena document.
func ParseDocument(text string) (*model.Document, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("extract: empty response")
	}
	var tree model.Tree
	if err := json.Unmarshal([]byte(cleaned), &tree); err != nil {
		return nil, eris.Wrap(err, "extract: decode structure")
	}
	doc, err := model.FromTree(tree)
	if err != nil {
		return nil, eris.Wrap(err, "extract: build document")
	}
	return doc, nil
}
