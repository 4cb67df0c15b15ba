// Package verify scores a structured extraction against its source text.
package verify

import (
	"fmt"

	"github.com/sells-group/norm-structurer/internal/model"
)

// Failure reasons.
const (
	ReasonEmptyStructure  = "empty structure"
	ReasonMissingArticles = "missing required sections"
	ReasonTruncated       = "truncated body"
	ReasonLowSimilarity   = "similarity below threshold"
)

// DefaultTruncationRatio flags outputs with fewer than half the source tokens.
const DefaultTruncationRatio = 0.5

// Result is the verdict for one extraction.
type Result struct {
	Passed     bool    `json:"passed"`
	Similarity float64 `json:"similarity"`
	Reason     string  `json:"reason,omitempty"`
}

// Scorer compares source text to the text carried by a Document. It holds
// no state beyond its settings and performs no I/O.
type Scorer struct {
	threshold       float64
	truncationRatio float64
}

// NewScorer returns a scorer that passes similarities >= threshold.
func NewScorer(threshold, truncationRatio float64) *Scorer {
	if truncationRatio <= 0 {
		truncationRatio = DefaultTruncationRatio
	}
	return &Scorer{threshold: threshold, truncationRatio: truncationRatio}
}

// Threshold returns the pass threshold.
func (s *Scorer) Threshold() float64 { return s.threshold }

// Score computes the Dice coefficient over the token multisets of the
// source and the structured text.
func (s *Scorer) Score(original string, doc *model.Document) Result {
	var structured string
	var articles int
	if doc != nil {
		structured = doc.Text()
		_, articles = doc.Counts()
	}

	src := Tokens(original)
	out := Tokens(structured)
	sim := dice(src, out)

	res := Result{Similarity: sim, Passed: sim >= s.threshold}
	if res.Passed {
		return res
	}

	switch {
	case doc == nil || len(doc.Nodes) == 0:
		res.Reason = ReasonEmptyStructure
	case articles == 0:
		res.Reason = ReasonMissingArticles
	case float64(len(out)) < s.truncationRatio*float64(len(src)):
		res.Reason = fmt.Sprintf("%s: %d of %d source tokens", ReasonTruncated, len(out), len(src))
	default:
		res.Reason = fmt.Sprintf("%s: %.3f < %.3f", ReasonLowSimilarity, sim, s.threshold)
	}
	return res
}

func dice(a, b []string) float64 {
	if len(a)+len(b) == 0 {
		return 0
	}
	counts := make(map[string]int, len(a))
	for _, tok := range a {
		counts[tok]++
	}
	var shared int
	for _, tok := range b {
		if counts[tok] > 0 {
			counts[tok]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}
