package pipeline

import (
	"encoding/json"
	"sync"

	"github.com/sells-group/norm-structurer/internal/model"
)

// Result is the outbound payload for a verified document. The same bytes
// are cached, so replays forward exactly what the worker sent.
type Result struct {
	DocumentID model.DocumentID          `json:"document_id"`
	Stage      string                    `json:"stage"`
	Model      string                    `json:"model"`
	Structure  model.Tree                `json:"structure"`
	Attempts   []model.ExtractionAttempt `json:"attempts"`
	CostUSD    float64                   `json:"cost_usd"`
	// Source carries the inbound fields other than the text.
	Source map[string]json.RawMessage `json:"source,omitempty"`
}

// Stats are the worker's running counters. Malformed messages count only
// toward Malformed; Errors counts recovered panics.
type Stats struct {
	Total         int64 `json:"total"`
	Successful    int64 `json:"successful"`
	Failed        int64 `json:"failed"`
	QueueFailures int64 `json:"queue_failures"`
	Malformed     int64 `json:"malformed"`
	Errors        int64 `json:"errors"`
}

type counter struct {
	mu sync.Mutex
	s  Stats
}

func (c *counter) add(fn func(s *Stats)) {
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

func (c *counter) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
