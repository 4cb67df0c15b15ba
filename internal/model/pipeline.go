package model

import (
	"encoding/json"
	"time"
)

// Pipeline stage names used as cache namespaces and failure stages.
const (
	StageStructuring = "structuring"
	StageStorage     = "storage"
)

// ExtractionAttempt records one model invocation during escalation.
type ExtractionAttempt struct {
	ModelName       string        `json:"model_name"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	TokensUsed      int64         `json:"tokens_used"`
	SimilarityScore float64       `json:"similarity_score"`
	Passed          bool          `json:"passed"`
	Reason          string        `json:"reason,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// CacheEntry is one immutable version of a cached stage output.
type CacheEntry struct {
	Key        string          `json:"key"`
	Stage      string          `json:"stage"`
	DocumentID DocumentID      `json:"document_id"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CacheMetadata is the side record pointing at the latest version.
type CacheMetadata struct {
	LatestVersion int       `json:"latest_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Envelope marks a payload replayed from cache.
type Envelope struct {
	CachedAt time.Time       `json:"cached_at"`
	Data     json.RawMessage `json:"data"`
}

// SkippedRelationalFailure is the vectorial message when the relational
// phase did not succeed.
const SkippedRelationalFailure = "skipped due to relational failure"

// RelationalResult is the outcome of the relational commit phase.
type RelationalResult struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	PKMapping map[string]int64 `json:"pk_mapping,omitempty"`
}

// VectorialResult is the outcome of the vector commit phase.
type VectorialResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StorageCommitResult reports both commit phases. PipelineSuccess is true
// only when both succeeded.
type StorageCommitResult struct {
	Relational      RelationalResult `json:"relational"`
	Vectorial       VectorialResult  `json:"vectorial"`
	PipelineSuccess bool             `json:"pipeline_success"`
}

// Partial reports a vector failure after a relational success.
func (r StorageCommitResult) Partial() bool {
	return r.Relational.Success && !r.Vectorial.Success
}

// Failure kinds recorded by the failure tracker.
const (
	ErrorKindExhausted        = "escalation_exhausted"
	ErrorKindInvalidInput     = "invalid_input"
	ErrorKindCacheWrite       = "cache_write"
	ErrorKindRelational       = "relational_failure"
	ErrorKindVectorialPartial = "vectorial_partial_failure"
	ErrorKindUnexpected       = "unexpected_error"
)

// FailureRecord is one append-only entry in the failure log.
type FailureRecord struct {
	DocumentID   DocumentID     `json:"document_id"`
	ErrorKind    string         `json:"error_kind"`
	ErrorMessage string         `json:"error_message"`
	Stage        string         `json:"stage"`
	Timestamp    time.Time      `json:"timestamp"`
	Context      map[string]any `json:"context,omitempty"`
}
