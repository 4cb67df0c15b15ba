package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/metrics"
	"github.com/sells-group/norm-structurer/internal/model"
)

// DefaultStripFields are removed before the relational write.
var DefaultStripFields = []string{"embedding", "embeddings", "vector", "vectors"}

// ErrNoPKMapping marks a relational success that returned no primary keys.
// The commit is treated as a relational failure.
var ErrNoPKMapping = eris.New("storage: relational store returned no pk_mapping")

// PKMappingField is the record key the relational primary keys are added
// under before the vector write.
const PKMappingField = "pk_mapping"

// CoordinatorOptions tune a Coordinator.
type CoordinatorOptions struct {
	StripFields []string
	// Timeout bounds each phase; zero means no extra deadline.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Coordinator runs the two-phase commit protocol. Phases are sequential and
// there is no rollback: a vector failure after a relational success is
// reported as a partial failure.
type Coordinator struct {
	client  StorageClient
	strip   map[string]bool
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewCoordinator builds a Coordinator over client.
func NewCoordinator(client StorageClient, opts CoordinatorOptions) *Coordinator {
	fields := opts.StripFields
	if len(fields) == 0 {
		fields = DefaultStripFields
	}
	strip := make(map[string]bool, len(fields))
	for _, f := range fields {
		strip[f] = true
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		client:  client,
		strip:   strip,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		log:     log.With(zap.String("component", "storage.coordinator")),
	}
}

// Commit writes record to the relational store, then the enriched record
// to the vector store. record is not modified.
func (c *Coordinator) Commit(ctx context.Context, record map[string]any) model.StorageCommitResult {
	var res model.StorageCommitResult
	log := c.log
	if id, ok := record["document_id"]; ok {
		log = log.With(zap.Any("document_id", id))
	}

	rel, err := c.relational(ctx, StripFields(record, c.strip))
	switch {
	case err != nil:
		res.Relational = model.RelationalResult{Message: err.Error()}
	case !rel.Success:
		res.Relational = model.RelationalResult{Message: rel.Message}
	case len(rel.PKMapping) == 0:
		// the vector write needs the relational keys
		res.Relational = model.RelationalResult{Message: ErrNoPKMapping.Error()}
	default:
		res.Relational = model.RelationalResult{Success: true, Message: rel.Message, PKMapping: rel.PKMapping}
	}
	c.metrics.StorageCommit("relational", res.Relational.Success)

	if !res.Relational.Success {
		res.Vectorial = model.VectorialResult{Message: model.SkippedRelationalFailure}
		log.Warn("storage: relational commit failed, vector commit skipped",
			zap.String("message", res.Relational.Message))
		return res
	}

	vec, err := c.vectorial(ctx, Enrich(record, res.Relational.PKMapping))
	switch {
	case err != nil:
		res.Vectorial = model.VectorialResult{Message: err.Error()}
	default:
		res.Vectorial = model.VectorialResult{Success: vec.Success, Message: vec.Message}
	}
	c.metrics.StorageCommit("vectorial", res.Vectorial.Success)

	res.PipelineSuccess = res.Vectorial.Success
	if res.Partial() {
		log.Warn("storage: partial commit, relational rows have no vectors",
			zap.Any("pk_mapping", res.Relational.PKMapping),
			zap.String("message", res.Vectorial.Message))
	}
	return res
}

func (c *Coordinator) relational(ctx context.Context, record map[string]any) (RelationalReply, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return RelationalReply{}, err
	}
	ctx, cancel := c.phaseContext(ctx)
	defer cancel()
	return c.client.StoreRelational(ctx, data)
}

func (c *Coordinator) vectorial(ctx context.Context, record map[string]any) (VectorialReply, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return VectorialReply{}, err
	}
	ctx, cancel := c.phaseContext(ctx)
	defer cancel()
	return c.client.StoreVectorial(ctx, data)
}

func (c *Coordinator) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// StripFields returns a deep copy of record without the given keys at any
// depth, including inside arrays.
func StripFields(record map[string]any, fields map[string]bool) map[string]any {
	out, _ := stripValue(record, fields).(map[string]any)
	return out
}

func stripValue(v any, fields map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if fields[k] {
				continue
			}
			out[k] = stripValue(val, fields)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripValue(val, fields)
		}
		return out
	default:
		return v
	}
}

// Enrich returns a shallow copy of record carrying the relational keys.
func Enrich(record map[string]any, pks map[string]int64) map[string]any {
	out := make(map[string]any, len(record)+1)
	for k, v := range record {
		out[k] = v
	}
	out[PKMappingField] = pks
	return out
}
