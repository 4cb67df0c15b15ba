package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/model"
)

// pointNamespace seeds deterministic point ids, so committing the same
// document twice overwrites its points instead of duplicating them.
var pointNamespace = uuid.MustParse("6f1c2a4e-8a0b-4c57-9d8e-2b7e1f3c5a90")

// PointUpserter is the part of *qdrant.Client used for writes.
type PointUpserter interface {
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
}

// CollectionManager is the part of *qdrant.Client used at startup.
type CollectionManager interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
}

// Chunk is one embedded span of a norm. Node is the arena position the
// text came from, when the embedding stage reports it.
type Chunk struct {
	Node   *int      `json:"node,omitempty"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

type vectorialRecord struct {
	DocumentID model.DocumentID `json:"document_id"`
	PKMapping  map[string]int64 `json:"pk_mapping"`
	Embeddings []Chunk          `json:"embeddings"`
}

// Qdrant upserts one point per embedded chunk, keyed to the relational
// primary keys.
type Qdrant struct {
	points     PointUpserter
	collection string
}

var _ VectorialStore = (*Qdrant)(nil)

// NewQdrantClient connects to a Qdrant gRPC endpoint.
func NewQdrantClient(host string, port int, apiKey string, useTLS bool) (*qdrant.Client, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "storage: qdrant connect %s:%d", host, port)
	}
	return client, nil
}

// NewQdrant writes into collection.
func NewQdrant(points PointUpserter, collection string) *Qdrant {
	return &Qdrant{points: points, collection: collection}
}

// EnsureCollection creates collection with cosine distance if missing.
func EnsureCollection(ctx context.Context, m CollectionManager, collection string, size uint64) error {
	if collection == "" {
		return eris.New("storage: qdrant: empty collection name")
	}
	exists, err := m.CollectionExists(ctx, collection)
	if err != nil {
		return eris.Wrapf(err, "storage: qdrant: check collection %s", collection)
	}
	if exists {
		return nil
	}
	err = m.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	return eris.Wrapf(err, "storage: qdrant: create collection %s", collection)
}

// PointID is the deterministic id of chunk i of a document.
func PointID(id model.DocumentID, chunk int) string {
	return uuid.NewSHA1(pointNamespace, []byte(id.String()+"/"+strconv.Itoa(chunk))).String()
}

func (q *Qdrant) StoreVectorial(ctx context.Context, data []byte) (VectorialReply, error) {
	var rec vectorialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return VectorialReply{Message: "invalid record"}, eris.Wrap(err, "storage: qdrant: decode record")
	}
	normaID, ok := rec.PKMapping[NormaKey(rec.DocumentID)]
	if !ok {
		return VectorialReply{Message: fmt.Sprintf("pk_mapping has no %s", NormaKey(rec.DocumentID))}, nil
	}
	if len(rec.Embeddings) == 0 {
		return VectorialReply{Success: true, Message: "no embeddings to store"}, nil
	}

	points := make([]*qdrant.PointStruct, 0, len(rec.Embeddings))
	for i, c := range rec.Embeddings {
		if len(c.Vector) == 0 {
			return VectorialReply{Message: fmt.Sprintf("embedding %d has no vector", i)}, nil
		}
		payload := map[string]any{
			"document_id": rec.DocumentID.String(),
			"norma_id":    normaID,
			"chunk":       i,
			"text":        c.Text,
		}
		if c.Node != nil {
			if nodeID, ok := rec.PKMapping[NodeKey(*c.Node)]; ok {
				payload["node_id"] = nodeID
			}
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(rec.DocumentID, i)),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	if _, err := q.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	}); err != nil {
		return VectorialReply{}, eris.Wrapf(err, "storage: qdrant: upsert %d points", len(points))
	}
	return VectorialReply{Success: true, Message: fmt.Sprintf("upserted %d points", len(points))}, nil
}
