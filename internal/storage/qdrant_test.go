package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoints struct {
	requests []*qdrant.UpsertPoints
	err      error
}

func (f *fakePoints) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &qdrant.UpdateResult{Status: qdrant.UpdateStatus_Completed}, nil
}

type fakeCollections struct {
	exists  bool
	created []*qdrant.CreateCollection
}

func (f *fakeCollections) CollectionExists(context.Context, string) (bool, error) {
	return f.exists, nil
}

func (f *fakeCollections) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.created = append(f.created, req)
	return nil
}

const vectorialPayload = `{
	"document_id": 1,
	"pk_mapping": {"norma_1": 42, "node_1": 101},
	"embeddings": [
		{"node": 1, "text": "Objeto.", "vector": [0.1, 0.2, 0.3]},
		{"text": "Resumen.", "vector": [0.4, 0.5, 0.6]}
	]
}`

func TestQdrant_UpsertsOnePointPerChunk(t *testing.T) {
	points := &fakePoints{}
	reply, err := NewQdrant(points, "norms").StoreVectorial(context.Background(), []byte(vectorialPayload))
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, "upserted 2 points", reply.Message)

	require.Len(t, points.requests, 1)
	req := points.requests[0]
	assert.Equal(t, "norms", req.CollectionName)
	require.Len(t, req.Points, 2)

	first := req.Points[0]
	assert.Equal(t, PointID("1", 0), first.Id.GetUuid())
	assert.Equal(t, int64(42), first.Payload["norma_id"].GetIntegerValue())
	assert.Equal(t, int64(101), first.Payload["node_id"].GetIntegerValue())
	assert.Equal(t, "Objeto.", first.Payload["text"].GetStringValue())
	assert.Equal(t, "1", first.Payload["document_id"].GetStringValue())

	second := req.Points[1]
	assert.NotContains(t, second.Payload, "node_id")
}

func TestQdrant_PointIDsAreDeterministic(t *testing.T) {
	assert.Equal(t, PointID("7", 3), PointID("7", 3))
	assert.NotEqual(t, PointID("7", 3), PointID("7", 4))
	assert.NotEqual(t, PointID("7", 3), PointID("8", 3))

	points := &fakePoints{}
	q := NewQdrant(points, "norms")
	for i := 0; i < 2; i++ {
		_, err := q.StoreVectorial(context.Background(), []byte(vectorialPayload))
		require.NoError(t, err)
	}
	assert.Equal(t, points.requests[0].Points[0].Id.GetUuid(), points.requests[1].Points[0].Id.GetUuid())
}

func TestQdrant_RequiresNormaKey(t *testing.T) {
	points := &fakePoints{}
	reply, err := NewQdrant(points, "norms").StoreVectorial(context.Background(),
		[]byte(`{"document_id": 1, "embeddings": [{"vector": [1]}]}`))
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Message, "norma_1")
	assert.Empty(t, points.requests)
}

func TestQdrant_EmptyVectorIsRejected(t *testing.T) {
	reply, err := NewQdrant(&fakePoints{}, "norms").StoreVectorial(context.Background(),
		[]byte(`{"document_id": 1, "pk_mapping": {"norma_1": 1}, "embeddings": [{"text": "x"}]}`))
	require.NoError(t, err)
	assert.False(t, reply.Success)
}

func TestQdrant_NoEmbeddings(t *testing.T) {
	points := &fakePoints{}
	reply, err := NewQdrant(points, "norms").StoreVectorial(context.Background(),
		[]byte(`{"document_id": 1, "pk_mapping": {"norma_1": 1}}`))
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Empty(t, points.requests)
}

func TestQdrant_UpsertError(t *testing.T) {
	_, err := NewQdrant(&fakePoints{err: errors.New("unavailable")}, "norms").
		StoreVectorial(context.Background(), []byte(vectorialPayload))
	assert.ErrorContains(t, err, "upsert 2 points")
}

func TestEnsureCollection(t *testing.T) {
	missing := &fakeCollections{}
	require.NoError(t, EnsureCollection(context.Background(), missing, "norms", 768))
	require.Len(t, missing.created, 1)
	assert.Equal(t, "norms", missing.created[0].CollectionName)
	assert.Equal(t, uint64(768), missing.created[0].GetVectorsConfig().GetParams().GetSize())

	present := &fakeCollections{exists: true}
	require.NoError(t, EnsureCollection(context.Background(), present, "norms", 768))
	assert.Empty(t, present.created)

	assert.Error(t, EnsureCollection(context.Background(), present, "", 768))
}
