// Package storage commits embedded norms to a relational store and then a
// vector store. The relational write always happens first; the vector
// store only sees records whose primary keys already exist.
package storage

import (
	"context"

	"github.com/rotisserie/eris"
)

// RelationalReply is a relational store's answer to one commit.
type RelationalReply struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	PKMapping map[string]int64 `json:"pk_mapping,omitempty"`
}

// VectorialReply is a vector store's answer to one commit.
type VectorialReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RelationalStore persists the structured record without embeddings.
type RelationalStore interface {
	StoreRelational(ctx context.Context, data []byte) (RelationalReply, error)
}

// VectorialStore persists the enriched record including embeddings.
type VectorialStore interface {
	StoreVectorial(ctx context.Context, data []byte) (VectorialReply, error)
}

// StorageClient is the capability the coordinator commits through.
type StorageClient interface {
	RelationalStore
	VectorialStore
}

// Split combines independent relational and vector backends.
type Split struct {
	Relational RelationalStore
	Vectorial  VectorialStore
}

var _ StorageClient = Split{}

func (s Split) StoreRelational(ctx context.Context, data []byte) (RelationalReply, error) {
	if s.Relational == nil {
		return RelationalReply{}, eris.New("storage: no relational backend")
	}
	return s.Relational.StoreRelational(ctx, data)
}

func (s Split) StoreVectorial(ctx context.Context, data []byte) (VectorialReply, error) {
	if s.Vectorial == nil {
		return VectorialReply{}, eris.New("storage: no vectorial backend")
	}
	return s.Vectorial.StoreVectorial(ctx, data)
}
