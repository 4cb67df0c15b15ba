package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) StoreRelational(ctx context.Context, data []byte) (RelationalReply, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(RelationalReply), args.Error(1)
}

func (m *mockClient) StoreVectorial(ctx context.Context, data []byte) (VectorialReply, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(VectorialReply), args.Error(1)
}
