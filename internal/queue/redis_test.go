package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T, consumer string) (*RedisStreams, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return newQueueOn(t, mr, consumer), mr
}

func newQueueOn(t *testing.T, mr *miniredis.Miniredis, consumer string) *RedisStreams {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := NewRedisStreams(client, Options{Group: "norm-structurer", Consumer: consumer})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck
	return q
}

func TestSendReceiveAck(t *testing.T) {
	q, mr := setupQueue(t, "w1")
	ctx := context.Background()

	id, err := q.Send(ctx, "norms.purified", []byte(`{"document_id":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg, err := q.Receive(ctx, "norms.purified", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "norms.purified", msg.Stream)
	assert.JSONEq(t, `{"document_id":1}`, string(msg.Body))

	require.NoError(t, q.Ack(ctx, msg))

	stream, err := mr.Stream("norms.purified")
	require.NoError(t, err)
	assert.Empty(t, stream)
}

func TestReceive_TimeoutReturnsNil(t *testing.T) {
	q, _ := setupQueue(t, "w1")

	msg, err := q.Receive(context.Background(), "norms.empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestReceive_PreservesOrder(t *testing.T) {
	q, _ := setupQueue(t, "w1")
	ctx := context.Background()

	for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, err := q.Send(ctx, "s", []byte(body))
		require.NoError(t, err)
	}
	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		msg, err := q.Receive(ctx, "s", 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.JSONEq(t, want, string(msg.Body))
		require.NoError(t, q.Ack(ctx, msg))
	}
}

func TestReceive_EntryWithoutBody(t *testing.T) {
	q, mr := setupQueue(t, "w1")
	ctx := context.Background()

	_, err := mr.XAdd("s", "*", []string{"other", "x"})
	require.NoError(t, err)

	msg, err := q.Receive(ctx, "s", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Empty(t, msg.Body)
	assert.NoError(t, q.Ack(ctx, msg))
}

func TestReceive_RedeliversUnackedAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := newQueueOn(t, mr, "w1")
	_, err := first.Send(ctx, "s", []byte(`{"n":1}`))
	require.NoError(t, err)
	msg, err := first.Receive(ctx, "s", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	// crash before ack

	restarted := newQueueOn(t, mr, "w1")
	again, err := restarted.Receive(ctx, "s", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.ID, again.ID)
	require.NoError(t, restarted.Ack(ctx, again))

	none, err := restarted.Receive(ctx, "s", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReceive_ClaimsEntryAbandonedByAnotherConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	open := func() *RedisStreams {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		q, err := NewRedisStreams(client, Options{Group: "norm-structurer", ClaimIdle: 200 * time.Millisecond})
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() }) //nolint:errcheck
		return q
	}

	crashed := open()
	_, err := crashed.Send(ctx, "s", []byte(`{"document_id":7}`))
	require.NoError(t, err)
	msg, err := crashed.Receive(ctx, "s", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	// crashed never acks and its generated name is never used again

	restarted := open()
	require.NotEqual(t, crashed.Consumer(), restarted.Consumer())

	early, err := restarted.Receive(ctx, "s", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, early, "entries are not claimed before they are idle long enough")

	time.Sleep(250 * time.Millisecond)
	again, err := restarted.Receive(ctx, "s", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.ID, again.ID)
	assert.JSONEq(t, `{"document_id":7}`, string(again.Body))
	require.NoError(t, restarted.Ack(ctx, again))

	time.Sleep(250 * time.Millisecond)
	none, err := restarted.Receive(ctx, "s", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNewRedisStreams_Validation(t *testing.T) {
	_, err := NewRedisStreams(nil, Options{Group: "g"})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close() //nolint:errcheck

	_, err = NewRedisStreams(client, Options{})
	assert.Error(t, err)

	q, err := NewRedisStreams(client, Options{Group: "g"})
	require.NoError(t, err)
	assert.NotEmpty(t, q.Consumer())
}
