package store_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"offline0/internal/store"
	"offline0/internal/store/mock"
)

func newRedisStore(t *testing.T) (*store.Redis, *mock.MockRedisClient) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockRedisClient(ctrl)
	return store.NewRedis(client, "test", zap.NewNop()), client
}

func TestRedis_Match_Miss(t *testing.T) {
	s, client := newRedisStore(t)

	client.EXPECT().HGet(gomock.Any(), "test:partition:static-v1", "https://example.com/a.css").
		Return(redis.NewStringResult("", redis.Nil))

	_, ok, err := s.Match(context.Background(), "static-v1", "https://example.com/a.css")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_PutThenMatch(t *testing.T) {
	s, client := newRedisStore(t)
	ctx := context.Background()

	var stored []byte
	client.EXPECT().HSet(gomock.Any(), "test:partition:dynamic-v1", "https://example.com/", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, values ...any) *redis.IntCmd {
			require.Len(t, values, 2)
			stored = values[1].([]byte)
			return redis.NewIntResult(1, nil)
		})
	client.EXPECT().SAdd(gomock.Any(), "test:partitions", "dynamic-v1").Return(redis.NewIntResult(1, nil))

	ent := store.NewEntry(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, []byte("<html>"))
	require.NoError(t, s.Put(ctx, "dynamic-v1", "https://example.com/", ent))
	require.NotEmpty(t, stored)

	client.EXPECT().HGet(gomock.Any(), "test:partition:dynamic-v1", "https://example.com/").
		Return(redis.NewStringResult(string(stored), nil))

	got, ok, err := s.Match(ctx, "dynamic-v1", "https://example.com/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>", string(got.Body))
	assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
}

func TestRedis_Match_Error(t *testing.T) {
	s, client := newRedisStore(t)

	client.EXPECT().HGet(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(redis.NewStringResult("", errors.New("connection refused")))

	_, ok, err := s.Match(context.Background(), "static-v1", "k")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestRedis_Match_CorruptEntryIsMiss(t *testing.T) {
	s, client := newRedisStore(t)

	client.EXPECT().HGet(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(redis.NewStringResult("not-gob", nil))

	_, ok, err := s.Match(context.Background(), "static-v1", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_PartitionsSorted(t *testing.T) {
	s, client := newRedisStore(t)

	client.EXPECT().SMembers(gomock.Any(), "test:partitions").
		Return(redis.NewStringSliceResult([]string{"static-v2", "dynamic-v2", "image-v2"}, nil))

	names, err := s.Partitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamic-v2", "image-v2", "static-v2"}, names)
}

func TestRedis_DeletePartition(t *testing.T) {
	s, client := newRedisStore(t)

	gomock.InOrder(
		client.EXPECT().SRem(gomock.Any(), "test:partitions", "static-v1").Return(redis.NewIntResult(1, nil)),
		client.EXPECT().Del(gomock.Any(), "test:partition:static-v1").Return(redis.NewIntResult(1, nil)),
	)

	deleted, err := s.DeletePartition(context.Background(), "static-v1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestRedis_DeleteMissingPartition(t *testing.T) {
	s, client := newRedisStore(t)

	client.EXPECT().SRem(gomock.Any(), gomock.Any(), gomock.Any()).Return(redis.NewIntResult(0, nil))
	client.EXPECT().Del(gomock.Any(), gomock.Any()).Return(redis.NewIntResult(0, nil))

	deleted, err := s.DeletePartition(context.Background(), "nope-v1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRedis_KeysAndOpen(t *testing.T) {
	s, client := newRedisStore(t)

	client.EXPECT().SAdd(gomock.Any(), "test:partitions", "image-v1").Return(redis.NewIntResult(1, nil))
	client.EXPECT().HKeys(gomock.Any(), "test:partition:image-v1").
		Return(redis.NewStringSliceResult([]string{"b", "a"}, nil))
	client.EXPECT().Close().Return(nil)

	require.NoError(t, s.Open(context.Background(), "image-v1"))
	keys, err := s.Keys(context.Background(), "image-v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	require.NoError(t, s.Close())
}
