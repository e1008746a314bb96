package platform

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aimigrate/services/migration"
)

type memoryOwnership struct {
	owners map[string]string
	sets   int
	err    error
}

func newMemoryOwnership() *memoryOwnership {
	return &memoryOwnership{owners: map[string]string{}}
}

func ownerKey(t migration.AssetType, id string) string { return string(t) + "/" + id }

func (m *memoryOwnership) ProjectOf(_ context.Context, t migration.AssetType, id string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.owners[ownerKey(t, id)]
	return v, ok, nil
}

func (m *memoryOwnership) SetProject(_ context.Context, t migration.AssetType, id, projectID string) error {
	m.sets++
	m.owners[ownerKey(t, id)] = projectID
	return nil
}

func (m *memoryOwnership) Remove(_ context.Context, t migration.AssetType, id string) error {
	delete(m.owners, ownerKey(t, id))
	return nil
}

type nopCloser struct{ closed bool }

func (c *nopCloser) Close() error {
	c.closed = true
	return nil
}

type captureSubscriber struct {
	subject string
	durable string
	closer  *nopCloser
	err     error
}

func (s *captureSubscriber) Subscribe(_ context.Context, subject, durable string, _ func(context.Context, []byte) error) (io.Closer, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.subject = subject
	s.durable = durable
	s.closer = &nopCloser{}
	return s.closer, nil
}

func newTestIndexer(t *testing.T) (*Indexer, *memoryOwnership) {
	t.Helper()
	store := newMemoryOwnership()
	idx, err := NewIndexer(store, &captureSubscriber{}, zerolog.Nop())
	require.NoError(t, err)
	return idx, store
}

func TestNewIndexerRequiresDeps(t *testing.T) {
	_, err := NewIndexer(nil, &captureSubscriber{}, zerolog.Nop())
	require.Error(t, err)
	_, err = NewIndexer(newMemoryOwnership(), nil, zerolog.Nop())
	require.Error(t, err)
}

func TestIndexerStartAndClose(t *testing.T) {
	sub := &captureSubscriber{}
	idx, err := NewIndexer(newMemoryOwnership(), sub, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, idx.Start(context.Background()))
	assert.Equal(t, SubjectAssetOwned, sub.subject)
	assert.Equal(t, ownershipDurable, sub.durable)

	require.NoError(t, idx.Close())
	assert.True(t, sub.closer.closed)
	require.NoError(t, idx.Close())
}

func TestIndexerStartSubscribeError(t *testing.T) {
	idx, err := NewIndexer(newMemoryOwnership(), &captureSubscriber{err: errors.New("down")}, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, idx.Start(context.Background()))
}

func TestHandleOwnedIndexesAsset(t *testing.T) {
	idx, store := newTestIndexer(t)

	err := idx.handleOwned(context.Background(), []byte(`{"asset_type":"tool","asset_id":"t1","prj_seq":7}`))
	require.NoError(t, err)
	assert.Equal(t, "7", store.owners["TOOL/t1"])

	require.NoError(t, idx.handleOwned(context.Background(), []byte(`{"asset_type":"TOOL","asset_id":"t1","prj_seq":"7"}`)))
	assert.Equal(t, 1, store.sets)

	require.NoError(t, idx.handleOwned(context.Background(), []byte(`{"asset_type":"TOOL","asset_id":"t1","prj_seq":"9"}`)))
	assert.Equal(t, "9", store.owners["TOOL/t1"])
	assert.Equal(t, 2, store.sets)
}

func TestHandleOwnedDeleted(t *testing.T) {
	idx, store := newTestIndexer(t)
	store.owners["MODEL/m1"] = "3"

	require.NoError(t, idx.handleOwned(context.Background(), []byte(`{"asset_type":"MODEL","asset_id":"m1","deleted":true}`)))
	_, ok := store.owners["MODEL/m1"]
	assert.False(t, ok)
}

func TestHandleOwnedRejectsMalformed(t *testing.T) {
	idx, _ := newTestIndexer(t)
	ctx := context.Background()

	for name, payload := range map[string]string{
		"not json":     `nope`,
		"unknown type": `{"asset_type":"WIDGET","asset_id":"w","prj_seq":"1"}`,
		"missing id":   `{"asset_type":"TOOL","prj_seq":"1"}`,
		"missing prj":  `{"asset_type":"TOOL","asset_id":"t1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			require.Error(t, idx.handleOwned(ctx, []byte(payload)))
		})
	}
}

func TestHandleOwnedStoreError(t *testing.T) {
	idx, store := newTestIndexer(t)
	store.err = errors.New("db down")
	require.Error(t, idx.handleOwned(context.Background(), []byte(`{"asset_type":"TOOL","asset_id":"t1","prj_seq":"1"}`)))
}
