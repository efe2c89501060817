package searcher

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

type env struct {
	storage config.StorageConfig
	store   *record.Store
	delta   *indexer.Delta
}

func setup(t *testing.T) *env {
	t.Helper()
	storage := config.StorageConfig{DataDir: t.TempDir(), RecordStore: "database.bin"}
	store, err := record.Open(storage.RecordStorePath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, r := range []*record.Record{
		{Name: "ANA MARIA SOUZA", Role: "PROFESSOR DO MAGISTERIO SUPERIOR", Agency: "UNIVERSIDADE FEDERAL DO RIO GRANDE DO SUL"},
		{Name: "JOAO DA SILVA", Role: "ANALISTA TRIBUTARIO", Agency: "SECRETARIA DA RECEITA FEDERAL"},
		{Name: "ANA PAULA", Role: "AUDITOR FISCAL", Agency: "SECRETARIA DA RECEITA FEDERAL"},
		{Name: "MARIA JOSÉ", Role: "MEDICO", Agency: "MINISTERIO DA SAUDE"},
	} {
		_, err := store.Append(r)
		require.NoError(t, err)
	}
	_, err = indexer.NewBuilder(store, storage, config.IndexerConfig{Parallelism: 3}, nil).Rebuild(context.Background())
	require.NoError(t, err)

	delta, err := indexer.OpenDelta(store, storage, nil)
	require.NoError(t, err)
	return &env{storage: storage, store: store, delta: delta}
}

func (e *env) searcher(maxResults int) *Searcher {
	return New(e.store, e.storage, config.SearchConfig{MaxResults: maxResults}, nil)
}

func TestSearchSingleField(t *testing.T) {
	e := setup(t)
	res, err := e.searcher(0).Search(context.Background(), Query{Person: "ANA"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, res.IDs)
	assert.Equal(t, 2, res.TotalHits)
	assert.False(t, res.Cached)
}

func TestSearchAndOr(t *testing.T) {
	e := setup(t)
	s := e.searcher(0)
	ctx := context.Background()

	res, err := s.Search(ctx, Query{Person: "ANA", Agency: "SECRETARIA DA RECEITA FEDERAL"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, res.IDs)

	res, err = s.Search(ctx, Query{Person: "ANA", Agency: "MINISTERIO DA SAUDE", Mode: Or})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 4}, res.IDs)

	res, err = s.Search(ctx, Query{Person: "JOAO", Role: "MEDICO"})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}

func TestSearchPrefixDeduplicates(t *testing.T) {
	e := setup(t)
	res, err := e.searcher(0).Search(context.Background(), Query{Person: "MARIA", Prefix: true})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 4}, res.IDs)

	res, err = e.searcher(0).Search(context.Background(), Query{Agency: "SECRET", Prefix: true})
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, res.IDs)
}

func TestSearchNormalizesWhitespace(t *testing.T) {
	e := setup(t)
	res, err := e.searcher(0).Search(context.Background(), Query{Person: "  ANA   MARIA "})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, res.IDs)
}

func TestSearchMergesDelta(t *testing.T) {
	e := setup(t)
	id, err := e.delta.Insert(context.Background(), &record.Record{Name: "ANA JULIA", Role: "MEDICO", Agency: "MINISTERIO DA SAUDE"})
	require.NoError(t, err)
	require.Equal(t, uint32(5), id)

	s := e.searcher(0)
	res, err := s.Search(context.Background(), Query{Person: "ANA"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 5}, res.IDs)

	res, err = s.Search(context.Background(), Query{Person: "ANA", Role: "MEDICO"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, res.IDs)

	recs, err := s.Records(context.Background(), res.IDs)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ANA JULIA", recs[0].Name)
}

func TestSearchWithoutIndexFiles(t *testing.T) {
	storage := config.StorageConfig{DataDir: t.TempDir(), RecordStore: "database.bin"}
	store, err := record.Open(storage.RecordStorePath())
	require.NoError(t, err)
	defer store.Close()

	res, err := New(store, storage, config.SearchConfig{}, nil).Search(context.Background(), Query{Person: "ANA"})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}

func TestSearchCorruptIndexIsNoMatch(t *testing.T) {
	e := setup(t)
	require.NoError(t, os.WriteFile(e.storage.FrozenPath("name"), []byte{0xFF, 0xFF}, 0o644))

	res, err := e.searcher(0).Search(context.Background(), Query{Person: "ANA", Agency: "MINISTERIO DA SAUDE", Mode: Or})
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, res.IDs)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	e := setup(t)
	_, err := e.searcher(0).Search(context.Background(), Query{Person: "   "})
	assert.ErrorIs(t, err, ErrNoTerms)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSearchTruncates(t *testing.T) {
	e := setup(t)
	res, err := e.searcher(1).Search(context.Background(), Query{Agency: "SECRETARIA"})
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, res.IDs)
	assert.Equal(t, 2, res.TotalHits)
	assert.True(t, res.Truncated)
}

type mapCache struct {
	entries map[string][]uint32
}

func (m *mapCache) GetOrCompute(_ context.Context, key string, compute func() ([]uint32, error)) ([]uint32, bool, error) {
	if ids, ok := m.entries[key]; ok {
		return ids, true, nil
	}
	ids, err := compute()
	if err != nil {
		return nil, false, err
	}
	m.entries[key] = ids
	return ids, false, nil
}

func TestSearchUsesCache(t *testing.T) {
	e := setup(t)
	s := e.searcher(0)
	c := &mapCache{entries: map[string][]uint32{}}
	s.UseCache(c)

	first, err := s.Search(context.Background(), Query{Person: "ANA"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := s.Search(context.Background(), Query{Person: " ANA "})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.IDs, second.IDs)
}

func TestQueryKey(t *testing.T) {
	a := Query{Person: "ANA  MARIA", Mode: Or}
	b := Query{Person: "ANA MARIA", Mode: Or}
	c := Query{Person: "ANA MARIA", Mode: And}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, b.Key(), c.Key())
	assert.True(t, Query{Role: " "}.Empty())
}
