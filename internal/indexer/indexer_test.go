package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/internal/trie"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

type fixture struct {
	storage config.StorageConfig
	store   *record.Store
}

func newFixture(t *testing.T, recs ...*record.Record) *fixture {
	t.Helper()
	storage := config.StorageConfig{DataDir: t.TempDir(), RecordStore: "database.bin"}
	store, err := record.Open(storage.RecordStorePath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, r := range recs {
		_, err := store.Append(r)
		require.NoError(t, err)
	}
	return &fixture{storage: storage, store: store}
}

func (f *fixture) builder(parallelism int) *Builder {
	return NewBuilder(f.store, f.storage, config.IndexerConfig{Parallelism: parallelism, CheckEvery: 2}, nil)
}

func lookup(t *testing.T, path, query string, prefix bool) []uint32 {
	t.Helper()
	r, err := trie.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.Lookup(query, prefix)
	require.NoError(t, err)
	return got
}

func worker(name, role, agency string) *record.Record {
	return &record.Record{Name: name, Role: role, Agency: agency}
}

func TestPhrases(t *testing.T) {
	assert.Equal(t, []string{"ANA", "ANA MARIA", "MARIA"}, Phrases("ANA MARIA"))
	assert.Equal(t, []string{"ANA", "ANA MARIA", "MARIA"}, Phrases("  ANA \t MARIA  "))
	assert.Nil(t, Phrases(""))
	assert.Nil(t, Phrases("   "))

	for k := 1; k <= 8; k++ {
		words := make([]string, k)
		for i := range words {
			words[i] = fmt.Sprintf("W%d", i)
		}
		text := ""
		for i, w := range words {
			if i > 0 {
				text += " "
			}
			text += w
		}
		phrases := Phrases(text)
		assert.Len(t, phrases, k*(k+1)/2, text)

		seen := map[string]bool{}
		for _, p := range phrases {
			seen[p] = true
		}
		assert.Len(t, seen, k*(k+1)/2, text)
	}
}

func TestIndexTextAddsEveryPhrase(t *testing.T) {
	tr := trie.New()
	n := IndexText(tr, "MINISTERIO DA SAUDE", 3)
	assert.Equal(t, 6, n)
	for _, p := range []string{"MINISTERIO", "DA", "SAUDE", "MINISTERIO DA", "DA SAUDE", "MINISTERIO DA SAUDE"} {
		assert.Equal(t, []uint32{3}, tr.Values(p), p)
	}
	assert.Nil(t, tr.Values("MINISTERIO SAUDE"))
}

func TestParseField(t *testing.T) {
	f, err := ParseField(" Role ")
	require.NoError(t, err)
	assert.Equal(t, FieldRole, f)

	_, err = ParseField("salary")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestBuildAnaMariaScenario(t *testing.T) {
	fx := newFixture(t,
		worker("BRUNO", "", ""),
		worker("CARLOS", "", ""),
		worker("DIEGO", "", ""),
		worker("EDUARDO", "", ""),
		worker("FABIO", "", ""),
		worker("GUSTAVO", "", ""),
		worker("ANA MARIA", "", ""),
	)
	res, err := fx.builder(1).Build(context.Background(), FieldName)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), res.Records)
	assert.Equal(t, 9, res.Phrases)

	path := fx.storage.FrozenPath("name")
	assert.Equal(t, []uint32{7}, lookup(t, path, "ANA", false))
	assert.Equal(t, []uint32{7}, lookup(t, path, "MARIA", false))
	assert.Equal(t, []uint32{7}, lookup(t, path, "ANA MARIA", false))
	assert.Empty(t, lookup(t, path, "MARI", false))
	assert.ElementsMatch(t, []uint32{7, 7}, lookup(t, path, "ANA", true))
}

func TestBuildJoaoScenario(t *testing.T) {
	fx := newFixture(t,
		worker("JOAO", "", ""),
		worker("JOAO SILVA", "", ""),
	)
	_, err := fx.builder(1).Build(context.Background(), FieldName)
	require.NoError(t, err)

	path := fx.storage.FrozenPath("name")
	// "JOAO SILVA" also indexes its first word.
	assert.ElementsMatch(t, []uint32{1, 2}, lookup(t, path, "JOAO", false))
	assert.ElementsMatch(t, []uint32{1, 2, 2}, lookup(t, path, "JOAO", true))
	assert.Equal(t, []uint32{2}, lookup(t, path, "SILVA", false))
}

func TestBuildEmptyStore(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.builder(1).Build(context.Background(), FieldAgency)
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.Equal(t, 1, res.Nodes)
	assert.Empty(t, lookup(t, fx.storage.FrozenPath("agency"), "UFRGS", true))
}

func TestBuildHonoursCancellation(t *testing.T) {
	fx := newFixture(t, worker("ANA", "", ""), worker("BIA", "", ""), worker("CAIO", "", ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := fx.builder(1).Build(ctx, FieldName)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, res.Err, context.Canceled)
	_, statErr := os.Stat(fx.storage.FrozenPath("name"))
	assert.True(t, os.IsNotExist(statErr))
}

func sampleWorkers() []*record.Record {
	return []*record.Record{
		worker("ANA MARIA SOUZA", "PROFESSOR DO MAGISTERIO SUPERIOR", "UNIVERSIDADE FEDERAL DO RIO GRANDE DO SUL"),
		worker("JOÃO DA SILVA", "ANALISTA TRIBUTARIO", "SECRETARIA DA RECEITA FEDERAL"),
		worker("JOSÉ CARLOS", "AUDITOR FISCAL", "SECRETARIA DA RECEITA FEDERAL"),
		worker("MARIA JOSÉ", "MEDICO", "MINISTERIO DA SAUDE"),
		worker("MARCOS", "", ""),
		worker("ANA", "ENFERMEIRO", "MINISTERIO DA SAUDE"),
	}
}

func TestConcurrentRebuildMatchesSequential(t *testing.T) {
	seq := newFixture(t, sampleWorkers()...)
	par := newFixture(t, sampleWorkers()...)

	seqReport, err := seq.builder(1).Rebuild(context.Background())
	require.NoError(t, err)
	parReport, err := par.builder(3).Rebuild(context.Background())
	require.NoError(t, err)
	assert.True(t, seqReport.OK())
	assert.True(t, parReport.OK())
	assert.NotEqual(t, seqReport.RunID, parReport.RunID)
	require.Len(t, parReport.Results, 3)

	for _, f := range Fields {
		a, err := os.ReadFile(seq.storage.FrozenPath(f.String()))
		require.NoError(t, err)
		b, err := os.ReadFile(par.storage.FrozenPath(f.String()))
		require.NoError(t, err)
		assert.Equal(t, a, b, f.String())
	}
	assert.Equal(t, []uint32{2, 3}, lookup(t, par.storage.FrozenPath("agency"), "SECRETARIA DA RECEITA FEDERAL", false))
	assert.ElementsMatch(t, []uint32{1, 4}, lookup(t, par.storage.FrozenPath("name"), "MARIA", false))
}

func TestDeltaInsertIsSearchable(t *testing.T) {
	fx := newFixture(t, sampleWorkers()...)
	_, err := fx.builder(3).Rebuild(context.Background())
	require.NoError(t, err)
	frozenBefore, err := os.ReadFile(fx.storage.FrozenPath("name"))
	require.NoError(t, err)

	d, err := OpenDelta(fx.store, fx.storage, nil)
	require.NoError(t, err)
	id, err := d.Insert(context.Background(), worker("JULIANA PAES", "ATRIZ", "MINISTERIO DA CULTURA"))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)

	assert.Equal(t, []uint32{7}, lookup(t, fx.storage.DeltaPath("name"), "PAES", false))
	assert.Equal(t, []uint32{7}, lookup(t, fx.storage.DeltaPath("agency"), "MINISTERIO DA CULTURA", false))
	assert.Equal(t, []uint32{7}, lookup(t, fx.storage.DeltaPath("role"), "ATR", true))
	assert.Empty(t, lookup(t, fx.storage.FrozenPath("name"), "PAES", false))

	frozenAfter, err := os.ReadFile(fx.storage.FrozenPath("name"))
	require.NoError(t, err)
	assert.Equal(t, frozenBefore, frozenAfter)

	reopened, err := OpenDelta(fx.store, fx.storage, nil)
	require.NoError(t, err)
	assert.Equal(t, d.Nodes(FieldName), reopened.Nodes(FieldName))
	_, err = reopened.Insert(context.Background(), worker("MARIA JULIANA", "ATRIZ", ""))
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 8}, lookup(t, fx.storage.DeltaPath("name"), "JULIANA", false))
}

func TestFailedDeltaWriteDoesNotDuplicateRecord(t *testing.T) {
	fx := newFixture(t, sampleWorkers()...)
	d, err := OpenDelta(fx.store, fx.storage, nil)
	require.NoError(t, err)

	blocked := fx.storage.DeltaPath("role")
	require.NoError(t, os.MkdirAll(blocked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocked, "occupied"), nil, 0o644))

	rec := worker("JULIANA PAES", "ATRIZ", "MINISTERIO DA CULTURA")
	for i := 0; i < 3; i++ {
		id, err := d.Insert(context.Background(), rec)
		require.Error(t, err)
		assert.Zero(t, id)
	}

	count, err := fx.store.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), count)
	for _, f := range Fields {
		assert.Equal(t, 1, d.Nodes(f), f.String())
	}
	assert.Empty(t, lookup(t, fx.storage.DeltaPath("name"), "JULIANA", false))

	require.NoError(t, os.RemoveAll(blocked))
	id, err := d.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
	count, err = fx.store.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), count)
	assert.Equal(t, []uint32{7}, lookup(t, fx.storage.DeltaPath("name"), "JULIANA", false))
	assert.Equal(t, []uint32{7}, lookup(t, fx.storage.DeltaPath("role"), "ATRIZ", false))

	id, err = d.Insert(context.Background(), worker("OUTRA PESSOA", "", ""))
	require.NoError(t, err)
	assert.Equal(t, uint32(8), id)
}

func TestPendingRecordIsAbandonedForDifferentInsert(t *testing.T) {
	fx := newFixture(t, sampleWorkers()...)
	d, err := OpenDelta(fx.store, fx.storage, nil)
	require.NoError(t, err)

	blocked := fx.storage.DeltaPath("agency")
	require.NoError(t, os.MkdirAll(blocked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocked, "occupied"), nil, 0o644))
	_, err = d.Insert(context.Background(), worker("JULIANA PAES", "ATRIZ", "MINISTERIO DA CULTURA"))
	require.Error(t, err)
	assert.Empty(t, lookup(t, fx.storage.DeltaPath("role"), "ATRIZ", false))

	require.NoError(t, os.RemoveAll(blocked))
	id, err := d.Insert(context.Background(), worker("OUTRA PESSOA", "ATRIZ", ""))
	require.NoError(t, err)
	assert.Equal(t, uint32(8), id)
	assert.Equal(t, []uint32{8}, lookup(t, fx.storage.DeltaPath("role"), "ATRIZ", false))
}

func TestRebuildDropsDeltas(t *testing.T) {
	fx := newFixture(t, sampleWorkers()...)
	d, err := OpenDelta(fx.store, fx.storage, nil)
	require.NoError(t, err)
	_, err = d.Insert(context.Background(), worker("JULIANA PAES", "ATRIZ", "MINISTERIO DA CULTURA"))
	require.NoError(t, err)

	b := fx.builder(3)
	b.AttachDelta(d)
	_, err = b.Rebuild(context.Background())
	require.NoError(t, err)

	for _, f := range Fields {
		_, err := os.Stat(fx.storage.DeltaPath(f.String()))
		assert.True(t, os.IsNotExist(err), f.String())
		assert.Equal(t, 1, d.Nodes(f))
	}
	assert.Equal(t, []uint32{7}, lookup(t, fx.storage.FrozenPath("name"), "JULIANA PAES", false))
}

func TestFailedRebuildKeepsDeltas(t *testing.T) {
	fx := newFixture(t, sampleWorkers()...)
	blocker := filepath.Join(fx.storage.DataDir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))
	fx.storage.Frozen = map[string]string{"role": filepath.Join("blocker", "role_trie.bin")}

	d, err := OpenDelta(fx.store, fx.storage, nil)
	require.NoError(t, err)
	_, err = d.Insert(context.Background(), worker("JULIANA PAES", "ATRIZ", "MINISTERIO DA CULTURA"))
	require.NoError(t, err)

	b := fx.builder(1)
	b.AttachDelta(d)
	report, err := b.Rebuild(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRebuildFailed)
	assert.False(t, report.OK())
	require.NotEmpty(t, report.Failed())
	assert.Equal(t, FieldRole, report.Failed()[0].Field)

	for _, f := range Fields {
		_, err := os.Stat(fx.storage.DeltaPath(f.String()))
		assert.NoError(t, err, f.String())
	}
	assert.Equal(t, []uint32{7}, lookup(t, fx.storage.DeltaPath("name"), "JULIANA", false))
}

func TestRebuildWithoutDeltaRemovesStaleFiles(t *testing.T) {
	fx := newFixture(t, sampleWorkers()...)
	stale := trie.New()
	stale.Add("FANTASMA", 99)
	_, err := stale.Save(fx.storage.DeltaPath("name"))
	require.NoError(t, err)

	_, err = fx.builder(2).Rebuild(context.Background(), FieldName)
	require.NoError(t, err)
	_, err = os.Stat(fx.storage.DeltaPath("name"))
	assert.True(t, os.IsNotExist(err))
}

func BenchmarkBuild(b *testing.B) {
	storage := config.StorageConfig{DataDir: b.TempDir(), RecordStore: "database.bin"}
	store, err := record.Open(storage.RecordStorePath())
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	w, err := store.Writer()
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 5000; i++ {
		if _, err := w.Write(worker(fmt.Sprintf("SERVIDOR NUMERO %d DA SILVA", i), "ANALISTA", "MINISTERIO")); err != nil {
			b.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		b.Fatal(err)
	}
	builder := NewBuilder(store, storage, config.IndexerConfig{Parallelism: 3}, nil)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := builder.Build(context.Background(), FieldName); err != nil {
			b.Fatal(err)
		}
	}
}
