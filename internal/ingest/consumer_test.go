package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	pkgkafka "github.com/rafaeelaudibert/federal-worker-blamer/pkg/kafka"
)

type fakeDelta struct {
	mu       sync.Mutex
	inserted []record.Record
	err      error
}

func (f *fakeDelta) Insert(ctx context.Context, rec *record.Record) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.inserted = append(f.inserted, *rec)
	return uint32(100 + len(f.inserted)), nil
}

type fakeCache struct{ invalidations int }

func (f *fakeCache) Invalidate(ctx context.Context) error {
	f.invalidations++
	return nil
}

type fakePublisher struct {
	fails  int
	calls  int
	events []pkgkafka.Event
}

func (f *fakePublisher) Publish(ctx context.Context, events ...pkgkafka.Event) error {
	f.calls++
	if f.calls <= f.fails {
		return errors.New("broker down")
	}
	f.events = append(f.events, events...)
	return nil
}

type fakeJournal struct {
	ids     []uint32
	sources []string
}

func (f *fakeJournal) RecordInsert(ctx context.Context, id uint32, rec *record.Record, source string) error {
	f.ids = append(f.ids, id)
	f.sources = append(f.sources, source)
	return nil
}

func message(t *testing.T, rec record.Record) []byte {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return data
}

func unthrottled() config.ConsumerConfig {
	return config.ConsumerConfig{InsertsPerSecond: 0, Burst: 1}
}

func TestHandleInsertsAndNotifies(t *testing.T) {
	delta := &fakeDelta{}
	cache := &fakeCache{}
	pub := &fakePublisher{fails: 1}
	journal := &fakeJournal{}
	h := NewHandler(delta, unthrottled(), nil).WithCache(cache).WithPublisher(pub).WithJournal(journal)

	rec := record.Record{Name: "ANA MARIA", Role: "ANALISTA", Agency: "MINISTERIO DA FAZENDA"}
	require.NoError(t, h.Handle(context.Background(), nil, message(t, rec)))

	require.Len(t, delta.inserted, 1)
	assert.Equal(t, "ANA MARIA", delta.inserted[0].Name)
	assert.Equal(t, 1, cache.invalidations)

	assert.Equal(t, 2, pub.calls)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "101", pub.events[0].Key)
	event := pub.events[0].Value.(IndexEvent)
	assert.Equal(t, EventRecordInserted, event.EventType)
	assert.Equal(t, uint32(101), event.RecordID)

	assert.Equal(t, []uint32{101}, journal.ids)
	assert.Equal(t, []string{"kafka"}, journal.sources)
}

func TestHandlePoisonMessages(t *testing.T) {
	delta := &fakeDelta{}
	h := NewHandler(delta, unthrottled(), nil)

	err := h.Handle(context.Background(), nil, []byte("{not json"))
	assert.ErrorIs(t, err, pkgkafka.ErrPoison)

	err = h.Handle(context.Background(), nil, message(t, record.Record{Role: "ANALISTA"}))
	assert.ErrorIs(t, err, pkgkafka.ErrPoison)

	err = h.Handle(context.Background(), nil, []byte(`{"name":"   "}`))
	assert.ErrorIs(t, err, pkgkafka.ErrPoison)

	assert.Empty(t, delta.inserted)
}

func TestHandleStoreFailureIsRetryable(t *testing.T) {
	delta := &fakeDelta{err: errors.New("disk full")}
	h := NewHandler(delta, unthrottled(), nil)

	err := h.Handle(context.Background(), nil, message(t, record.Record{Name: "ANA"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, pkgkafka.ErrPoison)
}

func TestHandleEncodingFailureIsPoison(t *testing.T) {
	delta := &fakeDelta{err: apperrors.ErrInvalidEncoding}
	h := NewHandler(delta, unthrottled(), nil)

	err := h.Handle(context.Background(), nil, message(t, record.Record{Name: "ANA"}))
	assert.ErrorIs(t, err, pkgkafka.ErrPoison)
}

func TestHandleWaitsForRateLimit(t *testing.T) {
	delta := &fakeDelta{}
	h := NewHandler(delta, config.ConsumerConfig{InsertsPerSecond: 0.001, Burst: 1}, nil)

	require.NoError(t, h.Handle(context.Background(), nil, message(t, record.Record{Name: "ANA"})))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.Handle(ctx, nil, message(t, record.Record{Name: "JOAO"}))
	require.Error(t, err)
	assert.Len(t, delta.inserted, 1)
}

func TestInsertRecord(t *testing.T) {
	delta := &fakeDelta{}
	journal := &fakeJournal{}
	h := NewHandler(delta, config.ConsumerConfig{InsertsPerSecond: 0.001, Burst: 1}, nil).WithJournal(journal)

	for _, name := range []string{"ANA", "JOAO"} {
		_, err := h.InsertRecord(context.Background(), &record.Record{Name: name}, "cli")
		require.NoError(t, err)
	}
	assert.Len(t, delta.inserted, 2)
	assert.Equal(t, []string{"cli", "cli"}, journal.sources)

	_, err := h.InsertRecord(context.Background(), &record.Record{Name: "  "}, "cli")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(&record.Record{Name: "ANA MARIA"}))
	assert.ErrorIs(t, Validate(&record.Record{}), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, Validate(&record.Record{Name: "\xff"}), apperrors.ErrInvalidEncoding)
}
