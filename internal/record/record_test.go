package record

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
)

func worker(name, role, agency string) *Record {
	return &Record{
		Name:     name,
		ID:       "1234567",
		CPF:      "***.123.456-**",
		Role:     role,
		Agency:   agency,
		GrossPay: "10432,17",
		NetPay:   "7811,02",
	}
}

func TestSize(t *testing.T) {
	assert.Equal(t, 395, Size)
	assert.Equal(t, 60, Width("name"))
	assert.Equal(t, 20, Width("weekly_hours"))
	assert.Equal(t, 0, Width("salary"))
}

func TestMarshalRoundTrip(t *testing.T) {
	in := worker("JOSÉ DA SILVA", "ANALISTA TRIBUTARIO", "SECRETARIA DA RECEITA FEDERAL")
	in.LeaveStart = "01/02/2020"
	in.WeeklyHours = "40 HORAS SEMANAIS"

	data, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, Size)

	var out Record
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, *in, out)
}

func TestMarshalTruncatesAtRuneBoundary(t *testing.T) {
	// 59 ASCII bytes followed by a two-byte rune that does not fit.
	name := strings.Repeat("A", 59) + "É"
	data, err := (&Record{Name: name}).MarshalBinary()
	require.NoError(t, err)

	var out Record
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, strings.Repeat("A", 59), out.Name)
}

func TestUnmarshalRejectsInvalidUTF8(t *testing.T) {
	data, err := worker("ANA", "", "").MarshalBinary()
	require.NoError(t, err)
	data[1] = 0xFF

	var out Record
	assert.ErrorIs(t, out.UnmarshalBinary(data), apperrors.ErrInvalidEncoding)
	assert.ErrorIs(t, out.UnmarshalBinary(data[:10]), apperrors.ErrInvalidInput)
}

func TestStoreAppendAndGet(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "database.bin"))
	require.NoError(t, err)
	defer s.Close()

	count, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	id, err := s.Append(worker("ANA MARIA", "PROFESSOR", "UFRGS"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	id, err = s.Append(worker("JOAO SILVA", "MEDICO", "MINISTERIO DA SAUDE"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	rec, err := s.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "JOAO SILVA", rec.Name)
	assert.Equal(t, "MINISTERIO DA SAUDE", rec.Agency)

	_, err = s.Get(0)
	assert.ErrorIs(t, err, apperrors.ErrRecordOutOfRange)
	_, err = s.Get(3)
	assert.ErrorIs(t, err, apperrors.ErrRecordOutOfRange)

	recs, err := s.GetMany([]uint32{2, 9, 1})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "JOAO SILVA", recs[0].Name)
	assert.Equal(t, "ANA MARIA", recs[1].Name)
}

func TestStoreIgnoresTrailingPartialRecord(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "database.bin"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(worker("ANA", "", ""))
	require.NoError(t, err)
	_, err = s.file.WriteAt([]byte("torn"), int64(Size))
	require.NoError(t, err)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	id, err := s.Append(worker("BIA", "", ""))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)
	rec, err := s.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "BIA", rec.Name)
}

func TestWriterAndScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.bin")
	s, err := Create(path)
	require.NoError(t, err)

	w, err := s.Writer()
	require.NoError(t, err)
	names := []string{"ANA MARIA", "JOAO", "JOAO SILVA", "MARCOS"}
	for i, n := range names {
		id, err := w.Write(worker(n, "", ""))
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), id)
	}
	require.NoError(t, w.Flush())
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var got []string
	var ids []uint32
	err = s.Scan(context.Background(), func(id uint32, rec *Record) error {
		ids = append(ids, id)
		got = append(got, rec.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, names, got)
	assert.Equal(t, []uint32{1, 2, 3, 4}, ids)
}

func TestScanStopsOnCancel(t *testing.T) {
	s, err := Create(filepath.Join(t.TempDir(), "database.bin"))
	require.NoError(t, err)
	defer s.Close()

	w, err := s.Writer()
	require.NoError(t, err)
	for i := 0; i < 2*scanCheckEvery; i++ {
		_, err := w.Write(worker("ANA", "", ""))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	seen := 0
	err = s.Scan(ctx, func(uint32, *Record) error {
		seen++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, scanCheckEvery-1, seen)
}
