package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/record"
)

func TestTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Table(&buf, nil))
	assert.Equal(t, NoMatch+"\n", buf.String())
}

func TestTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	records := []*record.Record{
		{Name: "ANA MARIA", Role: "ANALISTA", Agency: "MINISTERIO DA FAZENDA", GrossPay: "5000,00", NetPay: "4000,00"},
		{Name: "JOAO", Role: "AUDITOR\tFISCAL", Agency: "RECEITA FEDERAL", GrossPay: "12000,00"},
	}
	require.NoError(t, Table(&buf, records))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "Nome"))
	assert.Contains(t, lines[0], "Salário Líquido")
	assert.Contains(t, lines[3], "AUDITOR FISCAL")
	assert.NotContains(t, buf.String(), "\t")

	col := strings.Index(lines[0], "Cargo")
	assert.Equal(t, "ANALISTA", lines[2][col:col+len("ANALISTA")])
}

func TestDetail(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Detail(&buf, 7, &record.Record{Name: "ANA MARIA", CPF: "***.123.456-**"}))
	out := buf.String()
	assert.Contains(t, out, "Entrada:")
	assert.Contains(t, out, "7\n")
	assert.Contains(t, out, "ANA MARIA")
	assert.Contains(t, out, "***.123.456-**")
}

func TestTiming(t *testing.T) {
	var buf bytes.Buffer
	Timing(&buf, 10, 5, time.Millisecond, 2*time.Millisecond)
	assert.Contains(t, buf.String(), "10 matches, showing the first 5")
	assert.Contains(t, buf.String(), "1ms")
}
