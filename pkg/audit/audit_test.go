package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	rows []Row
}

func (c *collector) Enqueue(row Row) { c.rows = append(c.rows, row) }

type memoryBackend struct {
	mu       sync.Mutex
	rows     []Row
	failures int
	closed   bool
}

func (m *memoryBackend) Write(ctx context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("backend unavailable")
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *memoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryBackend) snapshot() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Row(nil), m.rows...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestTable_EmitsOnlyCompleteRows(t *testing.T) {
	out := &collector{}
	table := NewTable([]string{"a", "b", "c"}, out)

	table.Record(map[string]any{"a": 1, "ignored": "x"})
	table.Record(map[string]any{"b": decimal.RequireFromString("2.50")})
	assert.Empty(t, out.rows)

	table.Record(map[string]any{"a": "override", "c": []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2)}})
	require.Len(t, out.rows, 1)
	assert.Equal(t, "override\t2.5\t[1,2]", out.rows[0].TSV())

	table.Record(map[string]any{"a": "next"})
	assert.Len(t, out.rows, 1, "a new row starts empty")
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC)

	assert.Equal(t, "2024-03-01 12:30:45.123456", FormatValue(ts))
	assert.Equal(t, "[]", FormatValue([]decimal.Decimal{}))
	assert.Equal(t, "42", FormatValue(42))
	assert.Equal(t, "text", FormatValue("text"))
}

func TestWriter_PreservesOrder(t *testing.T) {
	backend := &memoryBackend{}
	w := NewWriter(backend, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 50; i++ {
		w.Enqueue(Row{Columns: []string{ColPositionID}, Values: map[string]string{ColPositionID: string(rune('A' + i%26))}})
	}

	require.Eventually(t, func() bool { return len(backend.snapshot()) == 50 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rows := backend.snapshot()
	for i, row := range rows {
		assert.Equal(t, string(rune('A'+i%26)), row.Key())
	}
	assert.True(t, backend.closed)
}

func TestWriter_RetriesFailedWrites(t *testing.T) {
	backend := &memoryBackend{failures: 2}
	w := NewWriter(backend, quietLogger(), WithRetry(5, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(Row{Columns: []string{"x"}, Values: map[string]string{"x": "1"}})

	require.Eventually(t, func() bool { return len(backend.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWriter_FlushesOnShutdown(t *testing.T) {
	backend := &memoryBackend{}
	w := NewWriter(backend, quietLogger())

	w.Enqueue(Row{Columns: []string{"x"}, Values: map[string]string{"x": "1"}})
	w.Enqueue(Row{Columns: []string{"x"}, Values: map[string]string{"x": "2"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	assert.Len(t, backend.snapshot(), 2)

	w.Enqueue(Row{Columns: []string{"x"}, Values: map[string]string{"x": "3"}})
	assert.Len(t, backend.snapshot(), 2, "rows after shutdown are dropped")
}

func TestTSVBackend_WritesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewTSVBackend(&buf, []string{"a", "b"}, true)
	require.NoError(t, err)

	require.NoError(t, b.Write(context.Background(), Row{Columns: []string{"a", "b"}, Values: map[string]string{"a": "1", "b": "2"}}))
	require.NoError(t, b.Close())

	assert.Equal(t, "a\tb\n1\t2\n", buf.String())
}

func TestFileBackend_HeaderOnlyForNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	row := Row{Columns: []string{"a"}, Values: map[string]string{"a": "1"}}

	first, err := NewFileBackend(path, []string{"a"})
	require.NoError(t, err)
	require.NoError(t, first.Write(context.Background(), row))
	require.NoError(t, first.Close())

	second, err := NewFileBackend(path, []string{"a"})
	require.NoError(t, err)
	require.NoError(t, second.Write(context.Background(), row))
	require.NoError(t, second.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "1", "1"}, strings.Fields(string(data)))
}

// flakyWriter rejects writes until failures runs out.
type flakyWriter struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	failures int
}

func (f *flakyWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("disk full")
	}
	return f.buf.Write(p)
}

func (f *flakyWriter) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func TestTSVBackend_ReportsWriteErrors(t *testing.T) {
	b, err := NewTSVBackend(&flakyWriter{failures: 1}, []string{"a"}, false)
	require.NoError(t, err)

	err = b.Write(context.Background(), Row{Columns: []string{"a"}, Values: map[string]string{"a": "1"}})
	assert.Error(t, err)
}

func TestWriter_RetriesFailedFileWrites(t *testing.T) {
	out := &flakyWriter{failures: 2}
	b, err := NewTSVBackend(out, []string{"a"}, false)
	require.NoError(t, err)

	w := NewWriter(b, quietLogger(), WithRetry(5, time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(Row{Columns: []string{"a"}, Values: map[string]string{"a": "1"}})

	require.Eventually(t, func() bool { return out.String() == "1\n" }, 2*time.Second, 5*time.Millisecond)
}

func TestRowJSON(t *testing.T) {
	row := Row{Columns: []string{"b", "a"}, Values: map[string]string{"a": "1", "b": "2"}}
	data, err := row.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"1","b":"2"}`, string(data))
}
