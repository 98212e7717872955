package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// TSVBackend appends tab separated rows to a writer. Write errors are
// returned so the Writer retries them.
type TSVBackend struct {
	out    io.Writer
	closer io.Closer
}

// NewTSVBackend writes rows to out. The header line is written when
// writeHeader is set.
func NewTSVBackend(out io.Writer, columns []string, writeHeader bool) (*TSVBackend, error) {
	b := &TSVBackend{out: out}
	if c, ok := out.(io.Closer); ok {
		b.closer = c
	}

	if writeHeader {
		if _, err := fmt.Fprintln(out, strings.Join(columns, "\t")); err != nil {
			return nil, fmt.Errorf("write audit header: %w", err)
		}
	}
	return b, nil
}

// NewFileBackend appends rows to path, writing the header for a new file.
func NewFileBackend(path string, columns []string) (*TSVBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit file: %w", err)
	}

	b, err := NewTSVBackend(f, columns, info.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

func (b *TSVBackend) Write(ctx context.Context, row Row) error {
	if _, err := fmt.Fprintln(b.out, row.TSV()); err != nil {
		return fmt.Errorf("write audit row %s: %w", row.Key(), err)
	}
	return nil
}

func (b *TSVBackend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// KafkaBackend publishes each row as a JSON object keyed by position id.
type KafkaBackend struct {
	writer *kafka.Writer
}

func NewKafkaBackend(brokers []string, topic string) *KafkaBackend {
	return &KafkaBackend{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (b *KafkaBackend) Write(ctx context.Context, row Row) error {
	value, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode audit row: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(row.Key()),
		Value: value,
	})
}

func (b *KafkaBackend) Close() error {
	return b.writer.Close()
}
