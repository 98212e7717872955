// Package audit records the life of each position as one tabular row and
// writes rows to durable storage off the trading path.
package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Sink accepts named audit values. Record must not block on storage.
type Sink interface {
	Record(fields map[string]any)
}

// Column names of the position audit table.
const (
	ColPositionID   = "position_id"
	ColOpeningSide  = "opening_side"
	ColEntryPrice   = "entry_price"
	ColStopPrice    = "stop_price"
	ColStopHistory  = "stop_history"
	ColPriceHistory = "price_history"
	ColClosePrice   = "close_price"
	ColOpenTime     = "open_time"
	ColCloseTime    = "close_time"
	ColCloseReason  = "close_reason"
)

// DefaultColumns is the column order of the audit table.
var DefaultColumns = []string{
	ColPositionID,
	ColOpeningSide,
	ColEntryPrice,
	ColStopPrice,
	ColStopHistory,
	ColPriceHistory,
	ColClosePrice,
	ColOpenTime,
	ColCloseTime,
	ColCloseReason,
}

const timeLayout = "2006-01-02 15:04:05.000000"

// Row is one completed audit record.
type Row struct {
	Columns []string
	Values  map[string]string
}

// Key identifies the row for keyed backends.
func (r Row) Key() string {
	return r.Values[ColPositionID]
}

// TSV renders the row as tab separated values in column order.
func (r Row) TSV() string {
	vals := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		vals[i] = r.Values[c]
	}
	return strings.Join(vals, "\t")
}

// MarshalJSON encodes the row as a flat object.
func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Values)
}

// Enqueuer receives completed rows.
type Enqueuer interface {
	Enqueue(row Row)
}

// Table assembles rows from values recorded at different moments. A row is
// handed to the writer once every column has a value; unknown columns are
// ignored and later values overwrite earlier ones.
type Table struct {
	columns []string
	out     Enqueuer

	mu      sync.Mutex
	pending map[string]string
}

func NewTable(columns []string, out Enqueuer) *Table {
	return &Table{
		columns: columns,
		out:     out,
		pending: make(map[string]string, len(columns)),
	}
}

// Columns returns the column order.
func (t *Table) Columns() []string {
	return t.columns
}

func (t *Table) Record(fields map[string]any) {
	t.mu.Lock()
	for _, c := range t.columns {
		if v, ok := fields[c]; ok {
			t.pending[c] = FormatValue(v)
		}
	}

	if !t.complete() {
		t.mu.Unlock()
		return
	}
	row := Row{Columns: t.columns, Values: t.pending}
	t.pending = make(map[string]string, len(t.columns))
	t.mu.Unlock()

	t.out.Enqueue(row)
}

func (t *Table) complete() bool {
	for _, c := range t.columns {
		if t.pending[c] == "" {
			return false
		}
	}
	return true
}

// FormatValue renders an audit value as text.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case decimal.Decimal:
		return val.String()
	case []decimal.Decimal:
		parts := make([]string, len(val))
		for i, d := range val {
			parts[i] = d.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case time.Time:
		return val.Format(timeLayout)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
