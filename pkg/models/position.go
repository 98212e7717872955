package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrManualIntervention marks a position whose protective stop can no longer
// be trusted and must be checked by hand.
var ErrManualIntervention = errors.New("position needs manual intervention")

// Position is the single open trade. EntryPrice is fixed at open; StopPrice
// and StopOrderID are replaced whenever the trailing stop moves.
type Position struct {
	ID           string
	Symbol       string
	Side         OrderSide
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	EntryOrderID string
	StopOrderID  string

	// Audit trail only; never read for decisions.
	PriceHistory []decimal.Decimal
	StopHistory  []decimal.Decimal

	OpenedAt    time.Time
	ClosedAt    *time.Time
	CloseReason string
}

// StopSide is the book side whose top-of-book price triggers the stop: a long
// is stopped out by selling into the bids, a short by buying from the asks.
func (p *Position) StopSide() BookSide {
	if p.Side == OrderSideBuy {
		return BookSideBid
	}
	return BookSideAsk
}

// IsLong reports whether the position profits from rising prices.
func (p *Position) IsLong() bool {
	return p.Side == OrderSideBuy
}

// PositionStatus is a read-only copy of a position published to the status API.
type PositionStatus struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	Quantity    string    `json:"quantity"`
	EntryPrice  string    `json:"entry_price"`
	StopPrice   string    `json:"stop_price"`
	StopOrderID string    `json:"stop_order_id"`
	Ratchets    int       `json:"ratchets"`
	Ticks       int       `json:"ticks"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Status snapshots the position for readers outside the dispatch path.
func (p *Position) Status() PositionStatus {
	return PositionStatus{
		ID:          p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Quantity:    p.Quantity.String(),
		EntryPrice:  p.EntryPrice.String(),
		StopPrice:   p.StopPrice.String(),
		StopOrderID: p.StopOrderID,
		Ratchets:    len(p.StopHistory),
		Ticks:       len(p.PriceHistory),
		OpenedAt:    p.OpenedAt,
	}
}
