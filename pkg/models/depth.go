package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedDepth is returned for depth messages that cannot be turned into a snapshot.
var ErrMalformedDepth = errors.New("malformed depth message")

type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// Opposite returns the other side of the book.
func (s BookSide) Opposite() BookSide {
	if s == BookSideBid {
		return BookSideAsk
	}
	return BookSideBid
}

type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthSnapshot is one partial book update. Asks are best-ask first, bids
// best-bid first. A snapshot is never modified after ParseDepth returns it.
type DepthSnapshot struct {
	Symbol    string
	EventTime time.Time
	Asks      []PriceLevel
	Bids      []PriceLevel
}

// Levels returns the levels of one side, top of book first.
func (d *DepthSnapshot) Levels(side BookSide) []PriceLevel {
	if side == BookSideBid {
		return d.Bids
	}
	return d.Asks
}

// Quantities returns the resting quantity of every level on a side.
func (d *DepthSnapshot) Quantities(side BookSide) []decimal.Decimal {
	levels := d.Levels(side)
	out := make([]decimal.Decimal, len(levels))
	for i, l := range levels {
		out[i] = l.Quantity
	}
	return out
}

// Level returns the i-th level of a side, or false when the book is shallower.
func (d *DepthSnapshot) Level(side BookSide, i int) (PriceLevel, bool) {
	levels := d.Levels(side)
	if i < 0 || i >= len(levels) {
		return PriceLevel{}, false
	}
	return levels[i], true
}

// Best returns the top of book on a side.
func (d *DepthSnapshot) Best(side BookSide) (PriceLevel, bool) {
	return d.Level(side, 0)
}

// depthMessage accepts both the futures (a/b) and spot (asks/bids) spellings.
type depthMessage struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Asks      [][]string `json:"a"`
	Bids      [][]string `json:"b"`
	AsksLong  [][]string `json:"asks"`
	BidsLong  [][]string `json:"bids"`
}

// ParseDepth decodes a raw feed message into a snapshot holding at most
// maxDepth levels per side.
func ParseDepth(raw []byte, maxDepth int) (*DepthSnapshot, error) {
	var msg depthMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDepth, err)
	}

	asks, bids := msg.Asks, msg.Bids
	if asks == nil && bids == nil {
		asks, bids = msg.AsksLong, msg.BidsLong
	}
	if asks == nil && bids == nil {
		return nil, fmt.Errorf("%w: no book fields", ErrMalformedDepth)
	}

	snap := &DepthSnapshot{Symbol: msg.Symbol}
	if msg.EventTime > 0 {
		snap.EventTime = time.UnixMilli(msg.EventTime)
	}

	var err error
	if snap.Asks, err = parseLevels(asks, maxDepth, BookSideAsk); err != nil {
		return nil, err
	}
	if snap.Bids, err = parseLevels(bids, maxDepth, BookSideBid); err != nil {
		return nil, err
	}
	return snap, nil
}

func parseLevels(raw [][]string, maxDepth int, side BookSide) ([]PriceLevel, error) {
	if maxDepth > 0 && len(raw) > maxDepth {
		raw = raw[:maxDepth]
	}
	levels := make([]PriceLevel, 0, len(raw))
	for i, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("%w: %s level %d has %d fields", ErrMalformedDepth, side, i, len(entry))
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s level %d price %q", ErrMalformedDepth, side, i, entry[0])
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s level %d quantity %q", ErrMalformedDepth, side, i, entry[1])
		}
		if i > 0 && !outward(side, levels[i-1].Price, price) {
			return nil, fmt.Errorf("%w: %s levels out of order at %d", ErrMalformedDepth, side, i)
		}
		levels = append(levels, PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// outward reports whether next lies further from the top of book than prev.
func outward(side BookSide, prev, next decimal.Decimal) bool {
	if side == BookSideAsk {
		return next.GreaterThan(prev)
	}
	return next.LessThan(prev)
}
