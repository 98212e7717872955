// Package signals turns depth snapshots into entry decisions: which side of
// the book dominates, where the weak side's liquidity walls sit, and whether
// the weak side's top of book is thin enough to act on.
package signals

import (
	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/shopspring/decimal"
)

type Dominance int

const (
	Balanced Dominance = iota
	BidsStronger
	AsksStronger
)

func (d Dominance) String() string {
	switch d {
	case BidsStronger:
		return "bids_stronger"
	case AsksStronger:
		return "asks_stronger"
	default:
		return "balanced"
	}
}

type ImbalanceSignal struct {
	Dominant    Dominance
	BidPressure decimal.Decimal
	AskPressure decimal.Decimal
}

// DominantSide returns the stronger side of the book. Only meaningful when
// the signal is not balanced.
func (s ImbalanceSignal) DominantSide() models.BookSide {
	if s.Dominant == BidsStronger {
		return models.BookSideBid
	}
	return models.BookSideAsk
}

// WeakSide returns the side whose depth profile is inspected for walls.
func (s ImbalanceSignal) WeakSide() models.BookSide {
	return s.DominantSide().Opposite()
}

// DetectImbalance compares the average resting quantity per level of each
// side over maxDepth levels.
func DetectImbalance(snap *models.DepthSnapshot, maxDepth int) ImbalanceSignal {
	bidSum := sum(snap.Quantities(models.BookSideBid))
	askSum := sum(snap.Quantities(models.BookSideAsk))

	sig := ImbalanceSignal{BidPressure: bidSum, AskPressure: askSum}
	if maxDepth > 0 {
		depth := decimal.NewFromInt(int64(maxDepth))
		sig.BidPressure = bidSum.Div(depth)
		sig.AskPressure = askSum.Div(depth)
	}

	// Both pressures share the divisor; compare the exact sums.
	switch bidSum.Cmp(askSum) {
	case 1:
		sig.Dominant = BidsStronger
	case -1:
		sig.Dominant = AsksStronger
	default:
		sig.Dominant = Balanced
	}
	return sig
}

func sum(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
