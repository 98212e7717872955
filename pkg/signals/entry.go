package signals

import (
	"errors"
	"fmt"

	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrShallowBook is returned when a side has no second level to price from.
var ErrShallowBook = errors.New("book too shallow to price entry")

// Decision reasons, also used as metric labels.
const (
	ReasonEnter          = "enter"
	ReasonBalanced       = "balanced"
	ReasonEmptyBook      = "empty_book"
	ReasonWallNearTop    = "wall_near_top"
	ReasonTopOfBookHeavy = "top_of_book_heavy"
)

// EntryPolicy gates entries on the weak side's depth profile.
type EntryPolicy struct {
	// LowVolumeFloor is the largest top-of-book quantity considered thin.
	LowVolumeFloor decimal.Decimal
	// ModerateMinIndex and LargeMinIndex are the shallowest indices at which a
	// moderate or large wall stops blocking an entry.
	ModerateMinIndex int
	LargeMinIndex    int
}

// DefaultEntryPolicy returns the reference index thresholds.
func DefaultEntryPolicy(lowVolumeFloor decimal.Decimal) EntryPolicy {
	return EntryPolicy{
		LowVolumeFloor:   lowVolumeFloor,
		ModerateMinIndex: 6,
		LargeMinIndex:    8,
	}
}

// ShouldEnter reports whether the classified weak side admits an entry.
func (p EntryPolicy) ShouldEnter(c WallClassification, quantities []decimal.Decimal) bool {
	return p.evaluate(c, quantities) == ReasonEnter
}

func (p EntryPolicy) evaluate(c WallClassification, quantities []decimal.Decimal) string {
	if len(quantities) == 0 {
		return ReasonEmptyBook
	}

	switch c.Strength {
	case WallModerate:
		if !allAtOrBeyond(c, p.ModerateMinIndex) {
			return ReasonWallNearTop
		}
	case WallLarge:
		if !allAtOrBeyond(c, p.LargeMinIndex) {
			return ReasonWallNearTop
		}
	}

	if quantities[0].GreaterThan(p.LowVolumeFloor) {
		return ReasonTopOfBookHeavy
	}
	return ReasonEnter
}

func allAtOrBeyond(c WallClassification, minIndex int) bool {
	for i := range c.SupportingLevels {
		if i < minIndex {
			return false
		}
	}
	return true
}

// Params bundles the thresholds for one evaluation of a snapshot.
type Params struct {
	MaxDepth       int
	ModerateFloor  decimal.Decimal
	LargeThreshold decimal.Decimal
	Policy         EntryPolicy
}

// Decision is the outcome of running a snapshot through detection,
// classification and the entry policy.
type Decision struct {
	Signal         ImbalanceSignal
	Classification WallClassification
	Enter          bool
	Reason         string
}

// Decide runs the full signal pipeline on one snapshot.
func Decide(snap *models.DepthSnapshot, p Params) Decision {
	sig := DetectImbalance(snap, p.MaxDepth)
	if sig.Dominant == Balanced {
		return Decision{Signal: sig, Reason: ReasonBalanced}
	}

	weak := snap.Quantities(sig.WeakSide())
	class := ClassifyWalls(weak, p.ModerateFloor, p.LargeThreshold)
	reason := p.Policy.evaluate(class, weak)

	return Decision{
		Signal:         sig,
		Classification: class,
		Enter:          reason == ReasonEnter,
		Reason:         reason,
	}
}

// EntryPlan holds the prices and sides of the entry and its protective stop.
type EntryPlan struct {
	Side       models.OrderSide
	EntryPrice decimal.Decimal
	StopSide   models.OrderSide
	StopPrice  decimal.Decimal
}

// PlanEntry prices an entry off the level behind the dominant side's top of
// book, which is expected to be consumed, and the protective stop off the
// level behind the weak side's top of book. Bids stronger opens a short,
// asks stronger opens a long.
func PlanEntry(snap *models.DepthSnapshot, sig ImbalanceSignal) (EntryPlan, error) {
	if sig.Dominant == Balanced {
		return EntryPlan{}, fmt.Errorf("plan entry: balanced book")
	}

	dominant, ok := snap.Level(sig.DominantSide(), 1)
	if !ok {
		return EntryPlan{}, fmt.Errorf("plan entry: %s side: %w", sig.DominantSide(), ErrShallowBook)
	}
	weak, ok := snap.Level(sig.WeakSide(), 1)
	if !ok {
		return EntryPlan{}, fmt.Errorf("plan entry: %s side: %w", sig.WeakSide(), ErrShallowBook)
	}

	side := models.OrderSideBuy
	if sig.Dominant == BidsStronger {
		side = models.OrderSideSell
	}

	return EntryPlan{
		Side:       side,
		EntryPrice: dominant.Price,
		StopSide:   side.Opposite(),
		StopPrice:  weak.Price,
	}, nil
}
