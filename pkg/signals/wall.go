package signals

import (
	"sort"

	"github.com/shopspring/decimal"
)

type WallStrength int

const (
	WallNone WallStrength = iota
	WallModerate
	WallLarge
)

func (s WallStrength) String() string {
	switch s {
	case WallModerate:
		return "moderate"
	case WallLarge:
		return "large"
	default:
		return "none"
	}
}

// WallClassification reports how much resistance sits behind the weak side's
// top of book and at which depth indices. Index 0 never appears.
type WallClassification struct {
	Strength         WallStrength
	SupportingLevels map[int]decimal.Decimal
}

// Indices returns the supporting level indices in ascending order.
func (c WallClassification) Indices() []int {
	out := make([]int, 0, len(c.SupportingLevels))
	for i := range c.SupportingLevels {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// MinIndex returns the supporting level closest to the top of book.
func (c WallClassification) MinIndex() (int, bool) {
	idx := c.Indices()
	if len(idx) == 0 {
		return 0, false
	}
	return idx[0], true
}

// ClassifyWalls scans levels 1..n-1 of the weak side. Any quantity above
// largeThreshold makes the book "large" and only those levels are reported;
// otherwise quantities in (moderateFloor, largeThreshold] make it "moderate".
func ClassifyWalls(quantities []decimal.Decimal, moderateFloor, largeThreshold decimal.Decimal) WallClassification {
	large := make(map[int]decimal.Decimal)
	moderate := make(map[int]decimal.Decimal)

	for i := 1; i < len(quantities); i++ {
		q := quantities[i]
		switch {
		case q.GreaterThan(largeThreshold):
			large[i] = q
		case q.GreaterThan(moderateFloor):
			moderate[i] = q
		}
	}

	if len(large) > 0 {
		return WallClassification{Strength: WallLarge, SupportingLevels: large}
	}
	if len(moderate) > 0 {
		return WallClassification{Strength: WallModerate, SupportingLevels: moderate}
	}
	return WallClassification{Strength: WallNone, SupportingLevels: map[int]decimal.Decimal{}}
}
