package signals

import (
	"errors"
	"testing"

	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quantities(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = d(v)
	}
	return out
}

// book builds a snapshot with asks ascending from 100.5 and bids descending
// from 100.0 in steps of 0.1.
func book(askQty, bidQty []string) *models.DepthSnapshot {
	snap := &models.DepthSnapshot{Symbol: "BTCUSDT"}
	step := d("0.1")
	for i, q := range askQty {
		snap.Asks = append(snap.Asks, models.PriceLevel{
			Price:    d("100.5").Add(step.Mul(decimal.NewFromInt(int64(i)))),
			Quantity: d(q),
		})
	}
	for i, q := range bidQty {
		snap.Bids = append(snap.Bids, models.PriceLevel{
			Price:    d("100.0").Sub(step.Mul(decimal.NewFromInt(int64(i)))),
			Quantity: d(q),
		})
	}
	return snap
}

var testParams = Params{
	MaxDepth:       20,
	ModerateFloor:  d("1.0"),
	LargeThreshold: d("1.6"),
	Policy:         DefaultEntryPolicy(d("0.6")),
}

func TestDetectImbalance(t *testing.T) {
	tests := []struct {
		name string
		asks []string
		bids []string
		want Dominance
	}{
		{"bids stronger", []string{"1", "1"}, []string{"2", "1"}, BidsStronger},
		{"asks stronger", []string{"3"}, []string{"1", "1"}, AsksStronger},
		{"equal sums", []string{"0.5", "1.5"}, []string{"1", "1"}, Balanced},
		{"empty book", nil, nil, Balanced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := DetectImbalance(book(tt.asks, tt.bids), 20)
			assert.Equal(t, tt.want, sig.Dominant)
		})
	}
}

func TestDetectImbalance_Pressure(t *testing.T) {
	sig := DetectImbalance(book([]string{"1", "1"}, []string{"4", "2"}), 20)

	assert.True(t, sig.BidPressure.Equal(d("0.3")))
	assert.True(t, sig.AskPressure.Equal(d("0.1")))
	assert.Equal(t, models.BookSideBid, sig.DominantSide())
	assert.Equal(t, models.BookSideAsk, sig.WeakSide())
}

func TestDecide_BalancedTakesNoAction(t *testing.T) {
	dec := Decide(book([]string{"0.1", "2.0"}, []string{"1.0", "1.1"}), testParams)

	assert.Equal(t, Balanced, dec.Signal.Dominant)
	assert.False(t, dec.Enter)
	assert.Equal(t, ReasonBalanced, dec.Reason)
	assert.Empty(t, dec.Classification.SupportingLevels)
}

func TestClassifyWalls(t *testing.T) {
	floor, large := d("1.0"), d("1.6")

	t.Run("index zero is never a wall", func(t *testing.T) {
		c := ClassifyWalls(quantities("5.0", "0.2", "0.3"), floor, large)
		assert.Equal(t, WallNone, c.Strength)
		assert.NotContains(t, c.SupportingLevels, 0)
		assert.NotNil(t, c.SupportingLevels)
	})

	t.Run("single large level at index five", func(t *testing.T) {
		c := ClassifyWalls(quantities("0.1", "0.2", "0.3", "0.4", "0.5", "1.7", "0.2"), floor, large)
		assert.Equal(t, WallLarge, c.Strength)
		require.Len(t, c.SupportingLevels, 1)
		assert.True(t, c.SupportingLevels[5].Equal(d("1.7")))
	})

	t.Run("large hides moderate levels", func(t *testing.T) {
		c := ClassifyWalls(quantities("0.1", "1.2", "2.0", "1.3"), floor, large)
		assert.Equal(t, WallLarge, c.Strength)
		assert.Equal(t, []int{2}, c.Indices())
	})

	t.Run("moderate bounds", func(t *testing.T) {
		c := ClassifyWalls(quantities("0.1", "1.0", "1.6", "1.05"), floor, large)
		assert.Equal(t, WallModerate, c.Strength)
		assert.Equal(t, []int{2, 3}, c.Indices())
		idx, ok := c.MinIndex()
		require.True(t, ok)
		assert.Equal(t, 2, idx)
	})

	t.Run("nothing above the floor", func(t *testing.T) {
		c := ClassifyWalls(quantities("0.1", "0.9", "1.0"), floor, large)
		assert.Equal(t, WallNone, c.Strength)
		assert.Empty(t, c.SupportingLevels)
		_, ok := c.MinIndex()
		assert.False(t, ok)
	})
}

func TestEntryPolicy(t *testing.T) {
	policy := DefaultEntryPolicy(d("0.6"))

	tests := []struct {
		name  string
		class WallClassification
		qty   []decimal.Decimal
		want  bool
	}{
		{
			name:  "no wall and thin top",
			class: WallClassification{Strength: WallNone, SupportingLevels: map[int]decimal.Decimal{}},
			qty:   quantities("0.5", "0.2"),
			want:  true,
		},
		{
			name:  "no wall and top at floor",
			class: WallClassification{Strength: WallNone, SupportingLevels: map[int]decimal.Decimal{}},
			qty:   quantities("0.6"),
			want:  true,
		},
		{
			name:  "no wall and heavy top",
			class: WallClassification{Strength: WallNone, SupportingLevels: map[int]decimal.Decimal{}},
			qty:   quantities("0.7"),
			want:  false,
		},
		{
			name:  "moderate wall near top",
			class: WallClassification{Strength: WallModerate, SupportingLevels: map[int]decimal.Decimal{3: d("1.2")}},
			qty:   quantities("0.01"),
			want:  false,
		},
		{
			name:  "moderate wall deep",
			class: WallClassification{Strength: WallModerate, SupportingLevels: map[int]decimal.Decimal{6: d("1.2"), 9: d("1.1")}},
			qty:   quantities("0.3"),
			want:  true,
		},
		{
			name:  "large wall at seven",
			class: WallClassification{Strength: WallLarge, SupportingLevels: map[int]decimal.Decimal{7: d("2")}},
			qty:   quantities("0.3"),
			want:  false,
		},
		{
			name:  "large wall at eight",
			class: WallClassification{Strength: WallLarge, SupportingLevels: map[int]decimal.Decimal{8: d("2"), 12: d("3")}},
			qty:   quantities("0.3"),
			want:  true,
		},
		{
			name:  "empty weak side",
			class: WallClassification{Strength: WallNone, SupportingLevels: map[int]decimal.Decimal{}},
			qty:   nil,
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ShouldEnter(tt.class, tt.qty))
		})
	}
}

func TestDecide_NearbyWallRejectsEntry(t *testing.T) {
	asks := []string{"0.5", "0.4", "1.8", "0.3", "0.2", "0.2", "0.1", "0.1", "0.1", "0.1"}
	bids := []string{"2.0", "2.0", "2.0", "2.0", "2.0", "2.0", "2.0", "2.0", "2.0", "2.0"}

	dec := Decide(book(asks, bids), testParams)

	assert.Equal(t, BidsStronger, dec.Signal.Dominant)
	assert.Equal(t, WallLarge, dec.Classification.Strength)
	assert.Equal(t, []int{2}, dec.Classification.Indices())
	assert.False(t, dec.Enter)
	assert.Equal(t, ReasonWallNearTop, dec.Reason)
}

func TestDecide_ThinWeakSideEnters(t *testing.T) {
	asks := []string{"2.0", "2.0", "2.0", "2.0"}
	bids := []string{"0.3", "0.2", "0.4", "0.1"}

	dec := Decide(book(asks, bids), testParams)

	assert.Equal(t, AsksStronger, dec.Signal.Dominant)
	assert.Equal(t, WallNone, dec.Classification.Strength)
	assert.True(t, dec.Enter)
	assert.Equal(t, ReasonEnter, dec.Reason)
}

func TestPlanEntry(t *testing.T) {
	t.Run("bids stronger opens a short", func(t *testing.T) {
		snap := book([]string{"0.1", "0.1"}, []string{"2", "2"})
		plan, err := PlanEntry(snap, DetectImbalance(snap, 20))
		require.NoError(t, err)

		assert.Equal(t, models.OrderSideSell, plan.Side)
		assert.Equal(t, models.OrderSideBuy, plan.StopSide)
		assert.Equal(t, "99.9", plan.EntryPrice.String())
		assert.Equal(t, "100.6", plan.StopPrice.String())
	})

	t.Run("asks stronger opens a long", func(t *testing.T) {
		snap := book([]string{"2", "2"}, []string{"0.1", "0.1"})
		plan, err := PlanEntry(snap, DetectImbalance(snap, 20))
		require.NoError(t, err)

		assert.Equal(t, models.OrderSideBuy, plan.Side)
		assert.Equal(t, models.OrderSideSell, plan.StopSide)
		assert.Equal(t, "100.6", plan.EntryPrice.String())
		assert.Equal(t, "99.9", plan.StopPrice.String())
	})

	t.Run("single level book", func(t *testing.T) {
		snap := book([]string{"0.1"}, []string{"2", "2"})
		_, err := PlanEntry(snap, DetectImbalance(snap, 20))
		assert.True(t, errors.Is(err, ErrShallowBook))
	})
}
