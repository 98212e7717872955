package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/imbalance/pkg/audit"
	"github.com/gregtusar/imbalance/pkg/binance"
	"github.com/gregtusar/imbalance/pkg/metrics"
	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// ErrControllerDone is returned for ticks delivered after the controller
	// reached a terminal state.
	ErrControllerDone = errors.New("trailing stop controller is done")
	ErrManualIntervention = models.ErrManualIntervention
)

// Close reasons recorded in the audit table.
const (
	ReasonStopCrossed     = "stop_crossed"
	ReasonBreakeven       = "breakeven"
	ReasonStopCancelFail  = "stop_cancel_failed"
	ReasonStopReplaceFail = "stop_replace_failed"
	ReasonStopPlaceFail   = "stop_placement_failed"
	ReasonDisconnected    = "stream_disconnected"
)

type StopState int

const (
	StateActive StopState = iota
	StateClosed
	// StateHalted means automated management gave up on the position.
	StateHalted
)

func (s StopState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "HALTED"
	}
}

type Action int

const (
	ActionHold Action = iota
	ActionRatchet
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionRatchet:
		return "ratchet"
	case ActionClose:
		return "close"
	default:
		return "hold"
	}
}

type TrailingConfig struct {
	// Gap is the distance kept between the market and a ratcheted stop.
	Gap decimal.Decimal
	// MinMoveLong and MinMoveShort are added to Gap to get the favourable
	// move that triggers a ratchet.
	MinMoveLong  decimal.Decimal
	MinMoveShort decimal.Decimal
	// PricePrecision is the number of decimal places of a stop price.
	PricePrecision int32
}

func (c TrailingConfig) threshold(long bool) decimal.Decimal {
	if long {
		return c.Gap.Add(c.MinMoveLong)
	}
	return c.Gap.Add(c.MinMoveShort)
}

// TrailingStopController manages one open position tick by tick. It is not
// safe for concurrent use; the dispatch path owns it.
type TrailingStopController struct {
	position  *models.Position
	cfg       TrailingConfig
	orders    orderExecutor
	sink      audit.Sink
	logger    *logrus.Logger
	reference decimal.Decimal
	state     StopState
	now       func() time.Time
}

func NewTrailingStopController(pos *models.Position, cfg TrailingConfig, client binance.Client, sink audit.Sink, logger *logrus.Logger) *TrailingStopController {
	return &TrailingStopController{
		position:  pos,
		cfg:       cfg,
		orders:    orderExecutor{client: client, symbol: pos.Symbol, quantity: pos.Quantity},
		sink:      sink,
		logger:    logger,
		reference: pos.EntryPrice,
		state:     StateActive,
		now:       time.Now,
	}
}

func (c *TrailingStopController) State() StopState { return c.state }

func (c *TrailingStopController) Position() *models.Position { return c.position }

// Reference is the price the last ratchet was measured from.
func (c *TrailingStopController) Reference() decimal.Decimal { return c.reference }

// OnSnapshot evaluates one tick: ratchet first, otherwise close if the stop
// has converged to the entry or been crossed, otherwise hold.
func (c *TrailingStopController) OnSnapshot(ctx context.Context, snap *models.DepthSnapshot) (Action, error) {
	if c.state != StateActive {
		return ActionHold, ErrControllerDone
	}

	best, ok := snap.Best(c.position.StopSide())
	if !ok {
		return ActionHold, nil
	}
	current := best.Price
	c.position.PriceHistory = append(c.position.PriceHistory, current)

	if stop, ok := c.ratchetCandidate(current); ok {
		if err := c.ratchet(ctx, current, stop); err != nil {
			return ActionHold, err
		}
		return ActionRatchet, nil
	}

	if reason, ok := c.closeReason(current); ok {
		c.state = StateClosed
		recordClose(c.sink, c.position, current, reason, c.now())
		c.logger.WithFields(logrus.Fields{
			"position_id": c.position.ID,
			"side":        c.position.Side,
			"close_price": current.String(),
			"stop_price":  c.position.StopPrice.String(),
			"reason":      reason,
		}).Info("Position closed")
		return ActionClose, nil
	}

	return ActionHold, nil
}

// ratchetCandidate returns the new stop when price has moved in the
// position's favour by at least gap plus the side's minimum move and the
// resulting stop is tighter than the standing one.
func (c *TrailingStopController) ratchetCandidate(current decimal.Decimal) (decimal.Decimal, bool) {
	long := c.position.IsLong()

	move := current.Sub(c.reference)
	if !long {
		move = c.reference.Sub(current)
	}
	if move.LessThan(c.cfg.threshold(long)) {
		return decimal.Decimal{}, false
	}

	var stop decimal.Decimal
	if long {
		stop = current.Sub(c.cfg.Gap)
	} else {
		stop = current.Add(c.cfg.Gap)
	}
	stop = stop.Round(c.cfg.PricePrecision)

	if long && !stop.GreaterThan(c.position.StopPrice) {
		return decimal.Decimal{}, false
	}
	if !long && !stop.LessThan(c.position.StopPrice) {
		return decimal.Decimal{}, false
	}
	return stop, true
}

func (c *TrailingStopController) ratchet(ctx context.Context, current, stop decimal.Decimal) error {
	if err := c.orders.cancel(ctx, c.position.StopOrderID); err != nil {
		return c.halt(current, ReasonStopCancelFail, err)
	}

	order, err := c.orders.placeStop(ctx, c.position.Side.Opposite(), stop)
	if err != nil {
		return c.halt(current, ReasonStopReplaceFail, err)
	}

	previous := c.position.StopPrice
	c.position.StopPrice = stop
	c.position.StopOrderID = order.OrderID
	c.position.StopHistory = append(c.position.StopHistory, stop)
	c.reference = current
	metrics.Ratchets.Inc()

	c.logger.WithFields(logrus.Fields{
		"position_id":   c.position.ID,
		"current_price": current.String(),
		"previous_stop": previous.String(),
		"stop_price":    stop.String(),
		"order_id":      order.OrderID,
	}).Info("Trailing stop moved")
	return nil
}

func (c *TrailingStopController) closeReason(current decimal.Decimal) (string, bool) {
	if c.position.EntryPrice.Equal(c.position.StopPrice) {
		return ReasonBreakeven, true
	}
	if c.position.IsLong() && current.LessThanOrEqual(c.position.StopPrice) {
		return ReasonStopCrossed, true
	}
	if !c.position.IsLong() && current.GreaterThanOrEqual(c.position.StopPrice) {
		return ReasonStopCrossed, true
	}
	return "", false
}

func (c *TrailingStopController) halt(current decimal.Decimal, reason string, cause error) error {
	c.state = StateHalted
	recordClose(c.sink, c.position, current, reason, c.now())

	c.logger.WithError(cause).WithFields(logrus.Fields{
		"position_id":   c.position.ID,
		"stop_order_id": c.position.StopOrderID,
		"stop_price":    c.position.StopPrice.String(),
		"reason":        reason,
	}).Error("Trailing stop failed, position needs manual intervention")

	return fmt.Errorf("%w: %s: %w", ErrManualIntervention, reason, cause)
}

// Abandon stops tracking without touching the exchange; the standing stop
// order stays in place.
func (c *TrailingStopController) Abandon(reason string) {
	if c.state != StateActive {
		return
	}
	c.state = StateHalted

	var last any = "none"
	if n := len(c.position.PriceHistory); n > 0 {
		last = c.position.PriceHistory[n-1]
	}
	recordClose(c.sink, c.position, last, reason, c.now())
}
