package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/imbalance/pkg/audit"
	"github.com/gregtusar/imbalance/pkg/binance"
	"github.com/gregtusar/imbalance/pkg/metrics"
	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/gregtusar/imbalance/pkg/signals"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ReasonManualIntervention is the decision reason while entries are latched off.
const ReasonManualIntervention = "manual_intervention"

type Config struct {
	Symbol   string
	Quantity decimal.Decimal
	Signals  signals.Params
	Trailing TrailingConfig
}

// Trader runs the single-instrument strategy. While flat, every snapshot is
// checked for an entry; while a position is open, snapshots go to its
// trailing stop controller only. HandleMessage and HandleDisconnect must be
// called from one goroutine.
type Trader struct {
	cfg        Config
	client     binance.Client
	orders     orderExecutor
	sink       audit.Sink
	logger     *logrus.Logger
	controller *TrailingStopController
	now        func() time.Time

	mu           sync.RWMutex
	status       *models.PositionStatus
	intervention *Intervention
}

// Intervention records the position that stopped automated trading. No new
// position is opened until an operator calls Resume.
type Intervention struct {
	PositionID string    `json:"position_id"`
	Reason     string    `json:"reason"`
	Since      time.Time `json:"since"`
}

func NewTrader(cfg Config, client binance.Client, sink audit.Sink, logger *logrus.Logger) *Trader {
	return &Trader{
		cfg:    cfg,
		client: client,
		orders: orderExecutor{client: client, symbol: cfg.Symbol, quantity: cfg.Quantity},
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// HandleMessage decodes one feed message and runs it through the strategy.
func (t *Trader) HandleMessage(ctx context.Context, message []byte) error {
	snap, err := models.ParseDepth(message, t.cfg.Signals.MaxDepth)
	if err != nil {
		metrics.Messages.WithLabelValues("malformed").Inc()
		return err
	}
	metrics.Messages.WithLabelValues("ok").Inc()
	return t.HandleSnapshot(ctx, snap)
}

func (t *Trader) HandleSnapshot(ctx context.Context, snap *models.DepthSnapshot) error {
	if t.controller != nil {
		return t.track(ctx, snap)
	}
	return t.evaluate(ctx, snap)
}

// HandleDisconnect drops the controller of an open position. The position's
// stop order stays at the exchange; tracking does not resume on reconnect.
// Entries are not latched off: the stop order still protects the position.
func (t *Trader) HandleDisconnect(err error) {
	if t.controller == nil {
		return
	}

	pos := t.controller.Position()
	t.controller.Abandon(ReasonDisconnected)
	t.controller = nil
	t.publish(nil)

	t.logger.WithError(err).WithFields(logrus.Fields{
		"position_id":   pos.ID,
		"side":          pos.Side,
		"stop_price":    pos.StopPrice.String(),
		"stop_order_id": pos.StopOrderID,
	}).Warn("Stream lost with open position, leaving it to the exchange stop order")
}

// Status returns the open position, if any.
func (t *Trader) Status() (models.PositionStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.status == nil {
		return models.PositionStatus{}, false
	}
	return *t.status, true
}

// Intervention returns the latch set by a position that needs manual
// intervention, if any.
func (t *Trader) Intervention() (Intervention, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.intervention == nil {
		return Intervention{}, false
	}
	return *t.intervention, true
}

// Resume clears the manual intervention latch. It reports whether the latch
// was set.
func (t *Trader) Resume() bool {
	t.mu.Lock()
	latched := t.intervention
	t.intervention = nil
	t.mu.Unlock()

	if latched == nil {
		return false
	}
	metrics.ManualIntervention.Set(0)
	t.logger.WithFields(logrus.Fields{
		"position_id": latched.PositionID,
		"reason":      latched.Reason,
	}).Warn("Manual intervention cleared, entries resume")
	return true
}

func (t *Trader) latch(pos *models.Position, reason string) {
	t.mu.Lock()
	t.intervention = &Intervention{PositionID: pos.ID, Reason: reason, Since: t.now()}
	t.mu.Unlock()
	metrics.ManualIntervention.Set(1)
}

func (t *Trader) track(ctx context.Context, snap *models.DepthSnapshot) error {
	_, err := t.controller.OnSnapshot(ctx, snap)
	if t.controller.State() != StateActive {
		if t.controller.State() == StateHalted {
			t.latch(t.controller.Position(), t.controller.Position().CloseReason)
		}
		t.controller = nil
		t.publish(nil)
		return err
	}
	t.publish(t.controller.Position())
	return err
}

func (t *Trader) evaluate(ctx context.Context, snap *models.DepthSnapshot) error {
	if _, latched := t.Intervention(); latched {
		metrics.Decisions.WithLabelValues(ReasonManualIntervention).Inc()
		return nil
	}

	dec := signals.Decide(snap, t.cfg.Signals)
	metrics.Decisions.WithLabelValues(dec.Reason).Inc()
	if dec.Signal.Dominant != signals.Balanced {
		metrics.Walls.WithLabelValues(dec.Classification.Strength.String()).Inc()
	}
	if !dec.Enter {
		return nil
	}

	plan, err := signals.PlanEntry(snap, dec.Signal)
	if err != nil {
		return err
	}

	t.logger.WithFields(logrus.Fields{
		"dominant":     dec.Signal.Dominant.String(),
		"wall":         dec.Classification.Strength.String(),
		"wall_levels":  dec.Classification.Indices(),
		"bid_pressure": dec.Signal.BidPressure.String(),
		"ask_pressure": dec.Signal.AskPressure.String(),
	}).Debug("Entry signal")

	return t.open(ctx, plan)
}

func (t *Trader) open(ctx context.Context, plan signals.EntryPlan) error {
	entry, err := t.orders.placeEntry(ctx, plan.Side, plan.EntryPrice)
	if err != nil {
		return fmt.Errorf("open position: %w", err)
	}

	pos := &models.Position{
		ID:           uuid.New().String(),
		Symbol:       t.cfg.Symbol,
		Side:         plan.Side,
		Quantity:     t.cfg.Quantity,
		EntryPrice:   plan.EntryPrice,
		StopPrice:    plan.StopPrice,
		EntryOrderID: entry.OrderID,
		OpenedAt:     t.now(),
	}
	t.sink.Record(map[string]any{
		audit.ColPositionID:  pos.ID,
		audit.ColOpeningSide: pos.Side,
		audit.ColEntryPrice:  pos.EntryPrice,
		audit.ColStopPrice:   pos.StopPrice,
		audit.ColOpenTime:    pos.OpenedAt,
	})

	stop, err := t.orders.placeStop(ctx, plan.StopSide, plan.StopPrice)
	if err != nil {
		recordClose(t.sink, pos, "none", ReasonStopPlaceFail, t.now())
		t.latch(pos, ReasonStopPlaceFail)
		t.logger.WithError(err).WithFields(logrus.Fields{
			"position_id":    pos.ID,
			"entry_order_id": pos.EntryOrderID,
			"stop_price":     pos.StopPrice.String(),
		}).Error("Protective stop rejected, position needs manual intervention")
		return fmt.Errorf("%w: protective stop for %s: %w", ErrManualIntervention, pos.ID, err)
	}
	pos.StopOrderID = stop.OrderID

	t.logger.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"side":        pos.Side,
		"entry_price": pos.EntryPrice.String(),
		"stop_price":  pos.StopPrice.String(),
		"order_id":    pos.EntryOrderID,
	}).Info("Position opened")

	t.controller = NewTrailingStopController(pos, t.cfg.Trailing, t.client, t.sink, t.logger)
	t.publish(pos)
	return nil
}

func (t *Trader) publish(pos *models.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos == nil {
		t.status = nil
		metrics.PositionOpen.Set(0)
		return
	}
	status := pos.Status()
	t.status = &status
	metrics.PositionOpen.Set(1)
}
