package trader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/imbalance/pkg/audit"
	"github.com/gregtusar/imbalance/pkg/binance"
	"github.com/gregtusar/imbalance/pkg/metrics"
	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/shopspring/decimal"
)

// timeInForcePostOnly is Binance futures' post-only time in force: the order
// is rejected instead of taking liquidity.
const timeInForcePostOnly = "GTX"

// orderExecutor issues the entry and stop orders for one instrument.
type orderExecutor struct {
	client   binance.Client
	symbol   string
	quantity decimal.Decimal
}

func (e orderExecutor) placeEntry(ctx context.Context, side models.OrderSide, price decimal.Decimal) (*models.Order, error) {
	return e.place(ctx, &models.OrderRequest{
		Symbol:        e.symbol,
		Side:          side,
		Type:          models.OrderTypeLimit,
		Price:         price,
		Quantity:      e.quantity,
		TimeInForce:   timeInForcePostOnly,
		ClientOrderID: uuid.New().String(),
	})
}

func (e orderExecutor) placeStop(ctx context.Context, side models.OrderSide, stopPrice decimal.Decimal) (*models.Order, error) {
	return e.place(ctx, &models.OrderRequest{
		Symbol:        e.symbol,
		Side:          side,
		Type:          models.OrderTypeStopMarket,
		StopPrice:     stopPrice,
		Quantity:      e.quantity,
		ReduceOnly:    true,
		ClientOrderID: uuid.New().String(),
	})
}

func (e orderExecutor) place(ctx context.Context, req *models.OrderRequest) (*models.Order, error) {
	order, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		metrics.GatewayErrors.WithLabelValues("place").Inc()
		return nil, err
	}
	metrics.Orders.WithLabelValues(string(req.Type), string(req.Side)).Inc()
	return order, nil
}

func (e orderExecutor) cancel(ctx context.Context, orderID string) error {
	if err := e.client.CancelOrder(ctx, e.symbol, orderID); err != nil {
		metrics.GatewayErrors.WithLabelValues("cancel").Inc()
		return err
	}
	return nil
}

// recordClose writes the closing half of a position's audit row and marks
// the position closed.
func recordClose(sink audit.Sink, pos *models.Position, closePrice any, reason string, now time.Time) {
	pos.ClosedAt = &now
	pos.CloseReason = reason

	sink.Record(map[string]any{
		audit.ColStopHistory:  pos.StopHistory,
		audit.ColPriceHistory: pos.PriceHistory,
		audit.ColClosePrice:   closePrice,
		audit.ColCloseTime:    now,
		audit.ColCloseReason:  reason,
	})
	metrics.PositionsClosed.WithLabelValues(reason).Inc()
}
