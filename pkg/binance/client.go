package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/imbalance/pkg/models"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const orderPath = "/fapi/v1/order"

// Client is the order gateway used by the trader.
type Client interface {
	PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// APIError is an error payload returned by the exchange.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: status %d code %d: %s", e.StatusCode, e.Code, e.Msg)
}

// FuturesClient places and cancels orders on the USDⓈ-M futures REST API.
type FuturesClient struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
}

type ClientOption func(*FuturesClient)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *FuturesClient) { c.baseURL = baseURL }
}

// WithRateLimit throttles gateway calls to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *FuturesClient) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *FuturesClient) { c.httpClient.Timeout = timeout }
}

func NewFuturesClient(apiKey, apiSecret string, recvWindow time.Duration, testnet bool, opts ...ClientOption) *FuturesClient {
	baseURL := "https://fapi.binance.com"
	if testnet {
		baseURL = "https://testnet.binancefuture.com"
	}

	c := &FuturesClient{
		baseURL:    baseURL,
		auth:       NewHMACAuthenticator(apiKey, apiSecret, recvWindow),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *FuturesClient) PlaceOrder(ctx context.Context, order *models.OrderRequest) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Quantity.String())
	params.Set("newOrderRespType", "RESULT")

	clientID := order.ClientOrderID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	params.Set("newClientOrderId", clientID)

	switch order.Type {
	case models.OrderTypeLimit:
		tif := order.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("price", order.Price.String())
		params.Set("timeInForce", tif)
	case models.OrderTypeStopMarket:
		params.Set("stopPrice", order.StopPrice.String())
	default:
		return nil, fmt.Errorf("binance: unsupported order type %q", order.Type)
	}
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doRequest(ctx, http.MethodPost, orderPath, params)
	if err != nil {
		return nil, fmt.Errorf("place %s %s order: %w", order.Side, order.Type, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return resp.toOrder(), nil
}

func (c *FuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	if _, err := c.doRequest(ctx, http.MethodDelete, orderPath, params); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *FuturesClient) doRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := c.auth.Sign(params)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	c.auth.AddAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return nil, apiErr
	}
	return body, nil
}

func (r orderResponse) toOrder() *models.Order {
	return &models.Order{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          models.OrderSide(r.Side),
		Type:          models.OrderType(r.Type),
		Price:         parseDecimal(r.Price),
		StopPrice:     parseDecimal(r.StopPrice),
		Quantity:      parseDecimal(r.OrigQty),
		Status:        models.OrderStatus(r.Status),
		TimeInForce:   r.TimeInForce,
		ReduceOnly:    r.ReduceOnly,
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
