package tinkoff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invest-core/pkg/exchanges/common"
	md "invest-core/pkg/market/tinkoff"
)

const (
	DefaultAPIURL     = "https://api-invest.tinkoff.ru/openapi"
	DefaultSandboxURL = "https://api-invest.tinkoff.ru/openapi/sandbox"
)

// ErrAPI is wrapped by every non-auth error the broker reports.
var ErrAPI = errors.New("tinkoff api error")

// Config holds REST credentials.
type Config struct {
	Token           string
	BaseURL         string
	Sandbox         bool
	BrokerAccountID string
	RateLimit       float64 // requests per second
	Burst           int
	Timeout         time.Duration
}

// Client is the OpenAPI v1 REST client. It implements common.Gateway.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
}

var _ common.Gateway = (*Client)(nil)

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultAPIURL
		if cfg.Sandbox {
			base = DefaultSandboxURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Client{
		cfg:         cfg,
		baseURL:     strings.TrimRight(base, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: common.NewRateLimiter(cfg.RateLimit, cfg.Burst),
	}
}

// Usage reports how many requests went out and how many were throttled.
func (c *Client) Usage() (sent, throttled int64) {
	return c.rateLimiter.GetUsage()
}

type envelope struct {
	TrackingID string          `json:"trackingId"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type moneyAmount struct {
	Currency string          `json:"currency"`
	Value    decimal.Decimal `json:"value"`
}

type placedOrder struct {
	OrderID       string       `json:"orderId"`
	Operation     string       `json:"operation"`
	Status        string       `json:"status"`
	RejectReason  string       `json:"rejectReason"`
	Message       string       `json:"message"`
	RequestedLots int64        `json:"requestedLots"`
	ExecutedLots  int64        `json:"executedLots"`
	Commission    *moneyAmount `json:"commission"`
}

// PlaceLimitOrder submits a limit order. A broker-side rejection comes back
// as a result with Status REJECTED and a nil error.
func (c *Client) PlaceLimitOrder(ctx context.Context, intent common.OrderIntent) (common.OrderResult, error) {
	body, err := md.EncodeLimitOrder(intent)
	if err != nil {
		return common.OrderResult{}, err
	}
	params := c.accountParams()
	params.Set("figi", intent.FIGI)

	var resp placedOrder
	if err := c.do(ctx, http.MethodPost, "/orders/limit-order", params, body, &resp); err != nil {
		return common.OrderResult{}, err
	}

	side, err := common.ParseOperation(resp.Operation)
	if err != nil {
		side = intent.Side
	}
	result := common.OrderResult{
		OrderID:       resp.OrderID,
		Operation:     side,
		Status:        common.NormalizeStatus(resp.Status),
		RequestedLots: resp.RequestedLots,
		ExecutedLots:  resp.ExecutedLots,
		RejectReason:  resp.RejectReason,
		Commission:    decimal.Zero,
	}
	if result.RejectReason == "" && result.Status == common.StatusRejected {
		result.RejectReason = resp.Message
	}
	if resp.Commission != nil {
		result.Commission = resp.Commission.Value
	}
	return result, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return errors.New("tinkoff: empty order id")
	}
	params := c.accountParams()
	params.Set("orderId", orderID)
	return c.do(ctx, http.MethodPost, "/orders/cancel", params, nil, nil)
}

type restingOrder struct {
	OrderID       string          `json:"orderId"`
	FIGI          string          `json:"figi"`
	Operation     string          `json:"operation"`
	Status        string          `json:"status"`
	RequestedLots int64           `json:"requestedLots"`
	ExecutedLots  int64           `json:"executedLots"`
	Price         decimal.Decimal `json:"price"`
}

// OpenOrders lists resting orders; figi filters when non-empty.
func (c *Client) OpenOrders(ctx context.Context, figi string) ([]common.OpenOrder, error) {
	var resp []restingOrder
	if err := c.do(ctx, http.MethodGet, "/orders", c.accountParams(), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]common.OpenOrder, 0, len(resp))
	for _, o := range resp {
		if figi != "" && o.FIGI != figi {
			continue
		}
		side, _ := common.ParseOperation(o.Operation)
		out = append(out, common.OpenOrder{
			OrderID:       o.OrderID,
			FIGI:          o.FIGI,
			Operation:     side,
			Status:        common.NormalizeStatus(o.Status),
			RequestedLots: o.RequestedLots,
			ExecutedLots:  o.ExecutedLots,
			Price:         o.Price,
		})
	}
	return out, nil
}

type portfolioPayload struct {
	Positions []struct {
		FIGI    string          `json:"figi"`
		Ticker  string          `json:"ticker"`
		Balance decimal.Decimal `json:"balance"`
		Lots    int64           `json:"lots"`
	} `json:"positions"`
}

type currenciesPayload struct {
	Currencies []struct {
		Currency string           `json:"currency"`
		Balance  decimal.Decimal  `json:"balance"`
		Blocked  *decimal.Decimal `json:"blocked"`
	} `json:"currencies"`
}

// Portfolio combines the positions and currencies endpoints.
func (c *Client) Portfolio(ctx context.Context) (common.Portfolio, error) {
	var positions portfolioPayload
	if err := c.do(ctx, http.MethodGet, "/portfolio", c.accountParams(), nil, &positions); err != nil {
		return common.Portfolio{}, fmt.Errorf("portfolio positions: %w", err)
	}
	var currencies currenciesPayload
	if err := c.do(ctx, http.MethodGet, "/portfolio/currencies", c.accountParams(), nil, &currencies); err != nil {
		return common.Portfolio{}, fmt.Errorf("portfolio currencies: %w", err)
	}

	var p common.Portfolio
	for _, pos := range positions.Positions {
		p.Positions = append(p.Positions, common.Position{
			FIGI: pos.FIGI, Ticker: pos.Ticker, Balance: pos.Balance, Lots: pos.Lots,
		})
	}
	for _, cur := range currencies.Currencies {
		blocked := decimal.Zero
		if cur.Blocked != nil {
			blocked = *cur.Blocked
		}
		p.Currencies = append(p.Currencies, common.CurrencyBalance{
			Currency: cur.Currency, Balance: cur.Balance, Blocked: blocked,
		})
	}
	return p, nil
}

type instrumentPayload struct {
	FIGI              string           `json:"figi"`
	Ticker            string           `json:"ticker"`
	Name              string           `json:"name"`
	Currency          string           `json:"currency"`
	Lot               int64            `json:"lot"`
	MinPriceIncrement *decimal.Decimal `json:"minPriceIncrement"`
}

func (c *Client) Instrument(ctx context.Context, figi string) (common.Instrument, error) {
	params := url.Values{}
	params.Set("figi", figi)
	var resp instrumentPayload
	if err := c.do(ctx, http.MethodGet, "/market/search/by-figi", params, nil, &resp); err != nil {
		return common.Instrument{}, err
	}
	if resp.Lot < 1 {
		resp.Lot = 1
	}
	inst := common.Instrument{
		FIGI:              resp.FIGI,
		Ticker:            resp.Ticker,
		Name:              resp.Name,
		Currency:          resp.Currency,
		Lot:               resp.Lot,
		MinPriceIncrement: decimal.Zero,
	}
	if resp.MinPriceIncrement != nil {
		inst.MinPriceIncrement = *resp.MinPriceIncrement
	}
	return inst, nil
}

// Register creates a sandbox account and returns its broker account id.
func (c *Client) Register(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"brokerAccountType": "Tinkoff"})
	var resp struct {
		BrokerAccountID string `json:"brokerAccountId"`
	}
	if err := c.do(ctx, http.MethodPost, "/sandbox/register", nil, body, &resp); err != nil {
		return "", fmt.Errorf("sandbox register: %w", err)
	}
	if c.cfg.BrokerAccountID == "" {
		c.cfg.BrokerAccountID = resp.BrokerAccountID
	}
	return resp.BrokerAccountID, nil
}

// SetCurrencyBalance sets a sandbox cash balance.
func (c *Client) SetCurrencyBalance(ctx context.Context, currency string, balance decimal.Decimal) error {
	body, err := json.Marshal(struct {
		Currency string      `json:"currency"`
		Balance  json.Number `json:"balance"`
	}{currency, json.Number(balance.String())})
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPost, "/sandbox/currencies/balance", c.accountParams(), body, nil); err != nil {
		return fmt.Errorf("sandbox set %s balance: %w", currency, err)
	}
	return nil
}

func (c *Client) accountParams() url.Values {
	params := url.Values{}
	if c.cfg.BrokerAccountID != "" {
		params.Set("brokerAccountId", c.cfg.BrokerAccountID)
	}
	return params
}

// do performs one rate-limited request and unwraps the response envelope
// into out when it is non-nil.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	if c.cfg.Token == "" {
		return fmt.Errorf("%w: token required", md.ErrUnauthorized)
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s status %d", md.ErrUnauthorized, method, path, res.StatusCode)
	case res.StatusCode == http.StatusTooManyRequests:
		c.rateLimiter.Throttled(retryAfter(res.Header.Get("Retry-After")))
		return fmt.Errorf("%w: %s %s throttled", ErrAPI, method, path)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if res.StatusCode >= 300 {
			return fmt.Errorf("%w: %s %s status %d: %s", ErrAPI, method, path, res.StatusCode, truncate(raw))
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if res.StatusCode >= 300 || !strings.EqualFold(env.Status, "Ok") {
		var e errorPayload
		_ = json.Unmarshal(env.Payload, &e)
		return fmt.Errorf("%w: %s %s status %d (%s): %s [tracking %s]",
			ErrAPI, method, path, res.StatusCode, e.Code, e.Message, env.TrackingID)
	}
	if out == nil || len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", path, err)
	}
	return nil
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256]) + "..."
	}
	return string(b)
}
