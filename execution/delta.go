package execution

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taserbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DELTA CLIENT - signed REST venue for live trading
// ═══════════════════════════════════════════════════════════════════════════════

// DeltaExchange places real orders against the Delta Exchange futures API.
// Requests are signed with HMAC-SHA256 over method+timestamp+path+query+body.
type DeltaExchange struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client

	mu       sync.Mutex
	products map[string]int64 // symbol -> product id
}

// NewDeltaExchange builds a live venue client.
func NewDeltaExchange(baseURL, apiKey, apiSecret string) *DeltaExchange {
	return &DeltaExchange{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 10 * time.Second},
		products:  make(map[string]int64),
	}
}

func (d *DeltaExchange) sign(method, path, query, body string) (string, string) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(d.apiSecret))
	mac.Write([]byte(method + ts + path + query + body))
	return ts, hex.EncodeToString(mac.Sum(nil))
}

func (d *DeltaExchange) do(ctx context.Context, method, path, query string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	url := d.baseURL + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts, sig := d.sign(method, path, queryForSig(query), string(body))
	req.Header.Set("api-key", d.apiKey)
	req.Header.Set("timestamp", ts)
	req.Header.Set("signature", sig)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delta %s %s: status %d: %s", method, path, resp.StatusCode, truncateBody(raw))
	}
	var envelope struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("delta %s %s: bad envelope: %w", method, path, err)
	}
	if !envelope.Success {
		return fmt.Errorf("delta %s %s: success=false: %s", method, path, truncateBody(raw))
	}
	if out != nil {
		return json.Unmarshal(envelope.Result, out)
	}
	return nil
}

// queryForSig prefixes the query with "?" as the signature scheme expects.
func queryForSig(query string) string {
	if query == "" {
		return ""
	}
	return "?" + query
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 300 {
		return s[:300] + "..."
	}
	return s
}

// productID resolves and caches the perpetual contract id for a symbol.
func (d *DeltaExchange) productID(ctx context.Context, symbol string) (int64, error) {
	d.mu.Lock()
	if id, ok := d.products[symbol]; ok {
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	var products []struct {
		ID     int64  `json:"id"`
		Symbol string `json:"symbol"`
	}
	if err := d.do(ctx, http.MethodGet, "/v2/products", "contract_types=perpetual_futures&states=live", nil, &products); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range products {
		d.products[p.Symbol] = p.ID
	}
	id, ok := d.products[symbol]
	if !ok {
		return 0, fmt.Errorf("no live perpetual for %s", symbol)
	}
	return id, nil
}

type deltaOrder struct {
	ID            int64  `json:"id"`
	AvgFillPrice  string `json:"average_fill_price"`
	State         string `json:"state"`
	UnfilledSize  int64  `json:"unfilled_size"`
}

type orderReq struct {
	ProductID     int64  `json:"product_id"`
	Size          int64  `json:"size"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopOrderType string `json:"stop_order_type,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
}

// contracts rounds a float quantity to whole Delta contracts.
func contracts(qty float64) int64 {
	return int64(math.Round(qty))
}

// PlaceMarket submits a taker order and returns the average fill.
func (d *DeltaExchange) PlaceMarket(ctx context.Context, symbol, side string, qty float64) (OrderAck, error) {
	pid, err := d.productID(ctx, symbol)
	if err != nil {
		return OrderAck{}, err
	}
	var o deltaOrder
	err = d.do(ctx, http.MethodPost, "/v2/orders", "", orderReq{
		ProductID: pid, Size: contracts(qty), Side: side, OrderType: "market_order",
	}, &o)
	if err != nil {
		return OrderAck{}, err
	}
	fill, _ := strconv.ParseFloat(o.AvgFillPrice, 64)
	log.Debug().Str("symbol", symbol).Str("side", side).Float64("fill", fill).Msg("📤 Market order filled")
	return OrderAck{VenueID: strconv.FormatInt(o.ID, 10), AvgFillPrice: fill}, nil
}

// PlaceStop arms a reduce-only stop-market at the trigger price.
func (d *DeltaExchange) PlaceStop(ctx context.Context, symbol, side string, qty, trigger float64) (OrderAck, error) {
	pid, err := d.productID(ctx, symbol)
	if err != nil {
		return OrderAck{}, err
	}
	var o deltaOrder
	err = d.do(ctx, http.MethodPost, "/v2/orders", "", orderReq{
		ProductID: pid, Size: contracts(qty), Side: side, OrderType: "market_order",
		StopOrderType: "stop_loss_order",
		StopPrice:     strconv.FormatFloat(trigger, 'f', -1, 64),
		ReduceOnly:    true,
	}, &o)
	if err != nil {
		return OrderAck{}, err
	}
	return OrderAck{VenueID: strconv.FormatInt(o.ID, 10)}, nil
}

// PlaceLimit rests a limit order, reduce-only when asked.
func (d *DeltaExchange) PlaceLimit(ctx context.Context, symbol, side string, qty, price float64, reduceOnly bool) (OrderAck, error) {
	pid, err := d.productID(ctx, symbol)
	if err != nil {
		return OrderAck{}, err
	}
	var o deltaOrder
	err = d.do(ctx, http.MethodPost, "/v2/orders", "", orderReq{
		ProductID: pid, Size: contracts(qty), Side: side, OrderType: "limit_order",
		LimitPrice: strconv.FormatFloat(price, 'f', -1, 64),
		ReduceOnly: reduceOnly,
	}, &o)
	if err != nil {
		return OrderAck{}, err
	}
	return OrderAck{VenueID: strconv.FormatInt(o.ID, 10)}, nil
}

// CancelOrder deletes a resting order by venue id.
func (d *DeltaExchange) CancelOrder(ctx context.Context, symbol, venueID string) error {
	pid, err := d.productID(ctx, symbol)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(venueID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad venue order id %q: %w", venueID, err)
	}
	return d.do(ctx, http.MethodDelete, "/v2/orders", "", map[string]interface{}{
		"id": id, "product_id": pid,
	}, nil)
}

// Position reports the venue position for the symbol, nil when flat.
func (d *DeltaExchange) Position(ctx context.Context, symbol string) (*types.VenuePosition, error) {
	pid, err := d.productID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var pos struct {
		Size       int64  `json:"size"`
		EntryPrice string `json:"entry_price"`
	}
	if err := d.do(ctx, http.MethodGet, "/v2/positions", "product_id="+strconv.FormatInt(pid, 10), nil, &pos); err != nil {
		return nil, err
	}
	if pos.Size == 0 {
		return nil, nil
	}
	entry, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	side := types.SideLong
	size := pos.Size
	if size < 0 {
		side = types.SideShort
		size = -size
	}
	return &types.VenuePosition{Side: side, Contracts: float64(size), EntryPrice: entry}, nil
}

// Balance returns the available balance for the settlement currency.
func (d *DeltaExchange) Balance(ctx context.Context, currency string) (decimal.Decimal, error) {
	var wallets []struct {
		AvailableBalance string `json:"available_balance"`
		Asset            struct {
			Symbol string `json:"symbol"`
		} `json:"asset"`
	}
	if err := d.do(ctx, http.MethodGet, "/v2/wallet/balances", "", nil, &wallets); err != nil {
		return decimal.Zero, err
	}
	for _, w := range wallets {
		if w.Asset.Symbol == currency {
			return decimal.NewFromString(w.AvailableBalance)
		}
	}
	return decimal.Zero, fmt.Errorf("no %s wallet on venue", currency)
}
