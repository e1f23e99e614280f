package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BinanceConfig identifies a Binance-convention spot venue.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	Testnet   bool
}

// Binance is a REST adapter for Binance-convention spot endpoints.
type Binance struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewBinance creates the venue adapter. The guard supplies retry,
// breaker and rate-limit policy; this type only speaks the wire format
// and classifies failures.
func NewBinance(cfg BinanceConfig) *Binance {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if cfg.Testnet {
		baseURL = "https://testnet.binance.vision"
	}
	return &Binance{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

var _ Exchange = (*Binance)(nil)

func (b *Binance) Name() string { return "binance" }

func (b *Binance) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// classify maps an HTTP status to the retry taxonomy: 5xx, 429 and 418
// are transient, every other non-2xx answer is permanent.
func classify(op, symbol string, status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	if status >= 500 || status == http.StatusTooManyRequests || status == 418 {
		return Transient(op, symbol, err)
	}
	return Permanent(op, symbol, err)
}

func (b *Binance) get(ctx context.Context, op, symbol, path string, params url.Values) ([]byte, error) {
	endpoint := b.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Permanent(op, symbol, err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, Transient(op, symbol, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(op, symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify(op, symbol, resp.StatusCode, body)
	}
	return body, nil
}

func (b *Binance) FetchBars(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Bar, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("interval", string(tf))
	params.Set("limit", strconv.Itoa(limit+1))

	body, err := b.get(ctx, "fetch_bars", symbol, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, Permanent("fetch_bars", symbol, fmt.Errorf("parsing klines: %w", err))
	}

	bars := make([]Bar, 0, len(raw))
	now := time.Now()
	for _, k := range raw {
		if len(k) < 7 {
			return nil, Permanent("fetch_bars", symbol, fmt.Errorf("short kline row"))
		}
		openMs, ok := k[0].(float64)
		if !ok {
			return nil, Permanent("fetch_bars", symbol, fmt.Errorf("bad open time"))
		}
		closeMs, _ := k[6].(float64)
		bar := Bar{
			OpenTime: time.UnixMilli(int64(openMs)),
			Open:     parseFloat(k[1]),
			High:     parseFloat(k[2]),
			Low:      parseFloat(k[3]),
			Close:    parseFloat(k[4]),
			Volume:   parseFloat(k[5]),
		}
		// The venue includes the still-forming candle; only closed bars
		// reach the engine.
		if time.UnixMilli(int64(closeMs)).After(now) {
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (b *Binance) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	body, err := b.get(ctx, "current_price", symbol, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, Permanent("current_price", symbol, fmt.Errorf("parsing ticker: %w", err))
	}
	return ticker.Price, nil
}

func (b *Binance) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*Fill, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(intent.Symbol))
	params.Set("side", string(intent.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(intent.Quantity, 'f', 8, 64))
	if intent.ClientOrderID != "" {
		params.Set("newClientOrderId", intent.ClientOrderID)
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", b.sign(params))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/api/v3/order", strings.NewReader(params.Encode()))
	if err != nil {
		return nil, Permanent("submit_order", intent.Symbol, err)
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, Transient("submit_order", intent.Symbol, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("submit_order", intent.Symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify("submit_order", intent.Symbol, resp.StatusCode, body)
	}

	var or struct {
		OrderID             int64   `json:"orderId"`
		ClientOrderID       string  `json:"clientOrderId"`
		TransactTime        int64   `json:"transactTime"`
		ExecutedQty         float64 `json:"executedQty,string"`
		CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
		Status              string  `json:"status"`
	}
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, Permanent("submit_order", intent.Symbol, fmt.Errorf("parsing order response: %w", err))
	}
	if or.Status != "FILLED" || or.ExecutedQty <= 0 {
		return nil, Permanent("submit_order", intent.Symbol,
			fmt.Errorf("order not filled: status %s", or.Status))
	}
	return &Fill{
		OrderID:       strconv.FormatInt(or.OrderID, 10),
		ClientOrderID: or.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      or.ExecutedQty,
		AvgPrice:      or.CummulativeQuoteQty / or.ExecutedQty,
		Time:          time.UnixMilli(or.TransactTime),
	}, nil
}

func (b *Binance) sign(params url.Values) string {
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(params.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// venueSymbol maps "XRP/USDT" to the venue's "XRPUSDT" convention.
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
