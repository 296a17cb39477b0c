// Package stocks provides stock quote lookup and a simulated, approval-gated
// purchase tool.
package stocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/toolagent/internal/tool"
)

// DefaultBaseURL is the Alpha Vantage query endpoint.
const DefaultBaseURL = "https://www.alphavantage.co/query"

// ErrQuoteUnavailable is returned when the quote service has no data.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Quote is the subset of a GLOBAL_QUOTE response returned to the agent.
type Quote struct {
	Symbol           string `json:"symbol"`
	Price            string `json:"price"`
	Open             string `json:"open,omitempty"`
	High             string `json:"high,omitempty"`
	Low              string `json:"low,omitempty"`
	Volume           string `json:"volume,omitempty"`
	LatestTradingDay string `json:"latest_trading_day,omitempty"`
	PreviousClose    string `json:"previous_close,omitempty"`
	Change           string `json:"change,omitempty"`
	ChangePercent    string `json:"change_percent,omitempty"`
}

type globalQuoteResponse struct {
	GlobalQuote  map[string]string `json:"Global Quote"`
	Note         string            `json:"Note"`
	Information  string            `json:"Information"`
	ErrorMessage string            `json:"Error Message"`
}

// Client fetches quotes from Alpha Vantage.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a quote client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

// Quote fetches the latest quote for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Quote{}, fmt.Errorf("parse quote url: %w", err)
	}
	q := u.Query()
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("build quote request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch quote: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("fetch quote: %w: status %d", ErrQuoteUnavailable, resp.StatusCode)
	}

	var body globalQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	for _, msg := range []string{body.ErrorMessage, body.Note, body.Information} {
		if msg != "" {
			return Quote{}, fmt.Errorf("%w: %s", ErrQuoteUnavailable, msg)
		}
	}
	gq := body.GlobalQuote
	if len(gq) == 0 || gq["05. price"] == "" {
		return Quote{}, fmt.Errorf("%w: no data for %s", ErrQuoteUnavailable, symbol)
	}
	return Quote{
		Symbol:           gq["01. symbol"],
		Open:             gq["02. open"],
		High:             gq["03. high"],
		Low:              gq["04. low"],
		Price:            gq["05. price"],
		Volume:           gq["06. volume"],
		LatestTradingDay: gq["07. latest trading day"],
		PreviousClose:    gq["08. previous close"],
		Change:           gq["09. change"],
		ChangePercent:    gq["10. change percent"],
	}, nil
}

// Tools returns get_stock_price and the approval-gated buy_stock.
func Tools(c *Client) []tool.Spec {
	return []tool.Spec{
		{
			Name:        "get_stock_price",
			Description: "Fetch the latest stock price for a given symbol (e.g. AAPL, TSLA)",
			Parameters: tool.Object(map[string]any{
				"symbol": tool.Prop("string", "Ticker symbol"),
			}, "symbol"),
			Handler: tool.HandlerFunc(func(ctx context.Context, args map[string]any) (string, error) {
				symbol, err := symbolArg(args)
				if err != nil {
					return "", err
				}
				quote, err := c.Quote(ctx, symbol)
				if err != nil {
					return "", err
				}
				raw, err := json.Marshal(quote)
				if err != nil {
					return "", fmt.Errorf("encode quote: %w", err)
				}
				return string(raw), nil
			}),
		},
		{
			Name:             "buy_stock",
			Description:      "Simulate purchasing a quantity of a stock symbol. Requires human approval.",
			RequiresApproval: true,
			Parameters: tool.Object(map[string]any{
				"symbol":   tool.Prop("string", "Ticker symbol"),
				"quantity": tool.Prop("integer", "Number of shares"),
			}, "symbol", "quantity"),
			Prompter: tool.PromptFunc(func(args map[string]any) (string, error) {
				symbol, qty, err := orderArgs(args)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Approve buying %d shares of %s? (yes/no)", qty, symbol), nil
			}),
			Handler: tool.HandlerFunc(func(_ context.Context, args map[string]any) (string, error) {
				symbol, qty, err := orderArgs(args)
				if err != nil {
					return "", err
				}
				decision, _ := tool.Decision(args)
				if !tool.IsApproval(decision) {
					return fmt.Sprintf("Order for purchasing shares of %s was declined by human", symbol), nil
				}
				return fmt.Sprintf("Purchased order placed for %d shares of %s", qty, symbol), nil
			}),
		},
	}
}

func symbolArg(args map[string]any) (string, error) {
	symbol, err := tool.String(args, "symbol")
	if err != nil {
		return "", err
	}
	return strings.ToUpper(strings.TrimSpace(symbol)), nil
}

func orderArgs(args map[string]any) (string, int64, error) {
	symbol, err := symbolArg(args)
	if err != nil {
		return "", 0, err
	}
	qty, err := tool.Int(args, "quantity")
	if err != nil {
		return "", 0, err
	}
	if qty <= 0 {
		return "", 0, fmt.Errorf("%w: quantity must be positive", tool.ErrInvalidArgument)
	}
	return symbol, qty, nil
}
