package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"finsight-rag/internal/config"
)

// ErrNoData means the provider answered but had no bars for the ticker.
// Transport and decode failures are returned as other errors.
var ErrNoData = errors.New("no market data")

const defaultBaseURL = "https://query1.finance.yahoo.com"

type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

type Quote struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
}

// Provider is what the HTTP layer needs from a market data source
type Provider interface {
	History(ctx context.Context, ticker, period string) ([]Bar, error)
	Quote(ctx context.Context, ticker string) (Quote, error)
}

type Client struct {
	baseURL       string
	defaultPeriod string
	http          *http.Client
}

var _ Provider = (*Client)(nil)

func NewClient(cfg *config.MarketConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	period := cfg.HistoryRange
	if period == "" {
		period = "1mo"
	}
	return &Client{
		baseURL:       base,
		defaultPeriod: period,
		http:          &http.Client{Timeout: timeout},
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// History returns daily bars for period (e.g. 1d, 1mo, 1y). Bars without a
// close price are skipped.
func (c *Client) History(ctx context.Context, ticker, period string) ([]Bar, error) {
	ticker = strings.TrimSpace(ticker)
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	if period == "" {
		period = c.defaultPeriod
	}

	q := url.Values{}
	q.Set("range", period)
	q.Set("interval", "1d")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(ticker), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	// Yahoo answers unknown symbols with 404 and a chart error body
	if resp.StatusCode == http.StatusNotFound {
		log.Debug().Str("ticker", ticker).Msg("Market provider has no such symbol")
		return nil, ErrNoData
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", ticker, resp.StatusCode)
	}

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("decoding chart for %s: %w", ticker, err)
	}
	if e := chart.Chart.Error; e != nil {
		if e.Code == "Not Found" {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("provider error for %s: %s: %s", ticker, e.Code, e.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, ErrNoData
	}

	res := chart.Chart.Result[0]
	quote := res.Indicators.Quote[0]
	bars := make([]Bar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		closePrice := at(quote.Close, i)
		if closePrice == nil {
			continue
		}
		bar := Bar{Time: time.Unix(ts, 0).UTC(), Close: *closePrice}
		if v := at(quote.Open, i); v != nil {
			bar.Open = *v
		}
		if v := at(quote.High, i); v != nil {
			bar.High = *v
		}
		if v := at(quote.Low, i); v != nil {
			bar.Low = *v
		}
		if v := at(quote.Volume, i); v != nil {
			bar.Volume = *v
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// Quote compares the latest close with the one before it over the last five
// sessions. A single bar yields zero change.
func (c *Client) Quote(ctx context.Context, ticker string) (Quote, error) {
	bars, err := c.History(ctx, ticker, "5d")
	if err != nil {
		return Quote{}, err
	}
	return QuoteFromBars(strings.TrimSpace(ticker), bars), nil
}

// QuoteFromBars expects at least one bar
func QuoteFromBars(ticker string, bars []Bar) Quote {
	price := bars[len(bars)-1].Close
	prev := price
	if len(bars) > 1 {
		prev = bars[len(bars)-2].Close
	}
	q := Quote{Ticker: ticker, Price: price, Change: price - prev}
	if prev != 0 {
		q.ChangePct = (price - prev) / prev * 100
	}
	return q
}

func at[T any](values []*T, i int) *T {
	if i >= len(values) {
		return nil
	}
	return values[i]
}
