package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPSource queries a JSON quote endpoint:
//
//	GET <base>?tickers=PETR4,VALE3  →  {"PETR4": "30.50", "VALE3": null}
//
// A null or missing price means the ticker is unknown.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for baseURL with a per-request timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *HTTPSource) Quotes(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse quote url: %w", err)
	}
	q := u.Query()
	q.Set("tickers", strings.Join(tickers, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch quotes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch quotes: unexpected status %d", resp.StatusCode)
	}

	var body map[string]*decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if p := body[t]; p != nil {
			out[t] = *p
		}
	}
	return out, nil
}
