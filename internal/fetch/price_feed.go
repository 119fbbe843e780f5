package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// PriceFeed fetches the USD price of the native asset from a
// `{"<asset>":{"usd":<n>}}` style endpoint
type PriceFeed struct {
	url        string
	asset      string
	httpClient *http.Client
}

// NewPriceFeed creates a new price feed client
func NewPriceFeed(url, asset string, timeout time.Duration) *PriceFeed {
	return &PriceFeed{
		url:        url,
		asset:      asset,
		httpClient: StandardClient(newRetryClient(timeout)),
	}
}

// FetchPrice retrieves the current USD price
func (p *PriceFeed) FetchPrice(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	logrus.Debugf("Fetching %s price from %s", p.asset, p.url)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, connectivityError("price feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("%w: price feed status %d, body: %s", model.ErrConnectivity, resp.StatusCode, string(body))
	}

	var response map[string]struct {
		USD *float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("error decoding price response: %w", err)
	}

	entry, ok := response[p.asset]
	if !ok || entry.USD == nil {
		return 0, fmt.Errorf("price feed response has no usd price for %s", p.asset)
	}
	return *entry.USD, nil
}
