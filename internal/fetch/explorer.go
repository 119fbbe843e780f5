package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/validation"
)

// ZeroAddress is the sender of the internal transfer that mints a bridge deposit
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// ExplorerClient looks up internal transfers through the block explorer API
type ExplorerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewExplorerClient creates a new explorer API client
func NewExplorerClient(baseURL string, timeout time.Duration) *ExplorerClient {
	return &ExplorerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: StandardClient(newRetryClient(timeout)),
	}
}

type internalTxResponse struct {
	Items []struct {
		From struct {
			Hash string `json:"hash"`
		} `json:"from"`
		To struct {
			Hash string `json:"hash"`
		} `json:"to"`
		Value string `json:"value"`
	} `json:"items"`
}

// GetInternalTransfers returns the internal transfers of a transaction.
// Errors are logged and yield an empty list.
func (c *ExplorerClient) GetInternalTransfers(ctx context.Context, hash string) []model.InternalTransfer {
	transfers, err := c.fetchInternalTransfers(ctx, hash)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"tx":    hash,
			"error": err,
		}).Warn("Internal transfer lookup failed")
		return []model.InternalTransfer{}
	}
	return transfers
}

func (c *ExplorerClient) fetchInternalTransfers(ctx context.Context, hash string) ([]model.InternalTransfer, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: explorer url not set", model.ErrConfiguration)
	}

	url := fmt.Sprintf("%s/api/v2/transactions/%s/internal-transactions", c.baseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, connectivityError("explorer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: explorer status %d, body: %s", model.ErrConnectivity, resp.StatusCode, string(body))
	}

	var response internalTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	transfers := make([]model.InternalTransfer, 0, len(response.Items))
	for _, item := range response.Items {
		value, ok := new(big.Int).SetString(item.Value, 10)
		if !ok {
			logrus.Debugf("Skipping internal transfer with unparsable value %q in %s", item.Value, hash)
			continue
		}
		transfers = append(transfers, model.InternalTransfer{
			From:  item.From.Hash,
			To:    item.To.Hash,
			Value: value,
		})
	}
	return validation.FilterInvalidTransfers(transfers), nil
}

// DepositAmount returns the value of the first transfer sent by the zero address,
// or nil when there is none.
func DepositAmount(transfers []model.InternalTransfer) *big.Int {
	for _, t := range transfers {
		if strings.EqualFold(t.From, ZeroAddress) && t.Value != nil {
			return new(big.Int).Set(t.Value)
		}
	}
	return nil
}
