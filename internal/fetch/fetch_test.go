package fetch

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bridge-kpi-indexer/internal/config"
	"github.com/yourorg/bridge-kpi-indexer/internal/model"
)

// newRPCServer answers JSON-RPC calls from a method -> result table.
// A missing method answers null.
func newRPCServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result := results[req.Method]
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRPCClient(t *testing.T) {
	srv := newRPCServer(t, map[string]interface{}{
		"eth_blockNumber": "0x64",
		"eth_getBlockByNumber": map[string]interface{}{
			"number":       "0x64",
			"timestamp":    "0x65f1e2a0",
			"transactions": []string{"0xaaa", "0xbbb"},
		},
		"eth_getTransactionByHash": map[string]interface{}{
			"hash":  "0xaaa",
			"from":  "0x00000000000000000000000000000000000000aa",
			"to":    nil,
			"value": "0xde0b6b3a7640000",
			"type":  "0x69",
		},
	})

	ctx := context.Background()
	client, err := DialRPC(ctx, srv.URL, time.Second)
	require.NoError(t, err)
	defer client.Close()

	height, err := client.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), height)

	block, err := client.GetBlock(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), block.Height)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, block.TxHashes)
	assert.Equal(t, time.UTC, block.Timestamp.Location())

	tx, err := client.GetTransaction(ctx, "0xaaa")
	require.NoError(t, err)
	assert.Equal(t, uint64(105), tx.Type)
	assert.Empty(t, tx.To)
	assert.Equal(t, 0, tx.Value.Cmp(big.NewInt(1e18)))
}

func TestRPCClient_Receipts(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		receipt interface{}
		want    bool
	}{
		{"success", map[string]interface{}{"status": "0x1"}, true},
		{"reverted", map[string]interface{}{"status": "0x0"}, false},
		{"no status", map[string]interface{}{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newRPCServer(t, map[string]interface{}{"eth_getTransactionReceipt": tc.receipt})
			client, err := DialRPC(ctx, srv.URL, time.Second)
			require.NoError(t, err)
			defer client.Close()

			ok, err := client.TransactionSucceeded(ctx, "0xaaa")
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}

	srv := newRPCServer(t, map[string]interface{}{})
	client, err := DialRPC(ctx, srv.URL, time.Second)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.TransactionSucceeded(ctx, "0xpending")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNewChainClient_ChainID(t *testing.T) {
	ctx := context.Background()
	srv := newRPCServer(t, map[string]interface{}{"eth_chainId": "0x2105"})

	cfg := config.Config{RPCEndpoint: srv.URL, RequestTimeout: time.Second, ChainID: 8453}
	client, err := NewChainClient(ctx, cfg)
	require.NoError(t, err)
	client.Close()

	cfg.ChainID = 1
	_, err = NewChainClient(ctx, cfg)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	cfg.ChainID = 0
	client, err = NewChainClient(ctx, cfg)
	require.NoError(t, err, "an unset chain id skips the check")
	client.Close()
}

func TestNewChainClient_UnreachableNodeIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := config.Config{RPCEndpoint: srv.URL, RequestTimeout: time.Second, ChainID: 8453}
	client, err := NewChainClient(context.Background(), cfg)
	require.NoError(t, err)
	client.Close()
}

func TestRPCClient_NotFound(t *testing.T) {
	srv := newRPCServer(t, map[string]interface{}{})

	ctx := context.Background()
	client, err := DialRPC(ctx, srv.URL, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.GetBlock(ctx, 5)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = client.GetTransaction(ctx, "0xmissing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRPCClient_Connectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := DialRPC(ctx, srv.URL, time.Second)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CurrentHeight(ctx)
	assert.ErrorIs(t, err, model.ErrConnectivity)
}

func TestDialRPC_MissingEndpoint(t *testing.T) {
	_, err := DialRPC(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestExplorerClient_InternalTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/transactions/0xtx100/internal-transactions", r.URL.Path)
		_, _ = w.Write([]byte(`{"items":[
			{"from":{"hash":"0x00000000000000000000000000000000000000AA"},"to":{"hash":"0x00000000000000000000000000000000000000BB"},"value":"5"},
			{"from":{"hash":"0x0000000000000000000000000000000000000000"},"to":{"hash":"0x00000000000000000000000000000000000000AA"},"value":"1000000000000000000"},
			{"from":{"hash":"0x0000000000000000000000000000000000000000"},"to":{"hash":"0x00000000000000000000000000000000000000AA"},"value":"not-a-number"}
		]}`))
	}))
	defer srv.Close()

	client := NewExplorerClient(srv.URL+"/", time.Second)
	transfers := client.GetInternalTransfers(context.Background(), "0xtx100")
	require.Len(t, transfers, 2)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", transfers[0].From)

	amount := DepositAmount(transfers)
	require.NotNil(t, amount)
	assert.Equal(t, "1000000000000000000", amount.String())
}

func TestExplorerClient_ErrorsDegradeToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewExplorerClient(srv.URL, time.Second)
	transfers := client.GetInternalTransfers(context.Background(), "0xabc")
	assert.NotNil(t, transfers)
	assert.Empty(t, transfers)

	unset := NewExplorerClient("", time.Second)
	assert.Empty(t, unset.GetInternalTransfers(context.Background(), "0xabc"))
}

func TestDepositAmount(t *testing.T) {
	tests := []struct {
		name      string
		transfers []model.InternalTransfer
		want      *big.Int
	}{
		{name: "empty", transfers: nil, want: nil},
		{
			name: "no zero sender",
			transfers: []model.InternalTransfer{
				{From: "0x00000000000000000000000000000000000000aa", Value: big.NewInt(1)},
			},
			want: nil,
		},
		{
			name: "first zero sender wins",
			transfers: []model.InternalTransfer{
				{From: "0x00000000000000000000000000000000000000aa", Value: big.NewInt(1)},
				{From: ZeroAddress, Value: big.NewInt(7)},
				{From: ZeroAddress, Value: big.NewInt(9)},
			},
			want: big.NewInt(7),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DepositAmount(tt.transfers)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, 0, got.Cmp(tt.want))
		})
	}
}

func TestPriceFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ethereum":{"usd":3200.5}}`))
	}))
	defer srv.Close()

	price, err := NewPriceFeed(srv.URL, "ethereum", time.Second).FetchPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3200.5, price)

	_, err = NewPriceFeed(srv.URL, "bitcoin", time.Second).FetchPrice(context.Background())
	assert.Error(t, err)
}

func TestPriceFeed_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewPriceFeed(srv.URL, "ethereum", time.Second).FetchPrice(context.Background())
	assert.ErrorIs(t, err, model.ErrConnectivity)
}

func TestTVLSource(t *testing.T) {
	srv := newRPCServer(t, map[string]interface{}{
		"eth_getBalance": "0x1bc16d674ec80000",
	})

	ctx := context.Background()
	source, err := DialTVLSource(ctx, srv.URL, "0x49048044D57e1C92A77f79988d21Fa8fAF74E97e", time.Second)
	require.NoError(t, err)
	defer source.Close()

	tvl, err := source.TVL(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, tvl, 1e-9)

	_, err = DialTVLSource(ctx, srv.URL, "", time.Second)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
