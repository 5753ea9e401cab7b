package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/types"
)

// HTTPConfig configures a gateway that talks JSON/REST to a ledger peer's
// gateway service.
type HTTPConfig struct {
	Endpoint string
	Channel  string
	Token    string
	Timeout  time.Duration
}

// HTTPGateway is the production Gateway. A session is a verified health
// probe against the peer; submissions and queries are plain HTTP calls.
type HTTPGateway struct {
	cfg    HTTPConfig
	client *resty.Client

	mu        sync.RWMutex
	connected bool
}

type submitRequest struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

type submitResponse struct {
	TxID      string `json:"txId"`
	BlockHash string `json:"blockHash"`
}

type queryResponse struct {
	TxID        string    `json:"txId"`
	Status      string    `json:"status"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPGateway creates a gateway for the given peer.
func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPGateway{cfg: cfg, client: client}
}

func (g *HTTPGateway) Connect(ctx context.Context) error {
	if g.Connected() {
		return nil
	}

	resp, err := g.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return serrors.Connection("connect", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return serrors.Connection("connect", fmt.Errorf("health probe returned %d: %s", resp.StatusCode(), resp.String()))
	}

	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

func (g *HTTPGateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

func (g *HTTPGateway) Connected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connected
}

func (g *HTTPGateway) SubmitTransaction(ctx context.Context, chaincode, function string, args ...string) (types.LedgerReceipt, error) {
	if !g.Connected() {
		return types.LedgerReceipt{}, serrors.Connection("submit", fmt.Errorf("gateway not connected"))
	}

	var out submitResponse
	var apiErr errorResponse
	path := fmt.Sprintf("/api/v1/channels/%s/chaincodes/%s/transactions",
		url.PathEscape(g.cfg.Channel), url.PathEscape(chaincode))
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(submitRequest{Function: function, Args: args}).
		SetResult(&out).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return types.LedgerReceipt{}, serrors.Submission("submit", err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.String()
		}
		return types.LedgerReceipt{}, serrors.Submission("submit", fmt.Errorf("peer returned %d: %s", resp.StatusCode(), msg))
	}
	if out.TxID == "" {
		return types.LedgerReceipt{}, serrors.Submission("submit", fmt.Errorf("peer response missing txId"))
	}
	return types.LedgerReceipt{TxID: out.TxID, BlockHash: out.BlockHash}, nil
}

func (g *HTTPGateway) QueryTransaction(ctx context.Context, txID string) (types.TxInfo, error) {
	if !g.Connected() {
		return types.TxInfo{}, serrors.Connection("query", fmt.Errorf("gateway not connected"))
	}

	var out queryResponse
	path := fmt.Sprintf("/api/v1/channels/%s/transactions/%s", url.PathEscape(g.cfg.Channel), url.PathEscape(txID))
	resp, err := g.client.R().SetContext(ctx).SetResult(&out).Get(path)
	if err != nil {
		return types.TxInfo{}, serrors.Wrap(serrors.KindInternal, "query", "transaction query failed", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.TxInfo{}, serrors.NotFound("query", "transaction", txID)
	}
	if resp.IsError() {
		return types.TxInfo{}, serrors.New(serrors.KindInternal, "query", fmt.Sprintf("peer returned %d: %s", resp.StatusCode(), resp.String()))
	}
	return types.TxInfo(out), nil
}
