package ledger

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/types"
)

// RateLimited wraps a Gateway with a token bucket shared by submissions and
// queries so a burst of retries cannot flood the peer.
type RateLimited struct {
	Gateway
	limiter *rate.Limiter
}

// NewRateLimited wraps gw. A non-positive qps returns gw unchanged.
func NewRateLimited(gw Gateway, qps float64, burst int) Gateway {
	if qps <= 0 {
		return gw
	}
	if burst <= 0 {
		burst = int(qps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimited{Gateway: gw, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (r *RateLimited) SubmitTransaction(ctx context.Context, chaincode, function string, args ...string) (types.LedgerReceipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return types.LedgerReceipt{}, serrors.Submission("submit", fmt.Errorf("rate limit wait failed: %w", err))
	}
	return r.Gateway.SubmitTransaction(ctx, chaincode, function, args...)
}

func (r *RateLimited) QueryTransaction(ctx context.Context, txID string) (types.TxInfo, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return types.TxInfo{}, fmt.Errorf("rate limit wait failed: %w", err)
	}
	return r.Gateway.QueryTransaction(ctx, txID)
}
