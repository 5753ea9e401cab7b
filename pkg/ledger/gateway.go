// Package ledger abstracts the external distributed-ledger peer behind a
// connect/submit/query contract.
package ledger

import (
	"context"
	"time"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/types"
)

// Gateway is a network client for the ledger peer. It owns the connection
// lifecycle only; it never touches local state.
type Gateway interface {
	// Connect establishes a session. It is idempotent and fails with a
	// connection error when the peer is unreachable.
	Connect(ctx context.Context) error

	// SubmitTransaction invokes function on chaincode. It must only be called
	// while connected and fails with a submission error on rejection.
	SubmitTransaction(ctx context.Context, chaincode, function string, args ...string) (types.LedgerReceipt, error)

	// QueryTransaction is a read-only lookup used for reconciliation.
	QueryTransaction(ctx context.Context, txID string) (types.TxInfo, error)

	// Disconnect releases the session. Safe to call multiple times.
	Disconnect() error

	// Connected reports whether a session is open.
	Connected() bool
}

// ConnectWithRetry connects gw with exponential backoff starting at base.
// It returns a connection error once attempts are exhausted so startup can abort.
func ConnectWithRetry(ctx context.Context, gw Gateway, attempts int, base time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	logger := log.WithComponent("ledger")

	delay := base
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = gw.Connect(ctx); lastErr == nil {
			logger.Info().Int("attempt", attempt).Msg("connected to ledger peer")
			return nil
		}
		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("ledger connect failed")

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return serrors.Connection("connect", ctx.Err())
		}
		delay *= 2
	}

	if serrors.IsKind(lastErr, serrors.KindConnection) {
		return lastErr
	}
	return serrors.Connection("connect", lastErr)
}
