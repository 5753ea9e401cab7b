package processor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/events"
	"github.com/herbtrace/anchor/pkg/ledger"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/metrics"
	"github.com/herbtrace/anchor/pkg/storage"
	"github.com/herbtrace/anchor/pkg/types"
)

// Auditor records audit entries without failing the caller.
type Auditor interface {
	Record(action types.AuditAction, entityType, entityID string, metadata map[string]any)
}

// Publisher receives lifecycle notifications.
type Publisher interface {
	Publish(event *events.Event)
}

// Config configures the processor.
type Config struct {
	Chaincode  string
	Function   string
	MaxRetries int
}

// Outcome is the result of processing one event.
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result describes what Process did.
type Result struct {
	Outcome    Outcome
	Receipt    types.LedgerReceipt
	RetryCount int
}

// Processor runs one event through PENDING → UPLOADING → SYNCED | FAILED.
// The caller must hold the event's job lease; that makes it the only writer
// of the event's status fields.
type Processor struct {
	store   storage.EventStore
	gateway ledger.Gateway
	auditor Auditor
	events  Publisher
	cfg     Config
	now     func() time.Time
}

// New creates a processor. events may be nil.
func New(store storage.EventStore, gateway ledger.Gateway, auditor Auditor, events Publisher, cfg Config) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Processor{
		store:   store,
		gateway: gateway,
		auditor: auditor,
		events:  events,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Process synchronizes one event. Errors are classified for the queue:
// retryable errors get backoff, anything else fails the job.
func (p *Processor) Process(ctx context.Context, eventID string) (Result, error) {
	logger := log.WithEventID(eventID)

	event, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		if serrors.IsKind(err, serrors.KindNotFound) {
			return Result{Outcome: OutcomeFailed}, serrors.Permanent(err)
		}
		return Result{Outcome: OutcomeFailed}, err
	}

	if event.Status == types.SyncStatusSynced {
		logger.Debug().Msg("event already synced, skipping")
		metrics.SyncAttemptsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		p.publish(events.EventSyncSkipped, eventID, "already synced", nil)
		return Result{Outcome: OutcomeSkipped, RetryCount: event.RetryCount}, nil
	}

	if event.Status == types.SyncStatusFailed && event.RetryCount >= p.cfg.MaxRetries {
		logger.Warn().Int("retry_count", event.RetryCount).Msg("retry ceiling reached, not submitting")
		return Result{Outcome: OutcomeFailed, RetryCount: event.RetryCount},
			serrors.Permanent(serrors.New(serrors.KindSubmission, "process",
				fmt.Sprintf("event %s reached the retry ceiling (%d)", eventID, p.cfg.MaxRetries)))
	}

	if err := p.store.MarkUploading(ctx, eventID); err != nil {
		return Result{Outcome: OutcomeFailed, RetryCount: event.RetryCount}, err
	}
	p.publish(events.EventSyncStarted, eventID, "", map[string]string{"attempt": strconv.Itoa(event.RetryCount + 1)})

	args, err := BuildPayload(event)
	if err != nil {
		return p.fail(ctx, logger, event, err)
	}

	if !p.gateway.Connected() {
		if err := p.gateway.Connect(ctx); err != nil {
			return p.fail(ctx, logger, event, err)
		}
	}

	timer := metrics.NewTimer()
	receipt, err := p.gateway.SubmitTransaction(ctx, p.cfg.Chaincode, p.cfg.Function, args...)
	if err != nil {
		timer.ObserveDurationVec(metrics.LedgerSubmitDuration, string(OutcomeFailed))
		return p.fail(ctx, logger, event, err)
	}
	timer.ObserveDurationVec(metrics.LedgerSubmitDuration, string(OutcomeSynced))

	if err := p.store.MarkSynced(ctx, eventID, receipt, p.now()); err != nil {
		// the ledger holds the transaction; resubmitting would anchor it twice
		logger.Error().
			Err(err).
			Str("tx_id", receipt.TxID).
			Msg("anchored on ledger but failed to record receipt")
		return Result{Outcome: OutcomeFailed, Receipt: receipt, RetryCount: event.RetryCount},
			serrors.Permanent(serrors.Wrap(serrors.KindInternal, "process", "failed to record ledger receipt", err))
	}

	p.auditor.Record(types.AuditSync, types.EntityCollectionEvent, eventID, map[string]any{
		"txId":      receipt.TxID,
		"blockHash": receipt.BlockHash,
		"attempt":   event.RetryCount + 1,
	})
	metrics.SyncAttemptsTotal.WithLabelValues(string(OutcomeSynced)).Inc()
	p.publish(events.EventSyncSucceeded, eventID, "", map[string]string{"txId": receipt.TxID, "blockHash": receipt.BlockHash})

	logger.Info().
		Str("tx_id", receipt.TxID).
		Str("block_hash", receipt.BlockHash).
		Msg("event anchored on ledger")

	return Result{Outcome: OutcomeSynced, Receipt: receipt, RetryCount: event.RetryCount}, nil
}

// fail records a failed attempt and returns cause for the queue. Validation
// errors are permanent; everything else keeps its own classification.
func (p *Processor) fail(ctx context.Context, logger zerolog.Logger, event *types.CollectionEvent, cause error) (Result, error) {
	retryCount, err := p.store.MarkFailed(ctx, event.ID, cause.Error())
	if err != nil {
		logger.Error().Err(err).Msg("failed to record sync failure")
		retryCount = event.RetryCount + 1
	}

	p.auditor.Record(types.AuditSyncFailed, types.EntityCollectionEvent, event.ID, map[string]any{
		"error":   cause.Error(),
		"attempt": retryCount,
	})
	metrics.SyncAttemptsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	p.publish(events.EventSyncFailed, event.ID, cause.Error(), map[string]string{"retryCount": strconv.Itoa(retryCount)})

	logger.Warn().
		Err(cause).
		Int("retry_count", retryCount).
		Msg("ledger submission failed")

	if serrors.IsKind(cause, serrors.KindValidation) {
		cause = serrors.Permanent(cause)
	}
	return Result{Outcome: OutcomeFailed, RetryCount: retryCount}, cause
}

func (p *Processor) publish(typ events.EventType, eventID, message string, metadata map[string]string) {
	if p.events == nil {
		return
	}
	p.events.Publish(&events.Event{
		Type:     typ,
		EventID:  eventID,
		Message:  message,
		Metadata: metadata,
	})
}
