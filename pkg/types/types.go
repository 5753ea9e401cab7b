package types

import (
	"fmt"
	"time"
)

// SyncStatus is the anchoring state of a collection event
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "PENDING"
	SyncStatusUploading SyncStatus = "UPLOADING"
	SyncStatusSynced    SyncStatus = "SYNCED"
	SyncStatusFailed    SyncStatus = "FAILED"
)

// AllSyncStatuses lists every status in lifecycle order
var AllSyncStatuses = []SyncStatus{
	SyncStatusPending,
	SyncStatusUploading,
	SyncStatusSynced,
	SyncStatusFailed,
}

// Valid reports whether s is a known status
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusUploading, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// Source is the channel a collection event arrived through
type Source string

const (
	SourceAPI   Source = "api"
	SourceSMS   Source = "sms"
	SourceBatch Source = "batch"
)

// Provenance describes where and how an event was captured
type Provenance struct {
	Source      Source `json:"source"`
	Device      string `json:"device,omitempty"`
	CollectorID string `json:"collectorId,omitempty"`
}

// CollectionEvent is a locally recorded collection that must be anchored on the ledger
type CollectionEvent struct {
	ID          string          `json:"id"`
	Species     string          `json:"species"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	CollectedAt time.Time       `json:"collectedAt"`
	Moisture    *float64        `json:"moisture,omitempty"`
	PhotoHash   *string         `json:"photoHash,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Provenance  Provenance      `json:"provenance"`
	Flags       map[string]bool `json:"flags,omitempty"` // validation flags computed upstream

	Status     SyncStatus `json:"status"`
	RetryCount int        `json:"retryCount"`
	LastError  *string    `json:"lastError,omitempty"`
	TxID       *string    `json:"txId,omitempty"`
	BlockHash  *string    `json:"blockHash,omitempty"`
	SyncedAt   *time.Time `json:"syncedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckInvariants verifies the status/field coupling of an event.
// SYNCED iff TxID and SyncedAt are set; FAILED implies LastError is set.
func (e *CollectionEvent) CheckInvariants() error {
	anchored := e.TxID != nil && e.SyncedAt != nil
	if e.Status == SyncStatusSynced && !anchored {
		return fmt.Errorf("event %s is SYNCED without txId/syncedAt", e.ID)
	}
	if e.Status != SyncStatusSynced && anchored {
		return fmt.Errorf("event %s has txId/syncedAt but status %s", e.ID, e.Status)
	}
	if e.Status == SyncStatusFailed && e.LastError == nil {
		return fmt.Errorf("event %s is FAILED without lastError", e.ID)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("event %s has negative retryCount", e.ID)
	}
	return nil
}

// JobState is the queue-side state of a sync job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Live reports whether a job in this state still blocks a new enqueue for its event
func (s JobState) Live() bool {
	return s == JobStateWaiting || s == JobStateDelayed || s == JobStateActive
}

// JobIDPrefix is prepended to event ids to build deterministic job ids
const JobIDPrefix = "sync-"

// JobIDFor returns the deterministic job id for an event
func JobIDFor(eventID string) string {
	return JobIDPrefix + eventID
}

// JobPayload is the persisted job payload
type JobPayload struct {
	EventID string `json:"eventId"`
}

// SyncJob is one durable unit of work: synchronize this event to the ledger
type SyncJob struct {
	ID           string     `json:"id"`
	Payload      JobPayload `json:"data"`
	Priority     int        `json:"priority"`
	AttemptsMade int        `json:"attemptsMade"`
	MaxAttempts  int        `json:"maxAttempts"`
	State        JobState   `json:"state"`
	StalledCount int        `json:"stalledCount"`

	LeaseOwner     string    `json:"leaseOwner,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
	ReadyAt        time.Time `json:"readyAt"`
	LastError      string    `json:"lastError,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// EventID returns the event this job synchronizes
func (j *SyncJob) EventID() string {
	return j.Payload.EventID
}

// AuditAction tags an audit log entry
type AuditAction string

const (
	AuditSync              AuditAction = "SYNC"
	AuditSyncFailed        AuditAction = "SYNC_FAILED"
	AuditCollect           AuditAction = "COLLECT"
	AuditSMSCollect        AuditAction = "SMS_COLLECT"
	AuditRetryFailedEvents AuditAction = "RETRY_FAILED_EVENTS"
)

// AuditEntry is an immutable record of something that happened to an entity
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     AuditAction    `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Entity types referenced by audit entries
const (
	EntityCollectionEvent = "CollectionEvent"
	EntitySyncQueue       = "SyncQueue"
)

// QueueCounts is a snapshot of jobs per queue state
type QueueCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// SyncStats aggregates event statuses and queue states
type SyncStats struct {
	Events map[SyncStatus]int `json:"events"`
	Queue  QueueCounts        `json:"queue"`
}

// LedgerReceipt is returned by a successful ledger submission
type LedgerReceipt struct {
	TxID      string `json:"txId"`
	BlockHash string `json:"blockHash"`
}

// TxInfo is the ledger's view of a submitted transaction
type TxInfo struct {
	TxID        string    `json:"txId"`
	Status      string    `json:"status"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
}
