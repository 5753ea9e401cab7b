package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/herbtrace/anchor/pkg/api"
	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/scheduler"
	"github.com/herbtrace/anchor/pkg/types"
)

// Client talks to a running anchor API server
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the server at baseURL (e.g. http://127.0.0.1:8080)
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
	}
}

// CreateEvent records a collection event and returns the stored event and its job
func (c *Client) CreateEvent(ctx context.Context, event *types.CollectionEvent) (*api.CreateEventResponse, error) {
	var out api.CreateEventResponse
	if err := c.do(ctx, "create event", "POST", "/api/v1/events", event, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEvent returns an event and, when present, its sync job
func (c *Client) GetEvent(ctx context.Context, id string) (*api.EventResponse, error) {
	var out api.EventResponse
	if err := c.do(ctx, "get event", "GET", "/api/v1/events/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueueSync enqueues a sync job for an existing event
func (c *Client) QueueSync(ctx context.Context, id string, priority int) (*api.QueueSyncResponse, error) {
	var out api.QueueSyncResponse
	path := "/api/v1/events/" + url.PathEscape(id) + "/sync"
	if err := c.do(ctx, "queue sync", "POST", path, api.QueueSyncRequest{Priority: priority}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListFailed lists FAILED events, newest first
func (c *Client) ListFailed(ctx context.Context, limit int) ([]*types.CollectionEvent, error) {
	var out api.FailedEventsResponse
	path := "/api/v1/events/failed"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, "list failed", "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// AuditTrail returns the audit entries of an entity in write order
func (c *Client) AuditTrail(ctx context.Context, id string) ([]*types.AuditEntry, error) {
	var out api.AuditTrailResponse
	if err := c.do(ctx, "audit trail", "GET", "/api/v1/events/"+url.PathEscape(id)+"/audit", nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// RetryFailed runs the bulk retry sweep on the server
func (c *Client) RetryFailed(ctx context.Context) (*scheduler.SweepResult, error) {
	var out scheduler.SweepResult
	if err := c.do(ctx, "retry failed", "POST", "/api/v1/sync/retry-failed", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns counts per event status and queue state
func (c *Client) Stats(ctx context.Context) (*types.SyncStats, error) {
	var out types.SyncStats
	if err := c.do(ctx, "stats", "GET", "/api/v1/sync/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs lists sync jobs in one queue state
func (c *Client) ListJobs(ctx context.Context, state types.JobState, limit int) ([]*types.SyncJob, error) {
	var out api.JobsResponse
	q := url.Values{}
	q.Set("state", string(state))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, "list jobs", "GET", "/api/v1/sync/jobs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// QueryTransaction looks up a ledger transaction through the server's gateway
func (c *Client) QueryTransaction(ctx context.Context, txID string) (*types.TxInfo, error) {
	var out types.TxInfo
	if err := c.do(ctx, "query transaction", "GET", "/api/v1/ledger/transactions/"+url.PathEscape(txID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do executes one request. Transport failures become Connection errors and
// API error bodies keep the kind the server reported.
func (c *Client) do(ctx context.Context, op, method, path string, body, result any) error {
	var apiErr api.ErrorResponse
	req := c.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return serrors.Wrap(serrors.KindConnection, op, "anchor API unreachable", err)
	}
	if !resp.IsError() {
		return nil
	}

	msg := apiErr.Error
	if msg == "" {
		msg = resp.String()
	}
	kind := serrors.Kind(apiErr.Kind)
	if kind == "" {
		kind = serrors.KindInternal
	}
	return serrors.Wrap(kind, op, msg, fmt.Errorf("server returned %d", resp.StatusCode()))
}
