package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// HTTPConnector polls a snapshot feed over HTTP. The feed contract is one
// GET per account returning the snapshots observed since the sync marker
// plus the next marker. It runs in HYBRID mode: the cursor advances when the
// feed returns one, the timestamp floor always advances.
type HTTPConnector struct {
	*Base
	baseURL string
	client  *http.Client
}

func NewHTTPConnector(id, baseURL string, requestsPerMinute float64, burst int) *HTTPConnector {
	return &HTTPConnector{
		Base:    NewBase(id, ModeHybrid, "1.0.0", requestsPerMinute, burst),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Connector = (*HTTPConnector)(nil)

func (c *HTTPConnector) Connect(ctx context.Context) error    { return nil }
func (c *HTTPConnector) Disconnect(ctx context.Context) error { return nil }

// feedResponse is the wire shape of one poll page.
type feedResponse struct {
	Snapshots []contracts.EvidenceSnapshot `json:"snapshots"`
	Cursor    string                       `json:"cursor"`
	SyncedAt  time.Time                    `json:"synced_at"`
}

func (c *HTTPConnector) Poll(ctx context.Context, req PollRequest) (*Batch, error) {
	if err := c.Wait(ctx); err != nil {
		return nil, &Error{ConnectorID: c.ID(), Op: "rate wait", Err: err}
	}

	q := url.Values{}
	q.Set("depth", string(req.Depth))
	if req.State.Cursor != "" {
		q.Set("cursor", req.State.Cursor)
	} else if req.State.LastSyncAt != nil {
		q.Set("since", req.State.LastSyncAt.UTC().Format(time.RFC3339Nano))
	}
	endpoint := fmt.Sprintf("%s/v1/tenants/%s/accounts/%s/snapshots?%s",
		c.baseURL, url.PathEscape(req.TenantID), url.PathEscape(req.AccountID), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{ConnectorID: c.ID(), Op: "build request", Err: err}
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{ConnectorID: c.ID(), Op: "poll",
			Err: taxonomy.Wrap(taxonomy.CodeTransientUpstream, err, "feed unreachable")}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code := taxonomy.CodePermanentUpstream
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			code = taxonomy.CodeTransientUpstream
		}
		return nil, &Error{ConnectorID: c.ID(), Op: "poll",
			Err: taxonomy.New(code, "feed status %d: %s", resp.StatusCode, string(body))}
	}

	var feed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, &Error{ConnectorID: c.ID(), Op: "decode",
			Err: taxonomy.Wrap(taxonomy.CodeValidation, err, "malformed feed page")}
	}

	next := req.State
	if feed.Cursor != "" {
		next.Cursor = feed.Cursor
	}
	syncedAt := feed.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	next.LastSyncAt = &syncedAt
	return &Batch{Snapshots: feed.Snapshots, NextState: next}, nil
}
