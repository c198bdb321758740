package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Credentials are ephemeral tool-gateway credentials obtained inside
// INVOKE_TOOL only; the mapper never sees them.
type Credentials struct {
	Token     string
	ExpiresAt time.Time
}

// CredentialSource mints short-lived credentials for one tool call.
type CredentialSource interface {
	Ephemeral(ctx context.Context, tenantID, tool string) (Credentials, error)
}

// StaticCredentials returns a fixed token. Test and dev use.
type StaticCredentials string

func (s StaticCredentials) Ephemeral(context.Context, string, string) (Credentials, error) {
	return Credentials{Token: string(s)}, nil
}

// ToolRequest is one outbound call to the tool gateway.
type ToolRequest struct {
	TenantID       string         `json:"tenant_id"`
	AccountID      string         `json:"account_id"`
	ActionIntentID string         `json:"action_intent_id"`
	Tool           string         `json:"tool"`
	SchemaVersion  string         `json:"schema_version"`
	Parameters     map[string]any `json:"parameters"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ToolResponse is the gateway's answer. Success=false with no transport
// error is a tool-level failure; external refs may still be present and
// drive compensation.
type ToolResponse struct {
	Success            bool                          `json:"success"`
	ExternalObjectRefs []contracts.ExternalObjectRef `json:"external_object_refs,omitempty"`
	Output             map[string]any                `json:"output,omitempty"`
	ToolRunRef         string                        `json:"tool_run_ref,omitempty"`
	ErrorCode          string                        `json:"error_code,omitempty"`
	ErrorMessage       string                        `json:"error_message,omitempty"`
}

// CompensationRequest reverses the external writes of a failed invocation.
type CompensationRequest struct {
	TenantID  string                        `json:"tenant_id"`
	Tool      string                        `json:"tool"`
	OutcomeID string                        `json:"outcome_id"`
	Refs      []contracts.ExternalObjectRef `json:"refs"`
}

// Gateway is the single egress point for tool calls.
type Gateway interface {
	Invoke(ctx context.Context, req ToolRequest, creds Credentials) (ToolResponse, error)
	Compensate(ctx context.Context, req CompensationRequest, creds Credentials) error
}

// HTTPGateway talks to an HTTP tool gateway. Transport and HTTP-status
// failures are classified into the error taxonomy so the invoker can decide
// retryability.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

var _ Gateway = (*HTTPGateway)(nil)

func (g *HTTPGateway) Invoke(ctx context.Context, req ToolRequest, creds Credentials) (ToolResponse, error) {
	var resp ToolResponse
	err := g.post(ctx, "/v1/invoke", req, creds, &resp)
	return resp, err
}

func (g *HTTPGateway) Compensate(ctx context.Context, req CompensationRequest, creds Credentials) error {
	return g.post(ctx, "/v1/compensate", req, creds, &struct{}{})
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any, creds Credentials, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gateway %s: marshal: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway %s: request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.Token)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return classifyNetErr(err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return classifyStatus(httpResp.StatusCode, string(data))
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return taxonomy.Wrap(taxonomy.CodePermanentUpstream, err, "gateway %s: decode response", path)
	}
	return nil
}

// classifyStatus maps gateway HTTP statuses to taxonomy codes. 5xx and 429
// are transient; everything else is permanent.
func classifyStatus(code int, body string) error {
	switch {
	case code == http.StatusTooManyRequests:
		return taxonomy.New(taxonomy.CodeTransientUpstream, "gateway throttled (429): %s", body)
	case code >= 500:
		return taxonomy.New(taxonomy.CodeTransientUpstream, "gateway error (%d): %s", code, body)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return taxonomy.New(taxonomy.CodeAuth, "gateway rejected credentials (%d)", code)
	default:
		return taxonomy.New(taxonomy.CodePermanentUpstream, "gateway error (%d): %s", code, body)
	}
}

// transientNetErrors are the connection-level failures worth retrying.
var transientNetErrors = []string{
	"connection reset",
	"connection refused",
	"no such host",
	"i/o timeout",
	"temporary failure in name resolution",
}

func classifyNetErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return taxonomy.Wrap(taxonomy.CodeTimeout, err, "gateway call deadline exceeded")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return taxonomy.Wrap(taxonomy.CodeTransientUpstream, err, "gateway call timed out")
	}
	msg := err.Error()
	for _, marker := range transientNetErrors {
		if strings.Contains(msg, marker) {
			return taxonomy.Wrap(taxonomy.CodeTransientUpstream, err, "gateway network failure")
		}
	}
	return taxonomy.Wrap(taxonomy.CodePermanentUpstream, err, "gateway call failed")
}

// IsTransient reports whether an invocation error warrants a retry.
func IsTransient(err error) bool {
	code := taxonomy.Classify(err)
	return code == taxonomy.CodeTransientUpstream || code == taxonomy.CodeRateLimit
}
