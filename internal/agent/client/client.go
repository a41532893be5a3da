// Package client is the agent's signed HTTP client for the gateway
// connect-back API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/config"
	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/gateway/auth"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsAuthError reports whether err is an authentication failure the agent
// must not blindly retry.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

// Client signs and sends agent requests.
type Client struct {
	baseURL       string
	http          *http.Client
	signer        *auth.Signer
	ingestRetries int
	logger        *logger.Logger
}

// New creates a gateway client. The HTTP timeout also bounds event ingest.
func New(cfg config.AgentConfig, hmacSecret string, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.IngestTimeoutSeconds) * time.Second
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:       cfg.GatewayURL,
		http:          &http.Client{Timeout: timeout},
		signer:        auth.NewSigner(hmacSecret),
		ingestRetries: cfg.IngestRetries,
		logger:        log.WithFields(zap.String("component", "gateway_client")),
	}
}

// do signs and issues one request, decoding the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType, runID, capToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	ts := auth.Now()
	nonce := auth.NewNonce()
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, c.signer.Sign(method, path, body, ts, nonce, runID, capToken))
	if runID != "" {
		req.Header.Set(auth.HeaderRunID, runID)
		req.Header.Set(auth.HeaderCapabilityToken, capToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(data)}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Code = parsed.Code
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, runID, capToken string) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return c.do(ctx, method, path, payload, "application/json", runID, capToken, out)
}

// Register registers the agent with the gateway.
func (c *Client) Register(ctx context.Context, req v1.RegisterAgentRequest) (*v1.Agent, error) {
	var agent v1.Agent
	if err := c.doJSON(ctx, http.MethodPost, "/api/clients/register", req, &agent, "", ""); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Heartbeat refreshes the agent's liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/clients/heartbeat",
		v1.HeartbeatRequest{AgentID: agentID}, nil, "", "")
}

// Claim asks for the oldest eligible pending run. Returns nil when there is
// nothing to do.
func (c *Client) Claim(ctx context.Context, agentID string) (*v1.Run, error) {
	var resp v1.ClaimResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/runs/claim",
		v1.ClaimRequest{AgentID: agentID}, &resp, "", ""); err != nil {
		return nil, err
	}
	return resp.Run, nil
}

// IngestEvent appends an event to the run's log, retrying transient failures
// with backoff. Auth failures are returned immediately.
func (c *Client) IngestEvent(ctx context.Context, runID, capToken string, req v1.IngestEventRequest) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= c.ingestRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var resp v1.IngestEventResponse
		err := c.doJSON(ctx, http.MethodPost, "/api/ingest/event", req, &resp, runID, capToken)
		if err == nil {
			return resp.EventID, nil
		}
		if IsAuthError(err) {
			return 0, err
		}
		lastErr = err
		c.logger.Warn("event ingest failed",
			zap.String("run_id", runID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return 0, fmt.Errorf("ingest event after %d attempts: %w", c.ingestRetries+1, lastErr)
}

// PollCommands returns the run's pending commands in queue order.
func (c *Client) PollCommands(ctx context.Context, runID, capToken string) ([]v1.PendingCommand, error) {
	var resp struct {
		Commands []v1.PendingCommand `json:"commands"`
	}
	path := "/api/runs/" + runID + "/commands"
	if err := c.do(ctx, http.MethodGet, path, nil, "", runID, capToken, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// AckCommand completes a command.
func (c *Client) AckCommand(ctx context.Context, runID, capToken, commandID string, req v1.AckCommandRequest) error {
	path := "/api/runs/" + runID + "/commands/" + commandID + "/ack"
	return c.doJSON(ctx, http.MethodPost, path, req, nil, runID, capToken)
}

// SaveState reports the driver's persisted state to the gateway.
func (c *Client) SaveState(ctx context.Context, runID, capToken string, state v1.RunState) error {
	path := "/api/runs/" + runID + "/state"
	return c.doJSON(ctx, http.MethodPost, path, state, nil, runID, capToken)
}

// UploadArtifact uploads one named artifact as multipart form data.
func (c *Client) UploadArtifact(ctx context.Context, runID, capToken, name string, content []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	path := "/api/runs/" + runID + "/artifacts"
	return c.do(ctx, http.MethodPost, path, buf.Bytes(), w.FormDataContentType(), runID, capToken, nil)
}
