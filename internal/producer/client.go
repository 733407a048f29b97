// Package producer implements the producer-side client of the relay broker:
// instance listing and prompt submission with hard per-call timeouts,
// retry/backoff, and a pre-flight throttle.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/ratelimit"
	"github.com/loopback-labs/promptrelay/internal/security"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

const (
	// callTimeout is the hard per-call deadline on broker requests.
	callTimeout = 5 * time.Second

	// preflightLimit and preflightWindow define the soft producer-side
	// guard applied before any request is issued.
	preflightLimit  = 10
	preflightWindow = time.Minute

	// sessionKey identifies this producer process to its own throttle. The
	// throttle is per-session, not per-endpoint.
	sessionKey = "producer-session"
)

// RateLimitError reports that the pre-flight throttle refused a submission
// before any network call was made.
type RateLimitError struct {
	ResetAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("submission throttled, retry in %s", e.ResetAfter.Round(time.Second))
}

// Instance is one broker-side consumer as reported by the instance listing.
type Instance struct {
	ID            int    `json:"id"`
	Workspace     string `json:"workspace"`
	WorkspacePath string `json:"workspacePath"`
	ActiveFile    string `json:"activeFile"`
	ConnectedAt   string `json:"connectedAt"`
	LastActive    string `json:"lastActive"`
	Status        string `json:"status"`
}

type instanceList struct {
	Clients     []Instance `json:"clients"`
	ClientCount int        `json:"clientCount"`
}

// SubmitResult is the broker's acknowledgement of a routed prompt.
type SubmitResult struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ClientCount    int    `json:"clientCount"`
	TargetClientID int    `json:"targetClientId"`
	Timestamp      string `json:"timestamp"`
}

type brokerFailure struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// Client talks to a local relay broker. The base URL must be loopback.
type Client struct {
	baseURL  string
	http     *http.Client
	throttle *ratelimit.Limiter
	retryCfg RetryConfig
	logger   *zap.Logger
}

// NewClient creates a producer client for the broker at baseURL.
func NewClient(baseURL string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := security.ValidateEndpointURL(baseURL); err != nil {
		return nil, fmt.Errorf("broker endpoint rejected: %w", err)
	}

	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: callTimeout},
		throttle: ratelimit.New(preflightLimit, preflightWindow),
		retryCfg: DefaultRetryConfig(),
		logger:   logger.With(zap.String("component", "producer")),
	}, nil
}

// ListInstances fetches the broker's consumer list for instance selection.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	list, err := retry(ctx, c.retryCfg, c.logger, "list instances",
		func(ctx context.Context) (*instanceList, error) {
			return c.fetchInstances(ctx)
		})
	if err != nil {
		return nil, err
	}
	return list.Clients, nil
}

// Submit sends one prompt to the broker. The pre-flight throttle runs
// before any network call; a throttled submission never reaches the wire.
func (c *Client) Submit(ctx context.Context, req *protocol.PromptRequest) (*SubmitResult, error) {
	if !c.throttle.Allow(sessionKey) {
		return nil, &RateLimitError{ResetAfter: c.throttle.ResetAfter(sessionKey)}
	}

	return retry(ctx, c.retryCfg, c.logger, "submit prompt",
		func(ctx context.Context) (*SubmitResult, error) {
			return c.postSubmit(ctx, req)
		})
}

func (c *Client) fetchInstances(ctx context.Context) (*instanceList, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/clients", nil)
	if err != nil {
		return nil, permanent(err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeFailure(resp)
	}

	var list instanceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("malformed instance list: %w", err)
	}
	return &list, nil
}

func (c *Client) postSubmit(ctx context.Context, req *protocol.PromptRequest) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, permanent(fmt.Errorf("failed to encode prompt request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return nil, permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("broker unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeFailure(resp)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("malformed broker response: %w", err)
	}
	return &result, nil
}

// decodeFailure turns a non-OK broker response into an error. Client-side
// rejections (4xx) are permanent: retrying the same payload cannot succeed.
func (c *Client) decodeFailure(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var failure brokerFailure
	if err := json.Unmarshal(data, &failure); err != nil || failure.Code == "" {
		err = fmt.Errorf("broker returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return permanent(err)
		}
		return err
	}

	err := fmt.Errorf("broker rejected request: %s (%s)", failure.Message, failure.Code)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return permanent(err)
	}
	return err
}
