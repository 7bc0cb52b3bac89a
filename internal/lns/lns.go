// Package lns is a thin client for a LoRaWAN Network Server's HTTP API:
// enqueueing downlinks and flushing a device's queue. Response parsing uses
// gjson rather than a generated client, matching how the teacher's
// services/datafeeds package reads third-party JSON without a full schema
// (internal/lns is not a vendor-specific integration, so no typed SDK
// exists to wrap).
package lns

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lorapark/control-plane/infrastructure/resilience"
)

// Client talks to one LNS base URL with a bearer token. Outbound calls are
// guarded by a circuit breaker (opens on a failing LNS so a dead network
// server doesn't pile up goroutines behind its own timeout) and a short
// retry ladder for transient failures.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: resilience.New(resilience.DefaultConfig()),
		retry:   resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2.0, Jitter: 0.1},
	}
}

// EnqueueRequest is one downlink handed to the LNS.
type EnqueueRequest struct {
	DeviceEUI string
	Port      int
	Payload   []byte
	Confirmed bool
}

// EnqueueResult carries the LNS's own frame-counter assignment.
type EnqueueResult struct {
	FrameCounter int64
}

// Enqueue submits a downlink for the LNS to deliver on the device's next
// receive window (spec.md §4.4 step 3).
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"dev_eui":   req.DeviceEUI,
		"f_port":    req.Port,
		"confirmed": req.Confirmed,
		"data":      base64.StdEncoding.EncodeToString(req.Payload),
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("lns: encode enqueue request: %w", err)
	}

	respBody, err := c.post(ctx, fmt.Sprintf("/api/devices/%s/queue", req.DeviceEUI), body)
	if err != nil {
		return EnqueueResult{}, err
	}

	fcnt := gjson.GetBytes(respBody, "f_cnt_down")
	if !fcnt.Exists() {
		return EnqueueResult{}, fmt.Errorf("lns: f_cnt_down missing from enqueue response")
	}
	return EnqueueResult{FrameCounter: fcnt.Int()}, nil
}

// FlushQueue empties a device's pending LNS queue, used by the queue-cleanup
// job when a gateway has been offline long enough that the LNS's fixed
// unicast routing needs to be reset (spec.md §4.4 "Queue cleanup").
func (c *Client) FlushQueue(ctx context.Context, deviceEUI string) error {
	_, err := c.post(ctx, fmt.Sprintf("/api/devices/%s/queue/flush", deviceEUI), nil)
	return err
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	var respBody []byte
	err := c.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, c.retry, func() error {
			b, err := c.doPost(ctx, path, body)
			if err != nil {
				return err
			}
			respBody = b
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return nil, fmt.Errorf("lns: %w", err)
		}
		return nil, err
	}
	return respBody, nil
}

func (c *Client) doPost(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("lns: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lns: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lns: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lns: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
