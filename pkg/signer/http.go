package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"treasury/pkg/httpx"
	"treasury/pkg/telemetry"
)

// HTTPClient posts signing requests to an MPC signing service.
type HTTPClient struct {
	BaseURL    string
	Token      string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:      strings.TrimSpace(token),
		Client:     telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

func (c *HTTPClient) Request(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	headers := map[string]string{"Idempotency-Key": req.RequestID}
	if c.Token != "" {
		headers["Authorization"] = "Bearer " + c.Token
	}
	status, resp, err := httpx.RequestJSON(ctx, c.Client, http.MethodPost, c.BaseURL+"/v1/sign", body, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("signer request %s: %w", req.RequestID, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrSignerRejected, status, strings.TrimSpace(string(resp)))
	}
	return nil
}
