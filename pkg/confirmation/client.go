package confirmation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/verifika/report-engine/pkg/common/httpclient"
)

// Request carries the validation outcome for one upload back to the
// confirmation service.
type Request struct {
	RequestID        string `json:"request_id"`
	ValidationResult string `json:"validation_result"`
	ReportPlatformID string `json:"report_platform_id,omitempty"`
	Account          string `json:"account,omitempty"`
}

type Client struct {
	endpoint string
	client   *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		client:   httpclient.New(timeout),
	}
}

// Confirm posts the outcome. Any transport error or non-2xx response is
// returned to the caller, which treats it as retryable.
func (c *Client) Confirm(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding confirmation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building confirmation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting confirmation: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("confirmation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
