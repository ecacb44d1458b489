// Package pipeline chains the staged processors of the trend automation flow:
// four consumers move each signal from trend_signals through ideation, image
// generation, product creation, and listing publication, and a scheduler
// drives the recurring jobs around them.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/trendmill/trendmill/errors"
	"github.com/trendmill/trendmill/internal/httpclient"
)

// NewStageClient builds the HTTP client for collaborator and notification
// calls. Collaborators are internal services (ideation, image-gen,
// integration, notifications) whose hostnames resolve to private addresses,
// so private-IP blocking is off here; the scheme allowlist and redirect cap
// stay on. Scraper traffic keeps the fully hardened client.
func NewStageClient(timeout time.Duration) *httpclient.SaferClient {
	block := false
	return httpclient.NewWithOptions(timeout, httpclient.Options{
		BlockPrivateIP: &block,
	})
}

// serviceClient posts JSON payloads to stage collaborators.
type serviceClient struct {
	http *httpclient.SaferClient
}

// post sends payload to baseURL's root endpoint and decodes the JSON object
// reply into a flat string map.
func (c *serviceClient) post(ctx context.Context, baseURL string, payload map[string]string) (map[string]string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal stage payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid collaborator URL %s", baseURL)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call %s", baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("collaborator %s returned status %d", baseURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read reply from %s", baseURL)
	}

	var result map[string]string
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrapf(err, "malformed reply from %s", baseURL)
	}
	return result, nil
}
