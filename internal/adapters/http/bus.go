package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nsls2-tools/beamsync/internal/domain"
	"github.com/nsls2-tools/beamsync/internal/ports"
)

const topicsEndpoint = "/v1/topics/"

// BusTransport implements ports.BusTransport against the facility message
// bus's HTTP produce endpoint. Connection failures and 5xx responses are
// returned as *domain.TransportError so the delivery loop retries them;
// 4xx responses are returned as plain errors and are fatal for the
// document.
type BusTransport struct {
	client  ports.HTTPClient
	baseURL string
	authKey string
}

// NewBusTransport creates a bus transport for the broker at baseURL.
func NewBusTransport(client ports.HTTPClient, baseURL, authKey string) *BusTransport {
	return &BusTransport{
		client:  client,
		baseURL: baseURL,
		authKey: authKey,
	}
}

// Publish sends payload to topic, keyed by key.
func (b *BusTransport) Publish(ctx context.Context, topic, key string, payload []byte) error {
	endpoint := b.baseURL + topicsEndpoint + url.PathEscape(topic) + "/produce"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Key", key)
	if b.authKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.authKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return &domain.TransportError{Topic: topic, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("broker returned %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode/100 == 5 || resp.StatusCode == http.StatusTooManyRequests {
		return &domain.TransportError{Topic: topic, Err: statusErr}
	}
	return statusErr
}
