package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nsls2-tools/beamsync/internal/ports"
)

const (
	kvEndpoint      = "/v1/kv/"
	channelEndpoint = "/v1/channels/"

	// listenRetryDelay spaces out poll retries after a failure so an
	// unreachable store does not busy-loop the listener.
	listenRetryDelay = 2 * time.Second
)

// StoreClient implements ports.StoreClient, ports.UpdateNotifier, and
// ports.UpdateListener against the beamline's key-value service over HTTP.
type StoreClient struct {
	client  ports.HTTPClient
	baseURL string
	authKey string
	logger  ports.Logger
}

// NewStoreClient creates a store client for the service at baseURL.
func NewStoreClient(client ports.HTTPClient, baseURL, authKey string, logger ports.Logger) *StoreClient {
	return &StoreClient{
		client:  client,
		baseURL: baseURL,
		authKey: authKey,
		logger:  logger,
	}
}

type kvValue struct {
	Value string `json:"value"`
}

// Get fetches the value for key. The second return is false when the key
// is absent remotely.
func (s *StoreClient) Get(ctx context.Context, key string) (string, bool, error) {
	req, err := s.newRequest(ctx, http.MethodGet, kvEndpoint+url.PathEscape(key), nil)
	if err != nil {
		return "", false, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode/100 != 2 {
		return "", false, statusError("get", key, resp)
	}

	var v kvValue
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", false, fmt.Errorf("decode value for %q: %w", key, err)
	}
	return v.Value, true, nil
}

// Set writes key to value. It returns nil only once the store acknowledged
// the write.
func (s *StoreClient) Set(ctx context.Context, key, value string) error {
	body, err := json.Marshal(kvValue{Value: value})
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", key, err)
	}

	req, err := s.newRequest(ctx, http.MethodPut, kvEndpoint+url.PathEscape(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError("set", key, resp)
	}
	return nil
}

// Delete removes key from the store. Deleting an absent key is not an error.
func (s *StoreClient) Delete(ctx context.Context, key string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, kvEndpoint+url.PathEscape(key), nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode/100 != 2 {
		return statusError("delete", key, resp)
	}
	return nil
}

// NotifyUpdate announces a metadata change on the namespace's update
// channel so other processes can invalidate their caches.
func (s *StoreClient) NotifyUpdate(ctx context.Context, channel, message string) error {
	path := channelEndpoint + url.PathEscape(channel) + "/publish"
	req, err := s.newRequest(ctx, http.MethodPost, path, bytes.NewReader([]byte(message)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %q: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError("notify", channel, resp)
	}
	return nil
}

// Listen long-polls the channel's message endpoint and hands each message
// to handler, in arrival order, until ctx is canceled. Poll failures are
// logged and retried after a delay rather than terminating the listener.
func (s *StoreClient) Listen(ctx context.Context, channel string, handler func(message string)) error {
	path := channelEndpoint + url.PathEscape(channel) + "/messages"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		messages, err := s.pollMessages(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("update channel poll failed",
				ports.String("channel", channel),
				ports.Err(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(listenRetryDelay):
			}
			continue
		}

		for _, m := range messages {
			handler(m)
		}
	}
}

// pollMessages performs one long-poll round-trip. The server holds the
// request until messages arrive or its poll window elapses, then responds
// with the (possibly empty) batch.
func (s *StoreClient) pollMessages(ctx context.Context, path string) ([]string, error) {
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, statusError("poll", path, resp)
	}

	var body struct {
		Messages []string `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return body.Messages, nil
}

func (s *StoreClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.authKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.authKey)
	}
	return req, nil
}

func statusError(op, subject string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %q: server returned %d: %s", op, subject, resp.StatusCode, string(respBody))
}
