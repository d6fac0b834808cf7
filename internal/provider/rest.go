package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/model"
)

// maxErrorBody bounds how much of an error response is read for the message.
const maxErrorBody = 64 << 10

// CommercialOptions configures a commercial CA adapter.
type CommercialOptions struct {
	BaseURL   string
	APIKey    string
	APISecret string
	AccountID string
	Product   string
	Timeout   time.Duration
}

// restClient is the JSON-over-HTTP session shared by the commercial adapters. Each adapter owns one.
type restClient struct {
	name    model.CAProvider
	baseURL string
	timeout time.Duration
	auth    func(*http.Request)

	mu     sync.RWMutex
	client *http.Client
}

func newRESTClient(name model.CAProvider, baseURL string, timeout time.Duration, auth func(*http.Request)) *restClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &restClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		auth:    auth,
	}
}

func (r *restClient) connect() error {
	if r.baseURL == "" {
		return fmt.Errorf("provider: %s base URL is not configured", r.name)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	r.mu.Lock()
	r.client = &http.Client{Timeout: r.timeout, Transport: transport}
	r.mu.Unlock()
	logger.Info("Provider HTTP session opened", zap.String("provider", string(r.name)), zap.String("base_url", r.baseURL))
	return nil
}

func (r *restClient) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.CloseIdleConnections()
		r.client = nil
	}
	return nil
}

func (r *restClient) httpClient() (*http.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, &ProviderError{Provider: r.name, Message: "not connected"}
	}
	return r.client, nil
}

// do sends a request and decodes a JSON response into out. Any status outside want is a ProviderError.
// The raw body is returned for callers that need non-JSON payloads.
func (r *restClient) do(ctx context.Context, method, path string, body any, out any, want ...int) ([]byte, int, error) {
	client, err := r.httpClient()
	if err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("provider: failed to encode %s request: %w", r.name, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("provider: failed to build %s request: %w", r.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.auth != nil {
		r.auth(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, transportError(r.name, err)
	}
	defer resp.Body.Close()

	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	if !slices.Contains(want, resp.StatusCode) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return raw, resp.StatusCode, &ProviderError{Provider: r.name, StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, transportError(r.name, err)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, resp.StatusCode, &ProviderError{Provider: r.name, StatusCode: http.StatusBadGateway, Message: "malformed response: " + err.Error()}
		}
	}
	return raw, resp.StatusCode, nil
}

// errorMessage pulls a human readable message out of the usual CA error envelopes.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Errors  []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			return body.Message
		case len(body.Errors) > 0:
			msgs := make([]string, 0, len(body.Errors))
			for _, e := range body.Errors {
				if e.Message != "" {
					msgs = append(msgs, e.Message)
				} else {
					msgs = append(msgs, e.Code)
				}
			}
			return strings.Join(msgs, "; ")
		}
		switch e := body.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
		return text
	}
	return http.StatusText(status)
}

// alreadyRevoked reports whether a failed revoke means the certificate was revoked before.
func alreadyRevoked(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == http.StatusConflict || strings.Contains(strings.ToLower(pe.Message), "already revoked")
}
