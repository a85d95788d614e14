package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rezonia/peppol-connector/internal/model"
)

const maxResponseBody = 10 << 20

// apiClient wraps vendor HTTP calls and turns transport faults into typed errors
type apiClient struct {
	provider string
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
}

func newAPIClient(cfg Config) *apiClient {
	return &apiClient{
		provider: cfg.Key,
		baseURL:  cfg.BaseURL(""),
		http:     cfg.httpClient(),
		logger:   cfg.logger(),
	}
}

// apiResponse is a fully read vendor response
type apiResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *apiResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *apiResponse) decode(v interface{}) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// rawMap decodes the body into a generic map for diagnostics; non-JSON bodies
// are kept as a truncated string.
func (r *apiResponse) rawMap() map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(r.Body, &m); err == nil {
		return m
	}
	return map[string]interface{}{"body": truncate(string(r.Body), 512)}
}

// vendorMessage extracts a human readable error from a vendor response
func (r *apiResponse) vendorMessage() string {
	var body map[string]interface{}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		for _, key := range []string{"message", "error_description", "error", "detail", "title", "errors"} {
			if v, ok := body[key]; ok && v != nil {
				switch t := v.(type) {
				case string:
					if t != "" {
						return t
					}
				default:
					b, _ := json.Marshal(t)
					return string(b)
				}
			}
		}
	}
	if msg := strings.TrimSpace(string(r.Body)); msg != "" {
		return truncate(msg, 512)
	}
	return http.StatusText(r.StatusCode)
}

func (c *apiClient) url(path string) string {
	return c.baseURL + path
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, model.NewConfigurationError(c.provider, "base_url", fmt.Sprintf("invalid request URL: %v", err))
	}
	return req, nil
}

func (c *apiClient) newJSONRequest(ctx context.Context, method, path string, payload interface{}) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes req. Only transport faults are returned as errors; any HTTP
// status is returned in the response.
func (c *apiClient) do(req *http.Request, operation string) (*apiResponse, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("vendor call failed",
			"operation", operation,
			"method", req.Method,
			"url", req.URL.Redacted(),
			"error", err,
		)
		return nil, c.transportError(operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, c.transportError(operation, err)
	}

	c.logger.Debug("vendor call",
		"operation", operation,
		"method", req.Method,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return &apiResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *apiClient) transportError(operation string, err error) error {
	msg := "request failed"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	}
	return model.NewTransportError(c.provider, operation, msg, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// normalize looks vendor up in table case-insensitively. Unknown strings map to
// pending, which the transition table never accepts as a regression.
func normalize(table map[string]model.Status, vendor string) model.Status {
	key := strings.ToUpper(strings.TrimSpace(vendor))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if s, ok := table[key]; ok {
		return s
	}
	return model.StatusPending
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
