package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
)

const maxBodyBytes = 16 * 1024

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

type httpResult struct {
	Status int
	Body   []byte
}

func postJSON(ctx context.Context, c HTTPClient, provider, url string, headers map[string]string, payload any) (*httpResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, appErrors.NewConfiguration(provider, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(c, provider, req)
}

func postForm(ctx context.Context, c HTTPClient, provider, url, user, pass, form string) (*httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(form))
	if err != nil {
		return nil, appErrors.NewConfiguration(provider, "build request: %v", err)
	}
	req.SetBasicAuth(user, pass)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return do(c, provider, req)
}

// do performs the request. Transport failures and timeouts are transient.
func do(c HTTPClient, provider string, req *http.Request) (*httpResult, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, appErrors.NewTransient(provider, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, appErrors.NewTransient(provider, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	return &httpResult{Status: resp.StatusCode, Body: body}, nil
}

func (r *httpResult) ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// retryable reports whether the HTTP status alone marks the failure transient.
func (r *httpResult) retryable() bool {
	return r.Status == http.StatusTooManyRequests || r.Status >= 500
}

func (r *httpResult) snippet() string {
	s := strings.TrimSpace(string(r.Body))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		s = http.StatusText(r.Status)
	}
	return s
}
