// Package client is a small HTTP client for the donation API, used by the
// poll CLI and by callers that wait on a pending donation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"donation-service/internal/domain"
	"donation-service/internal/poller"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Kind       domain.ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("donation api: %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("donation api: %d: %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	ErrorKind domain.ErrorKind `json:"error_kind"`
	Data      json.RawMessage  `json:"data"`
}

// Status fetches a donation. With refresh set the service re-checks the
// provider before answering.
func (c *Client) Status(ctx context.Context, reference string, refresh bool) (*domain.DonationView, error) {
	u := fmt.Sprintf("%s/api/v1/donations/%s/status", c.baseURL, url.PathEscape(reference))
	if refresh {
		u += "?refresh=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode >= 300 || !env.Success {
		return nil, &APIError{StatusCode: resp.StatusCode, Kind: env.ErrorKind, Message: env.Message}
	}

	var view domain.DonationView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		return nil, fmt.Errorf("failed to decode donation: %w", err)
	}
	return &view, nil
}

// WaitForTerminal polls the refreshing status endpoint with p until the
// donation settles. The last fetched view is returned even on exhaustion.
func (c *Client) WaitForTerminal(ctx context.Context, reference string, p *poller.Poller) (*domain.DonationView, error) {
	var last *domain.DonationView
	_, err := p.Run(ctx, func(ctx context.Context) (domain.DonationStatus, error) {
		view, err := c.Status(ctx, reference, true)
		if err != nil {
			return "", err
		}
		last = view
		return view.Status, nil
	})
	return last, err
}
