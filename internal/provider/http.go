package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"donation-service/internal/domain"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 1 << 20

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Declined reports whether the provider refused the request itself, as
// opposed to failing to process it.
func (e *StatusError) Declined() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		// credentials or throttling on our side, not a payment decision
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// NewHTTPClient returns the client every adapter uses; provider calls always
// carry an explicit timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// Do sends req and decodes a 2xx JSON body into out (which may be nil).
// Non-2xx responses come back as *StatusError.
func Do(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Classify turns a transport or provider error into a domain error: explicit
// declines are provider_rejected, everything else provider_unavailable.
// Domain errors pass through untouched.
func Classify(rail domain.Rail, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) && se.Declined() {
		return domain.NewProviderRejectedError(rail, declineReason(se.Body))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewProviderUnavailableError(rail, err)
}

// ClassifyQuery is Classify for reads of a payment we already hold a
// reference for. A refused read is not a declined payment: 4xx answers come
// back as ProviderUnavailable and the ledger record stays as it is.
func ClassifyQuery(rail domain.Rail, err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Declined() {
		return domain.NewProviderUnavailableError(rail, fmt.Errorf("status query refused (%d): %s", se.StatusCode, declineReason(se.Body)))
	}
	return Classify(rail, err)
}

// declineReason pulls a human readable message out of common provider error
// shapes.
func declineReason(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message          string `json:"message"`
		ErrorMessage     string `json:"errorMessage"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, msg := range []string{payload.Error.Message, payload.Message, payload.ErrorMessage, payload.ErrorDescription} {
			if msg != "" {
				return msg
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 200 {
		return s
	}
	return "declined"
}

// ToMap round-trips v through JSON for audit payloads.
func ToMap(v interface{}) map[string]interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
