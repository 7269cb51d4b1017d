package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/krsnalabs/booking-automation/pkg/models"
)

// restClient is the JSON-over-HTTP plumbing shared by both adapters: bearer
// auth from the token source, a per-client rate limiter, and status-code
// classification into the engine's error taxonomy.
type restClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
}

func (c *restClient) doJSON(ctx context.Context, account *models.EmailAccount, op, method, url string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransientError{Op: op, Err: err}
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.AccessToken(ctx, account)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and client timeouts are transient
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classifyStatus(op, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: failed to decode response: %w", op, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// statusError carries the HTTP status so adapters can recognize
// cursor-expiry responses (Gmail 404, Graph 410)
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	inner := &statusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, Err: inner}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: inner}
	default:
		return &PermanentError{Op: op, Err: inner}
	}
}

// statusOf extracts the HTTP status from a classified error, 0 if absent
func statusOf(err error) int {
	for err != nil {
		if se, ok := err.(*statusError); ok {
			return se.Status
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}
