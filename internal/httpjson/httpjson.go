// Package httpjson is the JSON-over-HTTP plumbing shared by the
// collaborator clients.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/meikuraledutech/casegraph/task"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer from a collaborator.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Service, e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated: server
// errors, timeouts and throttling.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Do sends in as a JSON body (nil for none) and decodes a 2xx response into
// out (nil to discard). Client errors that repeating cannot fix come back
// marked task.Permanent.
func Do(ctx context.Context, client *http.Client, service, method, url string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return task.Permanent(fmt.Errorf("%s: encode request: %w", service, err))
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return task.Permanent(fmt.Errorf("%s: build request: %w", service, err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{Service: service, Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
		if !serr.Retryable() {
			return task.Permanent(serr)
		}
		return serr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", service, err)
	}
	return nil
}

// Bearer returns an Authorization header for token, or nil when empty.
func Bearer(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}
}
