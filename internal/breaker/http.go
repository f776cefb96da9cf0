package breaker

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const maxResponseBody = 1 << 20

// StatusError reports a 5xx reply from a protected HTTP dependency.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d", e.StatusCode)
}

// DoHTTP sends req through b. Transport errors and 5xx replies count as
// failures and yield a fallback response; 4xx replies are returned as-is
// because the dependency itself is healthy.
func DoHTTP(ctx context.Context, b *Breaker, client *http.Client, req *http.Request) Result[*Response] {
	if client == nil {
		client = http.DefaultClient
	}
	return b.Execute(ctx, func(ctx context.Context) (*Response, error) {
		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &StatusError{StatusCode: resp.StatusCode}
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	})
}
