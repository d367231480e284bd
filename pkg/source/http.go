package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const userAgent = "aifeed/1.0"

// Transient gateway errors are retried this many times before giving up.
const (
	maxRetries   = 3
	retryBackoff = 300 * time.Millisecond
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", redactKey(e.URL), e.Code)
}

func (e *StatusError) quotaExceeded() bool {
	return strings.Contains(e.Body, "quotaExceeded") ||
		strings.Contains(e.Body, "dailyLimitExceeded") ||
		strings.Contains(e.Body, "rateLimited")
}

func retryable(code int) bool {
	return code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusGatewayTimeout
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// get fetches url and returns the body, retrying transient gateway errors
// with exponential backoff.
func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		body, code, err := getOnce(ctx, client, url)
		if err != nil {
			return nil, err
		}
		if code >= 200 && code < 300 {
			return body, nil
		}

		lastErr = &StatusError{URL: url, Code: code, Body: truncate(string(body), 512)}
		if !retryable(code) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func getOnce(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, misconfigured("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("fetch %s: %w", redactKey(url), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", redactKey(url), err)
	}
	return body, resp.StatusCode, nil
}

// getJSON fetches url and decodes the JSON body into v.
func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := get(ctx, client, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return malformed("decode %s: %w", redactKey(url), err)
	}
	return nil
}

// redactKey hides API keys that travel in query strings.
func redactKey(url string) string {
	for _, param := range []string{"apiKey=", "key="} {
		idx := strings.Index(url, param)
		if idx < 0 {
			continue
		}
		start := idx + len(param)
		end := strings.IndexByte(url[start:], '&')
		if end < 0 {
			return url[:start] + "REDACTED"
		}
		return url[:start] + "REDACTED" + url[start+end:]
	}
	return url
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
