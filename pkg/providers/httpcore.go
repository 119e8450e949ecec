package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelgrid/inferd/pkg/inferr"
)

const (
	// defaultHTTPTimeout caps a single blocking vendor call; callers usually
	// carry a tighter request deadline in ctx.
	defaultHTTPTimeout = 120 * time.Second

	// maxErrorBodyBytes bounds how much of a vendor error body is read for
	// diagnostics.
	maxErrorBodyBytes = 4096

	// sseMaxLineBytes bounds one server-sent event line.
	sseMaxLineBytes = 1024 * 1024
)

// httpCore carries the HTTP plumbing shared by the cloud vendor adapters:
// request construction, status classification into the error taxonomy, and
// server-sent event decoding.
type httpCore struct {
	client *http.Client
	logger *slog.Logger
}

func newHTTPCore(timeout time.Duration, logger *slog.Logger) *httpCore {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &httpCore{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// postJSON sends body as JSON and returns the raw response. The caller owns
// resp.Body. Transport errors come back as retryable upstream errors.
func (c *httpCore) postJSON(ctx context.Context, providerID, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, inferr.Wrap(inferr.KindInternal, "marshal request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, inferr.Wrap(inferr.KindInternal, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, inferr.From(ctx.Err())
		}
		return nil, inferr.Upstream(providerID, true, err)
	}
	return resp, nil
}

// checkStatus classifies a non-2xx response into the error taxonomy and
// consumes the body. 2xx responses pass through untouched.
func (c *httpCore) checkStatus(providerID string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()

	msg := vendorErrorMessage(body)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return inferr.Upstream(providerID, false, fmt.Errorf("authentication rejected (status %d): %s", resp.StatusCode, msg))
	case resp.StatusCode == http.StatusTooManyRequests:
		err := inferr.Upstream(providerID, true, fmt.Errorf("rate limited: %s", msg))
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			err = err.WithDetail(inferr.DetailRetryAfter, d.String())
		}
		return err
	case resp.StatusCode == http.StatusRequestTimeout:
		return inferr.Upstream(providerID, true, fmt.Errorf("request timed out upstream: %s", msg))
	case resp.StatusCode >= 500:
		return inferr.Upstream(providerID, true, fmt.Errorf("server error (status %d): %s", resp.StatusCode, msg))
	default:
		return inferr.Upstream(providerID, false, fmt.Errorf("request rejected (status %d): %s", resp.StatusCode, msg))
	}
}

// vendorErrorMessage pulls a human-readable message out of the common
// {"error": {"message": ...}} and {"error": "..."} envelope shapes.
func vendorErrorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(envelope.Error, &s); err == nil {
		return s
	}
	return ""
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	Event string
	Data  []byte
}

// readSSE decodes a text/event-stream body and invokes handle per event
// until the body ends, handle returns an error, or ctx is cancelled.
// Returning io.EOF from handle stops the read cleanly.
func readSSE(ctx context.Context, r io.Reader, handle func(ev sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineBytes)

	var ev sseEvent
	flush := func() error {
		if len(ev.Data) == 0 && ev.Event == "" {
			return nil
		}
		err := handle(ev)
		ev = sseEvent{}
		return err
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			if len(ev.Data) > 0 {
				ev.Data = append(ev.Data, '\n')
			}
			ev.Data = append(ev.Data, data...)
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// matchesModel reports whether modelID matches any configured pattern.
// Patterns are exact ids or prefixes ending in '*'.
func matchesModel(patterns []string, modelID string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(modelID, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == modelID {
			return true
		}
	}
	return false
}
