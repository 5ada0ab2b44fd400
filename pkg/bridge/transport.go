package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// graphqlURL binds an endpoint to its GraphQL path. Endpoints carrying a
// query string are used as-is.
func graphqlURL(endpoint, path string) (string, error) {
	if strings.Contains(endpoint, "?") {
		return endpoint, nil
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// limiterSet hands out one token bucket per endpoint.
type limiterSet struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	limiters map[string]*rate.Limiter
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{rps: rps, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) wait(ctx context.Context, endpoint string) error {
	if s == nil || s.rps <= 0 {
		return nil
	}
	s.mu.Lock()
	l, ok := s.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.rps), s.burst)
		s.limiters[endpoint] = l
	}
	s.mu.Unlock()
	return l.Wait(ctx)
}

// execute sends one GraphQL operation and decodes its data into out.
func (c *GraphQLClient) execute(ctx context.Context, endpoint, operation, query string, vars map[string]any, out any) (err error) {
	start := time.Now()
	attempts := 0

	ctx, span := bridgeTracer().Start(ctx, "bridge."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(attrOperation, operation),
			attribute.String(attrEndpoint, endpoint),
		))
	defer func() {
		span.SetAttributes(attribute.Int(attrAttempts, attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metricsRecorder().RecordBridgeCall(operation, outcomeOf(err), time.Since(start))
	}()

	target, err := graphqlURL(endpoint, c.opts.Path)
	if err != nil {
		return &UnreachableError{Endpoint: endpoint, Operation: operation, Cause: err}
	}

	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", operation, err)
	}

	if err := c.limiters.wait(ctx, endpoint); err != nil {
		return &UnreachableError{Endpoint: endpoint, Operation: operation, Cause: err}
	}

	onRetry := func(attempt int, err error) {
		metricsRecorder().RecordBridgeRetry(operation)
		c.log.Warn("retrying engine call",
			"operation", operation,
			"endpoint", endpoint,
			"attempt", attempt,
			"error", err,
		)
	}

	resp, err := withRetry(ctx, c.opts.RetryPolicy, onRetry, func(ctx context.Context) (*gqlResponse, error) {
		attempts++
		return c.post(ctx, target, body)
	})
	if err != nil {
		var cv *ContractViolationError
		if errors.As(err, &cv) {
			cv.Operation = operation
			return cv
		}
		return &UnreachableError{Endpoint: endpoint, Operation: operation, Cause: err}
	}

	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return &EngineError{Endpoint: endpoint, Operation: operation, Messages: msgs}
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return &ContractViolationError{Operation: operation, Detail: "response has no data"}
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &ContractViolationError{Operation: operation, Detail: "cannot decode response data", Cause: err}
	}
	return checkPayload(operation, out)
}

// post performs a single attempt bounded by the execution timeout.
func (c *GraphQLClient) post(ctx context.Context, target string, body []byte) (*gqlResponse, error) {
	if c.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ExecutionTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode >= http.StatusInternalServerError {
		return nil, &serverError{StatusCode: res.StatusCode, Body: truncate(raw)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("engine returned HTTP %d: %s", res.StatusCode, truncate(raw))
	}

	var out gqlResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ContractViolationError{Detail: "response is not valid JSON", Cause: err}
	}
	return &out, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
