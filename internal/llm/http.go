package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/httpkit"
)

// wire is the HTTP core shared by the providers: JSON in and out,
// bounded retries on rate limits and server errors, and failures
// classified with apperr.
type wire struct {
	provider string // display name used in error details
	opts     Options
}

// send issues one logical request. in may be nil for GET; out may be nil
// when the body is not needed.
func (w *wire) send(ctx context.Context, op, method, endpoint string, headers map[string]string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		w.opts.Logger.Log(ctx, LevelTrace, "request payload", "op", op, "json", string(payload))
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := w.attempt(ctx, op, method, endpoint, headers, payload, out)
		if err != nil && (ctx.Err() != nil || !apperr.Retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.BackoffInitial
	b.MaxInterval = 10 * w.opts.BackoffInitial
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.opts.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		w.opts.Logger.Warn("retrying model request", "op", op, "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil && ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return &apperr.Error{Kind: apperr.KindCancelled, Op: op, Detail: "request cancelled", Err: ctx.Err()}
	}
	return err
}

func (w *wire) attempt(ctx context.Context, op, method, endpoint string, headers map[string]string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return apperr.New(apperr.KindValidation, op, "build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := fmt.Sprintf("request to %s failed", w.provider)
		if httpkit.IsUnreachable(err) {
			detail = fmt.Sprintf("%s is unreachable", w.provider)
		}
		return &apperr.Error{Kind: apperr.KindUpstreamUnavailable, Op: op, Detail: detail, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		w.opts.Logger.Debug("model API error", "op", op, "status", resp.StatusCode, "body", errBody)
		return w.statusError(op, resp, errBody)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apperr.Error{Kind: apperr.KindUpstream, Op: op,
			Detail: fmt.Sprintf("%s sent a response that could not be decoded", w.provider), Err: err}
	}
	return nil
}

func (w *wire) statusError(op string, resp *http.Response, body string) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindAuth, op, "%s rejected the API key (HTTP %d)", w.provider, status)
	case status == http.StatusTooManyRequests:
		detail := fmt.Sprintf("%s rate limit reached", w.provider)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				detail += fmt.Sprintf("; retry after %ds", secs)
			}
		}
		return apperr.New(apperr.KindUpstream, op, "%s", detail)
	case status >= 500:
		return apperr.New(apperr.KindUpstream, op, "%s returned HTTP %d", w.provider, status)
	}
	return apperr.New(apperr.KindInvalidRequest, op, "%s returned HTTP %d: %s", w.provider, status, truncate(body, 300))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// decodeArguments parses a JSON object of tool arguments. Numbers are
// kept as json.Number so large ids survive. Unparseable input is kept
// under "_raw" so validation reports it instead of silently dropping it.
func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
