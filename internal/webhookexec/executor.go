// Package webhookexec is a concrete domain.Handler for webhook-style jobs:
// fire an HTTP request and judge success by status code. It is adapted
// from the teacher's internal/scheduler.Executor, generalized from a
// single hardcoded job shape to a WebhookConfig bound per job through
// Executor.Handler into Job.Handler, and built so the engine's run id (already on
// RunContext) flows into the teacher's request-id logging convention
// instead of minting a second id.
package webhookexec

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
)

// WebhookConfig describes one webhook job's request shape.
type WebhookConfig struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            string
	TimeoutMs       int64 // falls back to the job's TimeoutMs when zero
	AcceptedCodeLow int   // with AcceptedCodeHi also zero, the range is 200-299
	AcceptedCodeHi  int   // with AcceptedCodeLow also zero, the range is 200-299
}

// Executor issues the HTTP requests behind one or more webhook jobs,
// sharing a single pooled client the way the teacher's Executor does.
type Executor struct {
	client *http.Client
	logger *slog.Logger
}

// New builds an Executor with the teacher's transport tuning: bounded
// redirects, TLS 1.2 floor, and an idle-connection pool sized for many
// small requests rather than few large ones.
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client: &http.Client{
			Timeout: 5 * time.Minute, // per-run timeout is set via context; this is a backstop
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		logger: logger.With("component", "webhookexec"),
	}
}

// Handler binds cfg into a domain.Handler suitable for Job.Handler.
func (e *Executor) Handler(cfg WebhookConfig) domain.Handler {
	return func(rc *domain.RunContext) (domain.HandlerResult, error) {
		return e.run(rc, cfg)
	}
}

func (e *Executor) run(rc *domain.RunContext, cfg WebhookConfig) (domain.HandlerResult, error) {
	start := time.Now()

	var bodyReader io.Reader
	if cfg.Body != "" {
		bodyReader = strings.NewReader(cfg.Body)
	}

	ctx := context.Context(rc)
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(rc, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, bodyReader)
	if err != nil {
		return domain.HandlerResult{}, domain.NewError(domain.KindConfiguration, "webhookexec.run", fmt.Errorf("build request: %w", err))
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Run-ID", rc.RunID)

	e.logger.InfoContext(rc, "sending webhook request",
		"job", rc.JobName, "method", cfg.Method, "url", cfg.URL, "attempt", rc.Attempt,
	)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.ErrorContext(rc, "webhook request failed", "job", rc.JobName, "error", err, "duration", time.Since(start))
		return domain.HandlerResult{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body) // drain so the connection can be reused by the pool

	duration := time.Since(start)
	lo, hi := cfg.AcceptedCodeLow, cfg.AcceptedCodeHi
	if lo == 0 && hi == 0 {
		lo, hi = 200, 299
	}
	e.logger.InfoContext(rc, "received webhook response",
		"job", rc.JobName, "status", resp.StatusCode, "duration", duration,
	)

	result := domain.HandlerResult{Result: map[string]any{
		"status_code": resp.StatusCode,
		"duration_ms": duration.Milliseconds(),
	}}
	if resp.StatusCode < lo || resp.StatusCode > hi {
		return result, fmt.Errorf("unexpected status code %s", strconv.Itoa(resp.StatusCode))
	}
	return result, nil
}
