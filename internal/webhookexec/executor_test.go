package webhookexec_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/webhookexec"
)

func newRunContext(ctx context.Context) *domain.RunContext {
	return domain.NewRunContext(ctx, "r1", "t1", "job1", nil, 0, 1, func(*int) error { return nil })
}

func TestHandlerAcceptsDefaultSuccessRange(t *testing.T) {
	var gotRunID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRunID = r.Header.Get("X-Run-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := webhookexec.New(nil)
	handler := exec.Handler(webhookexec.WebhookConfig{Method: http.MethodGet, URL: srv.URL})

	result, err := handler(newRunContext(context.Background()))
	if err != nil {
		t.Fatalf("expected no error for a 200 response, got %v", err)
	}
	if result.Result["status_code"] != http.StatusOK {
		t.Fatalf("expected status_code 200 in result, got %v", result.Result["status_code"])
	}
	if gotRunID != "r1" {
		t.Fatalf("expected the run id to be forwarded as X-Run-ID, got %q", gotRunID)
	}
}

func TestHandlerRejectsStatusOutsideAcceptedRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := webhookexec.New(nil)
	handler := exec.Handler(webhookexec.WebhookConfig{Method: http.MethodPost, URL: srv.URL})

	result, err := handler(newRunContext(context.Background()))
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if result.Result["status_code"] != http.StatusInternalServerError {
		t.Fatalf("result should still carry the status code on failure, got %v", result.Result)
	}
}

func TestHandlerRespectsCustomAcceptedRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exec := webhookexec.New(nil)
	handler := exec.Handler(webhookexec.WebhookConfig{
		Method: http.MethodGet, URL: srv.URL,
		AcceptedCodeLow: 400, AcceptedCodeHi: 499,
	})

	if _, err := handler(newRunContext(context.Background())); err != nil {
		t.Fatalf("404 should be accepted under a widened 400-499 range: %v", err)
	}
}

func TestHandlerSendsConfiguredHeadersAndBody(t *testing.T) {
	var gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := webhookexec.New(nil)
	handler := exec.Handler(webhookexec.WebhookConfig{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "value"},
		Body:    `{"hello":"world"}`,
	})

	if _, err := handler(newRunContext(context.Background())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotHeader != "value" {
		t.Fatalf("expected custom header to be forwarded, got %q", gotHeader)
	}
	if gotBody != `{"hello":"world"}` {
		t.Fatalf("expected request body to be forwarded, got %q", gotBody)
	}
}
