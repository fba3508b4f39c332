package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestWriteError(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteError(&ctx, 401, "invalid client")

	if ctx.Response.StatusCode() != 401 {
		t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
	}
	var body map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["error"] != "invalid client" {
		t.Fatalf("body = %v, want error=invalid client", body)
	}
	if _, ok := body["message"]; ok {
		t.Fatalf("body has unexpected message key: %v", body)
	}
}

func TestWriteMessage(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteMessage(&ctx, 429, "too many requests")

	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	var body map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["message"] != "too many requests" {
		t.Fatalf("body = %v, want message=too many requests", body)
	}
	if len(ctx.Response.Header.Peek("retry-after-ms")) != 0 {
		t.Fatalf("retry-after-ms header set, want absent for WriteMessage")
	}
}

func TestWriteRetryableMessage(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRetryableMessage(&ctx, 429, "no suitable target", 10000)

	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("retry-after-ms")); got != "10000" {
		t.Fatalf("retry-after-ms = %q, want 10000", got)
	}
	var body map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["message"] != "no suitable target" {
		t.Fatalf("body = %v, want message=no suitable target", body)
	}
}
