package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRecoveryCatchesPanic(t *testing.T) {
	h := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
}

func TestRecoveryPassesThroughNormalResponses(t *testing.T) {
	h := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var captured string
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		captured = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if captured == "" {
		t.Fatalf("request_id was not set in the request context")
	}
	if string(ctx.Response.Header.Peek("X-Request-ID")) != captured {
		t.Fatalf("X-Request-ID header does not match the stored request_id")
	}
}

func TestRequestIDPreservesExisting(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "client-supplied-id")
	h(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-supplied-id" {
		t.Fatalf("X-Request-ID = %q, want the client-supplied value preserved", got)
	}
}

func TestTimingSetsResponseTimeHeader(t *testing.T) {
	h := timing(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Fatalf("X-Response-Time header was not set")
	}
}

func TestSecurityHeadersSet(t *testing.T) {
	h := securityHeaders(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	h(ctx)

	for _, name := range []string{
		"Strict-Transport-Security", "X-Content-Type-Options", "X-Frame-Options",
		"Content-Security-Policy", "Referrer-Policy", "Permissions-Policy",
	} {
		if len(ctx.Response.Header.Peek(name)) == 0 {
			t.Fatalf("missing security header %s", name)
		}
	}
}

func TestCorsHandlerAnswersPreflight(t *testing.T) {
	h := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		t.Fatalf("the wrapped handler must not run for an OPTIONS preflight")
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")) != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
	}
}

func TestCorsHandlerRestrictsToConfiguredOrigins(t *testing.T) {
	h := corsHandler([]string{"https://a.example.com", "https://b.example.com"})(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	h(ctx)

	want := "https://a.example.com, https://b.example.com"
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != want {
		t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, want)
	}
}

func TestApplyMiddlewareOrdersOutermostFirst(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+":before")
				next(ctx)
				order = append(order, name+":after")
			}
		}
	}

	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("outer"), mw("inner"))

	h(&fasthttp.RequestCtx{})

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
