// Package apierr writes the two error body shapes this proxy ever returns to
// callers: {"error": "..."} for validation/authentication/authorization/
// configuration failures, and {"message": "..."} for rate-limiting and
// capacity exhaustion, with an accompanying retry-after-ms header where
// applicable.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// WriteError writes {"error": message} with the given status. Used for
// configuration (500), authentication (401/400), authorization (401), and
// validation (400) failures.
func WriteError(ctx *fasthttp.RequestCtx, status int, message string) {
	write(ctx, status, map[string]string{"error": message})
}

// WriteMessage writes {"message": message} with the given status and no
// retry-after-ms header. Used where the caller is expected to not retry
// automatically (e.g. a per-client rate-limit block).
func WriteMessage(ctx *fasthttp.RequestCtx, status int, message string) {
	write(ctx, status, map[string]string{"message": message})
}

// WriteRetryableMessage writes {"message": message} plus a retry-after-ms
// header. Used for the "no suitable target" response, where a missing
// upstream retry-after-ms value defaults to 10000.
func WriteRetryableMessage(ctx *fasthttp.RequestCtx, status int, message string, retryAfterMs int64) {
	ctx.Response.Header.Set("retry-after-ms", formatInt(retryAfterMs))
	write(ctx, status, map[string]string{"message": message})
}

func write(ctx *fasthttp.RequestCtx, status int, body map[string]string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(body)
	ctx.SetBody(data)
}

func formatInt(v int64) string {
	data, _ := json.Marshal(v)
	return string(data)
}
