package logusage

import (
	"log/slog"
)

// ConsoleSink writes each record as one structured slog line.
type ConsoleSink struct {
	log *slog.Logger
}

// NewConsoleSink wraps log for usage-record output.
func NewConsoleSink(log *slog.Logger) *ConsoleSink { return &ConsoleSink{log: log} }

// Append implements Sink.
func (s *ConsoleSink) Append(r Record) error {
	s.log.Info("usage",
		slog.Time("request_received_utc", r.RequestReceivedUTC),
		slog.String("client", r.Client),
		slog.Bool("is_streaming", r.IsStreaming),
		slog.Int("prompt_tokens", r.PromptTokens),
		slog.Int("completion_tokens", r.CompletionTokens),
		slog.Int("total_tokens", r.TotalTokens),
		slog.Int64("aoai_roundtrip_time_ms", r.RoundtripMs),
		slog.String("aoai_region", r.Region),
		slog.String("aoai_endpoint", r.Endpoint),
		slog.String("aoai_deployment_id", r.DeploymentID),
		slog.Int64("aoai_time_to_response_ms", r.TimeToResponseMs),
	)
	return nil
}

// Close implements Sink. The console sink holds no resources.
func (s *ConsoleSink) Close() error { return nil }
