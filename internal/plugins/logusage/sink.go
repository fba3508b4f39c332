// Package logusage implements the LogUsage built-in plugin: a
// usage-accounting sink fed by three concrete backends (console, CSV file,
// cloud log-ingestion).
package logusage

import "time"

// Record is one usage-accounting entry.
type Record struct {
	RequestReceivedUTC time.Time
	Client             string
	IsStreaming        bool
	PromptTokens       int
	CompletionTokens   int
	TotalTokens        int
	RoundtripMs        int64
	Region             string
	Endpoint           string
	DeploymentID       string
	TimeToResponseMs   int64
}

// Sink is the narrow interface each concrete LogUsage backend implements.
// A LogUsage plugin instance may hold more than one Sink concurrently.
type Sink interface {
	Append(r Record) error
	Close() error
}
