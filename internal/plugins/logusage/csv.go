package logusage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

var csvHeader = []string{
	"request_received_utc", "client", "is_streaming",
	"prompt_tokens", "completion_tokens", "total_tokens",
	"aoai_roundtrip_time_ms", "aoai_region", "aoai_endpoint",
	"aoai_deployment_id", "aoai_time_to_response_ms",
}

// CSVSink appends one row per record to a file, writing the header row once
// at instantiation.
type CSVSink struct {
	mu  sync.Mutex
	f   *os.File
	w   *csv.Writer
}

// NewCSVSink opens (creating if needed) path and writes the header row if
// the file is new/empty.
func NewCSVSink(path string) (*CSVSink, error) {
	info, statErr := os.Stat(path)
	needsHeader := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logusage: opening csv sink %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("logusage: writing csv header: %w", err)
		}
		w.Flush()
	}

	return &CSVSink{f: f, w: w}, nil
}

// Append implements Sink.
func (s *CSVSink) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		r.RequestReceivedUTC.Format("2006-01-02T15:04:05.000Z07:00"),
		r.Client,
		strconv.FormatBool(r.IsStreaming),
		strconv.Itoa(r.PromptTokens),
		strconv.Itoa(r.CompletionTokens),
		strconv.Itoa(r.TotalTokens),
		strconv.FormatInt(r.RoundtripMs, 10),
		r.Region,
		r.Endpoint,
		r.DeploymentID,
		strconv.FormatInt(r.TimeToResponseMs, 10),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("logusage: writing csv row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Close implements Sink.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.f.Close()
}
