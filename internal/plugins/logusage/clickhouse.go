package logusage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const (
	chChannelBuffer = 10_000
	chBatchSize     = 200
	chFlushInterval = 2 * time.Second
)

// ClickHouseSink is a columnar-store usage sink for cloud log ingestion.
// Appends are buffered and flushed in batches by a background goroutine so
// a slow or unavailable cloud endpoint never blocks the dispatch hot path.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
}

// NewClickHouseSink opens a connection per opts and starts the background
// flush loop. table must already exist with columns matching Record.
func NewClickHouseSink(opts *clickhouse.Options, table string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logusage: opening clickhouse connection: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("logusage: pinging clickhouse: %w", err)
	}

	s := &ClickHouseSink{
		conn:  conn,
		table: table,
		ch:    make(chan Record, chChannelBuffer),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Append implements Sink. Never blocks: once the buffer is full, records are
// dropped and counted in DroppedRecords.
func (s *ClickHouseSink) Append(r Record) error {
	select {
	case s.ch <- r:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
	return nil
}

// DroppedRecords returns the count of records dropped due to a full buffer.
func (s *ClickHouseSink) DroppedRecords() int64 { return atomic.LoadInt64(&s.dropped) }

// Close implements Sink: stops accepting new records, flushes the remaining
// buffer, and closes the underlying connection.
func (s *ClickHouseSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.conn.Close()
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, chBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		_ = s.insertBatch(batch)
		batch = batch[:0]
		// On error the batch is dropped rather than retried indefinitely so
		// the cloud sink degrades gracefully instead of backing up memory.
	}

	for {
		select {
		case r := <-s.ch:
			batch = append(batch, r)
			if len(batch) >= chBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case r := <-s.ch:
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseSink) insertBatch(records []Record) error {
	ctx := context.Background()
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("logusage: preparing clickhouse batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(
			r.RequestReceivedUTC, r.Client, r.IsStreaming,
			uint32(r.PromptTokens), uint32(r.CompletionTokens), uint32(r.TotalTokens),
			r.RoundtripMs, r.Region, r.Endpoint, r.DeploymentID, r.TimeToResponseMs,
		); err != nil {
			return fmt.Errorf("logusage: appending clickhouse row: %w", err)
		}
	}
	return batch.Send()
}
