// Package writer implements the streaming JSON-array persist writer.
// Records are appended incrementally so peak memory is bounded by a few
// in-flight batches, never the full result set. The array framing is an
// explicit state machine (NotStarted -> Open -> Closed): the closing
// bracket is written only after the final flush succeeds, so an
// interrupted run leaves a file that is structurally detectable as
// incomplete and can never be mistaken for a complete archive.
package writer

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vcotools/vco-collector/pkg/logging"
)

// Prometheus metrics for the persist writer.
var (
	writerRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vco_writer_records_total",
		Help: "Total records written to the output file",
	})

	writerBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vco_writer_batches_total",
		Help: "Total record batches written to the output file",
	})

	writerBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vco_writer_bytes_total",
		Help: "Total bytes written to the output file",
	})
)

// State is the writer's framing state.
type State int

const (
	// StateNotStarted means the output file has not been created.
	StateNotStarted State = iota

	// StateOpen means the array is open; the file is incomplete.
	StateOpen

	// StateClosed means the closing bracket was written and flushed;
	// the file is a well-formed JSON array.
	StateClosed
)

// recordIndent matches the archive layout established by earlier
// collection tooling: four-space indentation, records prefixed by four
// spaces.
const recordIndent = "    "

// Config holds writer configuration.
type Config struct {
	// Path is the output file path.
	Path string

	// Compress wraps the output in gzip (Path should carry a .gz suffix;
	// naming is the caller's concern).
	Compress bool

	// FlushEvery flushes buffers to the OS every N batches. The default
	// of 1 favors durability, as fits an archival record.
	FlushEvery int

	// SyncOnFlush additionally fsyncs the file at every flush point.
	SyncOnFlush bool
}

// Stats are the writer's running totals.
type Stats struct {
	Records int64
	Batches int64
	Bytes   int64
}

// Writer appends record batches to a JSON-array output file.
// It is owned by a single goroutine; methods are not safe for concurrent
// use.
type Writer struct {
	cfg    Config
	state  State
	file   *os.File
	gz     *gzip.Writer
	buf    *bufio.Writer
	first  bool
	unsync int
	stats  Stats
	logger zerolog.Logger
}

// New creates a writer. The file is not touched until Open.
func New(cfg Config) *Writer {
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 1
	}
	return &Writer{
		cfg:    cfg,
		first:  true,
		logger: logging.NewLogger("writer"),
	}
}

// State returns the current framing state.
func (w *Writer) State() State { return w.state }

// Stats returns the running totals.
func (w *Writer) Stats() Stats { return w.stats }

// Open creates the output file and writes the opening bracket.
func (w *Writer) Open() error {
	if w.state != StateNotStarted {
		return fmt.Errorf("writer already opened")
	}

	file, err := os.Create(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	w.file = file

	if w.cfg.Compress {
		w.gz = gzip.NewWriter(file)
		w.buf = bufio.NewWriter(w.gz)
	} else {
		w.buf = bufio.NewWriter(file)
	}

	if err := w.writeString("[\n"); err != nil {
		file.Close()
		return err
	}
	w.state = StateOpen
	return nil
}

// WriteBatch appends one batch's records in order. The batch is written
// as a contiguous run; partial batches are never interleaved.
func (w *Writer) WriteBatch(records []json.RawMessage) error {
	if w.state != StateOpen {
		return fmt.Errorf("writer is not open")
	}

	start := time.Now()
	batchBytes := int64(0)

	for _, rec := range records {
		if !w.first {
			if err := w.writeString(",\n"); err != nil {
				return err
			}
			batchBytes += 2
		}
		w.first = false

		n, err := w.writeRecord(rec)
		if err != nil {
			return err
		}
		batchBytes += int64(n)
	}

	w.stats.Records += int64(len(records))
	w.stats.Batches++
	w.stats.Bytes += batchBytes
	writerRecordsTotal.Add(float64(len(records)))
	writerBatchesTotal.Inc()
	writerBytesTotal.Add(float64(batchBytes))

	w.unsync++
	if w.unsync >= w.cfg.FlushEvery {
		if err := w.flush(); err != nil {
			return err
		}
		w.unsync = 0
	}

	elapsed := time.Since(start)
	mbps := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		mbps = float64(batchBytes) * 8 / (secs * 1_000_000)
	}
	w.logger.Info().
		Int("records", len(records)).
		Int64("bytes", batchBytes).
		Dur("duration", elapsed).
		Float64("mbps", mbps).
		Msg("Batch written")

	return nil
}

// writeRecord pretty-prints one raw record with four-space indentation,
// prefixed by four spaces, matching the established archive layout.
func (w *Writer) writeRecord(rec json.RawMessage) (int, error) {
	var pretty bytes.Buffer
	pretty.WriteString(recordIndent)
	if err := json.Indent(&pretty, rec, recordIndent, recordIndent); err != nil {
		return 0, fmt.Errorf("indent record: %w", err)
	}
	n, err := w.buf.Write(pretty.Bytes())
	if err != nil {
		return n, fmt.Errorf("write record: %w", err)
	}
	return n, nil
}

// Close writes the closing bracket and finalizes the file. Only after
// Close returns nil is the archive a well-formed JSON array.
func (w *Writer) Close() error {
	if w.state != StateOpen {
		return fmt.Errorf("writer is not open")
	}

	if err := w.writeString("\n]"); err != nil {
		return err
	}
	if err := w.finalize(); err != nil {
		return err
	}
	w.state = StateClosed
	return nil
}

// Abort flushes everything fully received so far and closes the file
// WITHOUT the closing bracket. The partial artifact is kept: it is
// valuable even when incomplete, and its missing bracket marks it so.
func (w *Writer) Abort() error {
	if w.state != StateOpen {
		return nil
	}
	return w.finalize()
}

// finalize flushes all buffer layers and closes the file handle.
func (w *Writer) finalize() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush output: %w", err)
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			w.file.Close()
			return fmt.Errorf("close gzip stream: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync output file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

// flush pushes buffered data down to the OS, honoring the durability
// policy.
func (w *Writer) flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return fmt.Errorf("flush gzip stream: %w", err)
		}
	}
	if w.cfg.SyncOnFlush {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync output file: %w", err)
		}
	}
	return nil
}

func (w *Writer) writeString(s string) error {
	if _, err := w.buf.WriteString(s); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
