// Package pipeline wires the pagination walker, the fetch stage and the
// streaming persist writer into one coordinated run, and owns the run's
// mutable state: counters, status, and the first-error record. A
// Coordinator is single-use; instantiate one per run so an events run and
// a flows run can share a process without interference.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vcotools/vco-collector/pkg/logging"
	"github.com/vcotools/vco-collector/pkg/pagination"
	"github.com/vcotools/vco-collector/pkg/vco"
	"github.com/vcotools/vco-collector/pkg/writer"
)

// Prometheus metrics for pipeline runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_runs_total",
		Help: "Total collection runs by terminal status",
	}, []string{"status"})

	runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vco_run_duration_seconds",
		Help:    "Collection run duration in seconds",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
	})
)

// Status is the terminal state of a run.
type Status string

const (
	// StatusCompleted means every page was fetched and written.
	StatusCompleted Status = "Completed"

	// StatusCompletedWithErrors means the archive is well-formed but
	// known to be incomplete (page ceiling under the partial policy).
	StatusCompletedWithErrors Status = "CompletedWithErrors"

	// StatusAborted means the run stopped on an unrecoverable error or
	// cancellation; the artifact lacks the closing bracket.
	StatusAborted Status = "Aborted"
)

// CeilingPolicy decides the terminal status when the safety page ceiling
// stops a walk mid-collection.
type CeilingPolicy string

const (
	// CeilingPartial closes the archive and reports CompletedWithErrors.
	CeilingPartial CeilingPolicy = "partial"

	// CeilingAbort treats the ceiling as an unrecoverable error.
	CeilingAbort CeilingPolicy = "abort"
)

// phase is the coordinator's lifecycle state.
type phase int32

const (
	phaseIdle phase = iota
	phaseFetching
	phaseDraining
	phaseDone
)

// FirstError records the first failure of a run for the status line.
type FirstError struct {
	Window  int
	Seq     int
	Class   vco.ErrorClass
	Message string
}

// RunResult aggregates one run's counters and terminal status.
type RunResult struct {
	Status           Status
	Pages            int64
	Records          int64
	BytesWritten     int64
	Retries          int64 // transient retry count across all pages
	RateLimitRetries int64 // rate-limit waits, budgeted separately
	FirstError       *FirstError
	Duration         time.Duration
}

// Config holds one run's wiring and policy.
type Config struct {
	// Endpoint is the collection to walk.
	Endpoint vco.Endpoint

	// Interval is the full collection window.
	Interval vco.Interval

	// Fetcher executes page requests (normally *vco.Client).
	Fetcher pagination.PageFetcher

	// Writer persists record batches. The coordinator owns its
	// lifecycle: Open before the first batch, Close or Abort at the end.
	Writer *writer.Writer

	// SubWindows splits the interval into this many contiguous
	// sub-windows walked independently. 1 (the default) preserves the
	// strictly chained single walk. Use only when the orchestrator is
	// known to return disjoint result sets for disjoint intervals.
	SubWindows int

	// Concurrency caps how many sub-window walks run at once.
	// Default 1; values above SubWindows are clamped.
	Concurrency int

	// QueueDepth is the per-window handoff buffer in batches. This
	// bound is the memory knob: when the writer falls behind, walkers
	// block instead of accumulating batches. Default 4.
	QueueDepth int

	// MaxPages is the per-walk safety ceiling (see pagination.Config).
	MaxPages int

	// OnPageCeiling selects the terminal status when the ceiling hits.
	OnPageCeiling CeilingPolicy
}

// Coordinator orchestrates one collection run end-to-end.
type Coordinator struct {
	cfg    Config
	phase  atomic.Int32
	logger zerolog.Logger
}

// New creates a coordinator for one run.
func New(cfg Config) *Coordinator {
	if cfg.SubWindows <= 0 {
		cfg.SubWindows = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > cfg.SubWindows {
		cfg.Concurrency = cfg.SubWindows
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	if cfg.OnPageCeiling == "" {
		cfg.OnPageCeiling = CeilingPartial
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logging.NewLogger("pipeline").With().Str("endpoint", cfg.Endpoint.Path()).Logger(),
	}
}

// Phase reports the coordinator's lifecycle state (for tests and
// progress reporting).
func (c *Coordinator) Phase() string {
	switch phase(c.phase.Load()) {
	case phaseFetching:
		return "Fetching"
	case phaseDraining:
		return "Draining"
	case phaseDone:
		return "Done"
	default:
		return "Idle"
	}
}

// Run executes the pipeline: it opens the writer, walks every sub-window
// (at most Concurrency at a time), writes batches strictly in sub-window
// then sequence order, and returns the aggregated result. The returned
// error is non-nil only for setup failures; fetch and write failures are
// reported through the result's status and first error.
func (c *Coordinator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}

	windows := splitInterval(c.cfg.Interval, c.cfg.SubWindows)

	if err := c.cfg.Writer.Open(); err != nil {
		return nil, err
	}

	// Cancelling runCtx stops all walkers issuing new page requests;
	// in-flight calls finish or time out on their own.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chans := make([]chan pagination.Batch, len(windows))
	walkErrs := make([]error, len(windows))
	for i := range chans {
		chans[i] = make(chan pagination.Batch, c.cfg.QueueDepth)
	}

	startWalker := func(i int) {
		w := pagination.NewWalker(
			c.cfg.Fetcher,
			c.cfg.Endpoint.WithInterval(windows[i]),
			pagination.Config{MaxPages: c.cfg.MaxPages, Window: i},
		)
		go func() {
			defer close(chans[i])
			walkErrs[i] = w.Walk(runCtx, chans[i])
		}()
	}

	c.phase.Store(int32(phaseFetching))
	c.logger.Info().
		Int("sub_windows", len(windows)).
		Int("concurrency", c.cfg.Concurrency).
		Time("start", c.cfg.Interval.Start).
		Time("stop", c.cfg.Interval.End).
		Msg("Run started")

	next := 0
	for ; next < c.cfg.Concurrency; next++ {
		startWalker(next)
	}

	var writeErr error
	var ceilingHit, fatal bool

	// Drain windows strictly in start order. Within a window batches
	// arrive in sequence order because the walk is serial; across
	// windows this loop is the ordered handoff.
	for i := range windows {
		for batch := range chans[i] {
			result.Pages++
			result.Retries += int64(batch.TransientRetries)
			result.RateLimitRetries += int64(batch.RateLimitRetries)

			if writeErr != nil || len(batch.Records) == 0 {
				continue
			}
			if err := c.cfg.Writer.WriteBatch(batch.Records); err != nil {
				// Keep draining so walkers unblock, but stop issuing
				// new requests: fetching while unable to persist only
				// burns the retry budget.
				writeErr = err
				c.setFirstError(result, batch.Window, batch.Seq, "", err.Error())
				cancel()
				c.logger.Error().Err(err).Msg("Writer failed, aborting run")
				continue
			}
			result.Records += int64(len(batch.Records))
		}

		if err := walkErrs[i]; err != nil {
			switch {
			case errors.Is(err, pagination.ErrPageCeiling):
				ceilingHit = true
				c.recordWalkError(result, i, err)
				// The ceiling only stops this window; siblings go on.
			default:
				fatal = true
				c.recordWalkError(result, i, err)
				cancel()
			}
		}

		if next < len(windows) {
			startWalker(next)
			next++
		}

		// The last window's channel closing means fetching has stopped;
		// anything after this point is the drain tail.
		if i == len(windows)-1 {
			c.phase.Store(int32(phaseDraining))
		}
	}

	result.Duration = time.Since(start)
	result.BytesWritten = c.cfg.Writer.Stats().Bytes
	result.Status = c.terminalStatus(ctx, writeErr, ceilingHit, fatal)

	if result.Status == StatusAborted {
		if err := c.cfg.Writer.Abort(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to finalize partial artifact")
		}
	} else {
		if err := c.cfg.Writer.Close(); err != nil {
			// A failed final flush means the archive cannot be trusted.
			c.setFirstError(result, 0, 0, "", err.Error())
			result.Status = StatusAborted
		}
	}

	c.phase.Store(int32(phaseDone))
	runsTotal.WithLabelValues(string(result.Status)).Inc()
	runDurationSeconds.Observe(result.Duration.Seconds())

	c.logger.Info().
		Str("status", string(result.Status)).
		Int64("pages", result.Pages).
		Int64("records", result.Records).
		Int64("bytes", result.BytesWritten).
		Int64("retries", result.Retries).
		Int64("rate_limit_retries", result.RateLimitRetries).
		Dur("duration", result.Duration).
		Msg("Run finished")

	return result, nil
}

// terminalStatus folds the run's failure signals into a status.
func (c *Coordinator) terminalStatus(ctx context.Context, writeErr error, ceilingHit, fatal bool) Status {
	switch {
	case writeErr != nil:
		return StatusAborted
	case ctx.Err() != nil:
		return StatusAborted
	case fatal:
		return StatusAborted
	case ceilingHit && c.cfg.OnPageCeiling == CeilingAbort:
		return StatusAborted
	case ceilingHit:
		return StatusCompletedWithErrors
	default:
		return StatusCompleted
	}
}

// recordWalkError captures a walker failure as the run's first error.
func (c *Coordinator) recordWalkError(result *RunResult, window int, err error) {
	seq := -1
	var walkErr *pagination.WalkError
	if errors.As(err, &walkErr) {
		seq = walkErr.Seq
	}
	var class vco.ErrorClass
	if !errors.Is(err, pagination.ErrPageCeiling) {
		class = vco.Classify(err)
	}
	c.setFirstError(result, window, seq, class, err.Error())

	c.logger.Error().
		Err(err).
		Int("window", window).
		Int("seq", seq).
		Msg("Walk failed")
}

func (c *Coordinator) setFirstError(result *RunResult, window, seq int, class vco.ErrorClass, msg string) {
	if result.FirstError != nil {
		return
	}
	result.FirstError = &FirstError{
		Window:  window,
		Seq:     seq,
		Class:   class,
		Message: msg,
	}
}
