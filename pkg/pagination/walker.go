package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/vcotools/vco-collector/pkg/logging"
	"github.com/vcotools/vco-collector/pkg/vco"
)

// Prometheus metrics for the pagination walk.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_pages_fetched_total",
		Help: "Total pages fetched by endpoint",
	}, []string{"endpoint"})

	pageCeilingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vco_page_ceiling_total",
		Help: "Total walks stopped by the safety page ceiling",
	}, []string{"endpoint"})
)

// ErrPageCeiling is returned when a walk stops because the safety page
// ceiling was hit. The result up to that point is valid but possibly
// incomplete; the run is reported as completed-with-errors, never as a
// silent truncation.
var ErrPageCeiling = errors.New("page ceiling reached")

// WalkError is a fetch failure tagged with the sequence number of the
// page that failed.
type WalkError struct {
	Seq int
	Err error
}

// Error implements the error interface.
func (e *WalkError) Error() string {
	return fmt.Sprintf("fetch page %d: %v", e.Seq, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *WalkError) Unwrap() error {
	return e.Err
}

// PageFetcher is the interface the walker needs from the HTTP client.
type PageFetcher interface {
	FetchPage(ctx context.Context, path string, body any) (*vco.Page, error)
}

// Batch is one fetched page's output records plus fetch telemetry,
// ordered by Seq within a walk.
type Batch struct {
	// Seq is the page's sequence number within its walk, contiguous
	// from 0. The sole ordering key for output.
	Seq int

	// Window is the sub-window index assigned by the pipeline; 0 for a
	// single-window run.
	Window int

	// Records are the page's records after endpoint filtering, order
	// preserved as received.
	Records []json.RawMessage

	// Fetched is the record count before filtering.
	Fetched int

	Bytes            int
	Duration         time.Duration
	Attempts         int
	TransientRetries int
	RateLimitRetries int
}

// DefaultMaxPages is the safety valve against a malformed orchestrator
// response chaining forever.
const DefaultMaxPages = 100000

// Config holds walker configuration.
type Config struct {
	// MaxPages is the safety page-count ceiling. Zero means
	// DefaultMaxPages.
	MaxPages int

	// Window is the sub-window index stamped on emitted batches.
	Window int
}

// Walker owns the cursor state machine for one walk: it derives each
// request from the previous response's continuation token and assigns
// sequence numbers.
type Walker struct {
	fetcher  PageFetcher
	endpoint vco.Endpoint
	cfg      Config
	logger   zerolog.Logger
}

// NewWalker creates a walker over one endpoint collection.
func NewWalker(fetcher PageFetcher, endpoint vco.Endpoint, cfg Config) *Walker {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return &Walker{
		fetcher:  fetcher,
		endpoint: endpoint,
		cfg:      cfg,
		logger: logging.NewLogger("walker").With().
			Str("endpoint", endpoint.Path()).
			Int("window", cfg.Window).
			Logger(),
	}
}

// Walk fetches all pages of the collection serially and sends each
// page's batch to out in sequence order. It never closes out; the caller
// owns the channel. Returns nil on normal termination (no more data),
// ErrPageCeiling when the safety ceiling stopped the walk, or the
// classified fetch error that aborted it.
func (w *Walker) Walk(ctx context.Context, out chan<- Batch) error {
	token := ""

	for seq := 0; ; seq++ {
		if seq >= w.cfg.MaxPages {
			pageCeilingTotal.WithLabelValues(w.endpoint.Path()).Inc()
			w.logger.Warn().
				Int("max_pages", w.cfg.MaxPages).
				Msg("Page ceiling reached, stopping walk")
			return fmt.Errorf("%w after %d pages", ErrPageCeiling, seq)
		}

		var body any
		if seq == 0 {
			body = w.endpoint.FirstPageBody()
		} else {
			body = w.endpoint.NextPageBody(token)
		}

		page, err := w.fetcher.FetchPage(ctx, w.endpoint.Path(), body)
		if err != nil {
			return &WalkError{Seq: seq, Err: err}
		}
		pagesFetchedTotal.WithLabelValues(w.endpoint.Path()).Inc()

		kept := page.Records[:0:0]
		for _, rec := range page.Records {
			if w.endpoint.KeepRecord(rec) {
				kept = append(kept, rec)
			}
		}
		if dropped := len(page.Records) - len(kept); dropped > 0 {
			w.logger.Debug().
				Int("seq", seq).
				Int("dropped", dropped).
				Msg("Filtered summary records from page")
		}

		batch := Batch{
			Seq:              seq,
			Window:           w.cfg.Window,
			Records:          kept,
			Fetched:          len(page.Records),
			Bytes:            page.Bytes,
			Duration:         page.Duration,
			Attempts:         page.Attempts,
			TransientRetries: page.TransientRetries,
			RateLimitRetries: page.RateLimitRetries,
		}

		select {
		case out <- batch:
		case <-ctx.Done():
			return fmt.Errorf("walk cancelled at page %d: %w", seq, ctx.Err())
		}

		if !page.More || page.NextPageLink == "" {
			w.logger.Info().
				Int("pages", seq+1).
				Msg("Walk complete, no more pages")
			return nil
		}
		token = page.NextPageLink
	}
}
