package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcotools/vco-collector/internal/testutil"
	"github.com/vcotools/vco-collector/pkg/vco"
	"github.com/vcotools/vco-collector/pkg/writer"
)

const eventsPath = "event/getEnterpriseEvents"

// fastRetry keeps test retries in the millisecond range.
func fastRetry() vco.RetryConfig {
	return vco.RetryConfig{
		MaxAttempts:         3,
		InitialBackoff:      5 * time.Millisecond,
		MaxBackoff:          20 * time.Millisecond,
		BackoffMultiplier:   2.0,
		RateLimitMaxWaits:   2,
		RateLimitMinBackoff: 5 * time.Millisecond,
		RateLimitMaxBackoff: 20 * time.Millisecond,
	}
}

func testInterval() vco.Interval {
	return vco.Interval{
		Start: time.Unix(1700000000, 0).UTC(),
		End:   time.Unix(1700002400, 0).UTC(),
	}
}

func testClient(t *testing.T, mock *testutil.MockVCO) *vco.Client {
	t.Helper()
	client, err := vco.New(vco.Config{
		BaseURL:   mock.BaseURL(),
		AuthToken: "test-token",
		Timeout:   5 * time.Second,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)
	return client
}

// run executes one pipeline run into a temp file and returns the result
// and the file contents.
func run(t *testing.T, ctx context.Context, mock *testutil.MockVCO, cfg Config) (*RunResult, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.json")
	cfg.Endpoint = vco.EventsEndpoint{EnterpriseID: 7, Interval: cfg.Interval, Limit: 100}
	cfg.Fetcher = testClient(t, mock)
	cfg.Writer = writer.New(writer.Config{Path: path})

	result, err := New(cfg).Run(ctx)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return result, string(raw)
}

type row struct {
	Window int `json:"window"`
	Page   int `json:"page"`
	Row    int `json:"row"`
}

func parseRows(t *testing.T, content string) []row {
	t.Helper()
	var rows []row
	require.NoError(t, json.Unmarshal([]byte(content), &rows), "output is not a well-formed JSON array")
	return rows
}

func TestPipeline_SingleWindowRun(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	mock.SetPages(eventsPath, []testutil.PageScript{
		{Records: testutil.EventRecords(0, 0, 2)},
		{Records: testutil.EventRecords(0, 1, 2)},
		{Records: testutil.EventRecords(0, 2, 2)},
	})

	result, content := run(t, context.Background(), mock, Config{Interval: testInterval()})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.EqualValues(t, 3, result.Pages)
	assert.EqualValues(t, 6, result.Records)
	assert.Positive(t, result.BytesWritten)
	assert.Nil(t, result.FirstError)

	rows := parseRows(t, content)
	require.Len(t, rows, 6)
	for i, r := range rows {
		assert.Equal(t, i/2, r.Page, "row %d out of page order", i)
		assert.Equal(t, i%2, r.Row, "row %d out of row order", i)
	}
}

func TestPipeline_PhaseLifecycle(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	mock.SetPages(eventsPath, []testutil.PageScript{
		{Records: testutil.EventRecords(0, 0, 1)},
	})

	path := filepath.Join(t.TempDir(), "out.json")
	coord := New(Config{
		Endpoint: vco.EventsEndpoint{EnterpriseID: 7, Interval: testInterval()},
		Interval: testInterval(),
		Fetcher:  testClient(t, mock),
		Writer:   writer.New(writer.Config{Path: path}),
	})

	assert.Equal(t, "Idle", coord.Phase())
	_, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Done", coord.Phase())
}

// Fan-out across sub-windows must produce the exact same file as a
// serial walk of the same sub-windows, whatever the per-page latency.
func TestPipeline_FanOutPreservesOrder(t *testing.T) {
	iv := testInterval()
	windows := splitInterval(iv, 4)
	require.Len(t, windows, 4)

	mock := testutil.NewMockVCO()
	defer mock.Close()
	delays := []time.Duration{12, 3, 8, 1, 15, 5, 2, 9, 4, 11, 6, 7}
	for w, win := range windows {
		key := strconv.FormatInt(win.Start.UnixMilli(), 10)
		pages := make([]testutil.PageScript, 3)
		for p := range pages {
			pages[p] = testutil.PageScript{
				Records: testutil.EventRecords(w, p, 2),
				Delay:   delays[(w*3+p)%len(delays)] * time.Millisecond,
			}
		}
		mock.SetWindowPages(eventsPath, key, pages)
	}

	serial, serialContent := run(t, context.Background(), mock, Config{
		Interval: iv, SubWindows: 4, Concurrency: 1,
	})
	fanned, fannedContent := run(t, context.Background(), mock, Config{
		Interval: iv, SubWindows: 4, Concurrency: 4,
	})

	assert.Equal(t, StatusCompleted, serial.Status)
	assert.Equal(t, StatusCompleted, fanned.Status)
	assert.Equal(t, serialContent, fannedContent, "fan-out changed the output")

	rows := parseRows(t, fannedContent)
	require.Len(t, rows, 24)
	for i, r := range rows {
		assert.Equal(t, i/6, r.Window, "row %d out of window order", i)
		assert.Equal(t, (i/2)%3, r.Page, "row %d out of page order", i)
	}
}

func TestPipeline_TransientRetryCountsOnce(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	mock.SetPages(eventsPath, []testutil.PageScript{
		{Records: testutil.EventRecords(0, 0, 1)},
		{Records: testutil.EventRecords(0, 1, 1), FailuresBefore: 2},
	})

	result, content := run(t, context.Background(), mock, Config{Interval: testInterval()})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.EqualValues(t, 2, result.Retries)
	assert.EqualValues(t, 0, result.RateLimitRetries)

	// The retried page's record must appear exactly once.
	rows := parseRows(t, content)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[1].Page)
}

func TestPipeline_RateLimitRetryBudget(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	mock.SetPages(eventsPath, []testutil.PageScript{
		{Records: testutil.EventRecords(0, 0, 1), FailuresBefore: 1, FailStatus: 429, RetryAfter: "0"},
	})

	result, _ := run(t, context.Background(), mock, Config{Interval: testInterval()})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.EqualValues(t, 1, result.RateLimitRetries)
	assert.EqualValues(t, 0, result.Retries, "a 429 must not draw from the transient budget")
}

func TestPipeline_PermanentErrorAborts(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	mock.SetPages(eventsPath, []testutil.PageScript{
		{Records: testutil.EventRecords(0, 0, 2)},
		{FailuresBefore: 99, FailStatus: 403},
	})

	result, content := run(t, context.Background(), mock, Config{Interval: testInterval()})

	assert.Equal(t, StatusAborted, result.Status)
	require.NotNil(t, result.FirstError)
	assert.Equal(t, vco.ClassPermanent, result.FirstError.Class)
	assert.Equal(t, 1, result.FirstError.Seq)

	// The partial artifact keeps what was received and is detectably
	// incomplete: no closing bracket.
	assert.False(t, json.Valid([]byte(content)))
	assert.False(t, strings.HasSuffix(strings.TrimSpace(content), "]"))
	assert.Contains(t, content, `"page": 0`)
}

func TestPipeline_MalformedResponseAborts(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	// A 200 without a "data" key is how the orchestrator reports an
	// invalid token. It must abort, never read as end-of-data.
	mock.SetPages(eventsPath, []testutil.PageScript{
		{RawBody: `{"error": {"code": -32000, "message": "tokenError"}}`},
	})

	result, content := run(t, context.Background(), mock, Config{Interval: testInterval()})

	assert.Equal(t, StatusAborted, result.Status)
	require.NotNil(t, result.FirstError)
	assert.Equal(t, vco.ClassMalformed, result.FirstError.Class)
	assert.Equal(t, 1, mock.GetRequestCount(), "malformed responses must not be retried")
	assert.False(t, json.Valid([]byte(content)))
}

func TestPipeline_EmptyCollection(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	mock.SetPages(eventsPath, []testutil.PageScript{{}})

	result, content := run(t, context.Background(), mock, Config{Interval: testInterval()})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.EqualValues(t, 1, result.Pages)
	assert.EqualValues(t, 0, result.Records)
	assert.Equal(t, "[\n\n]", content, "an empty run must still be a well-formed archive")
}

func TestPipeline_CeilingPolicies(t *testing.T) {
	pages := []testutil.PageScript{
		{Records: testutil.EventRecords(0, 0, 1)},
		{Records: testutil.EventRecords(0, 1, 1)},
		{Records: testutil.EventRecords(0, 2, 1)},
		{Records: testutil.EventRecords(0, 3, 1)},
	}

	t.Run("partial keeps a well-formed archive", func(t *testing.T) {
		mock := testutil.NewMockVCO()
		defer mock.Close()
		mock.SetPages(eventsPath, pages)

		result, content := run(t, context.Background(), mock, Config{
			Interval: testInterval(), MaxPages: 2, OnPageCeiling: CeilingPartial,
		})

		assert.Equal(t, StatusCompletedWithErrors, result.Status)
		assert.EqualValues(t, 2, result.Pages)
		require.NotNil(t, result.FirstError)
		assert.Empty(t, result.FirstError.Class)
		assert.Len(t, parseRows(t, content), 2)
	})

	t.Run("abort leaves an incomplete artifact", func(t *testing.T) {
		mock := testutil.NewMockVCO()
		defer mock.Close()
		mock.SetPages(eventsPath, pages)

		result, content := run(t, context.Background(), mock, Config{
			Interval: testInterval(), MaxPages: 2, OnPageCeiling: CeilingAbort,
		})

		assert.Equal(t, StatusAborted, result.Status)
		assert.False(t, json.Valid([]byte(content)))
	})
}

func TestPipeline_Cancellation(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	slow := make([]testutil.PageScript, 10)
	for p := range slow {
		slow[p] = testutil.PageScript{
			Records: testutil.EventRecords(0, p, 1),
			Delay:   30 * time.Millisecond,
		}
	}
	mock.SetPages(eventsPath, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	result, content := run(t, ctx, mock, Config{Interval: testInterval()})

	assert.Equal(t, StatusAborted, result.Status)
	assert.Less(t, result.Pages, int64(10))
	assert.False(t, json.Valid([]byte(content)))
	// Whatever made it to the writer before the cancel is preserved.
	if result.Records > 0 {
		assert.Contains(t, content, `"page": 0`)
	}
}

func TestPipeline_WriterOpenFailureIsSetupError(t *testing.T) {
	mock := testutil.NewMockVCO()
	defer mock.Close()
	mock.SetPages(eventsPath, []testutil.PageScript{{}})

	coord := New(Config{
		Endpoint: vco.EventsEndpoint{EnterpriseID: 7, Interval: testInterval()},
		Interval: testInterval(),
		Fetcher:  testClient(t, mock),
		Writer:   writer.New(writer.Config{Path: filepath.Join(t.TempDir(), "missing", "out.json")}),
	})

	_, err := coord.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, mock.GetRequestCount(), "no fetch may start before the output file exists")
}
