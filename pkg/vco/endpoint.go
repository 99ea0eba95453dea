package vco

import (
	"time"

	json "github.com/goccy/go-json"
)

// Interval is the collection time window. Endpoints render it into the
// wire format the orchestrator expects for their call.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Endpoint describes one paginated orchestrator collection: how to build
// the first-page and next-page request bodies and which records belong in
// the archive.
type Endpoint interface {
	// Name identifies the collection for output naming and logging.
	Name() string

	// Path is the endpoint path relative to the API base path.
	Path() string

	// FirstPageBody builds the request body that opens the walk.
	FirstPageBody() any

	// NextPageBody builds the request body for the page after the given
	// continuation token.
	NextPageBody(token string) any

	// KeepRecord reports whether a record belongs in the output. Pages
	// are still walked to completion when all their records are dropped.
	KeepRecord(rec json.RawMessage) bool

	// WithInterval returns a copy of the endpoint scoped to a sub-window.
	WithInterval(iv Interval) Endpoint
}

// eventsIntervalType is the only interval type the events endpoint
// accepts for arbitrary start/end ranges.
const eventsIntervalType = "past12Months"

// DefaultEventLimit is the default page size for the events endpoint.
const DefaultEventLimit = 2048

// DefaultFlowLimit is the default page size for the flow metrics endpoint.
const DefaultFlowLimit = 204800

// EventsEndpoint fetches the enterprise event log
// (POST event/getEnterpriseEvents). Interval timestamps are epoch
// milliseconds.
type EventsEndpoint struct {
	EnterpriseID int
	Interval     Interval
	Limit        int
}

type eventsInterval struct {
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Type  string `json:"type"`
}

func (e EventsEndpoint) wireInterval() eventsInterval {
	return eventsInterval{
		Start: e.Interval.Start.UnixMilli(),
		End:   e.Interval.End.UnixMilli(),
		Type:  eventsIntervalType,
	}
}

// Name implements Endpoint.
func (e EventsEndpoint) Name() string { return "EnterpriseEvents" }

// Path implements Endpoint.
func (e EventsEndpoint) Path() string { return "event/getEnterpriseEvents" }

// FirstPageBody implements Endpoint.
func (e EventsEndpoint) FirstPageBody() any {
	return struct {
		Filter struct {
			Limit int `json:"limit"`
		} `json:"filter"`
		Interval     eventsInterval `json:"interval"`
		EnterpriseID int            `json:"enterpriseId"`
	}{
		Filter:       struct{ Limit int `json:"limit"` }{Limit: e.limit()},
		Interval:     e.wireInterval(),
		EnterpriseID: e.EnterpriseID,
	}
}

// NextPageBody implements Endpoint.
func (e EventsEndpoint) NextPageBody(token string) any {
	return struct {
		NextPageLink string         `json:"nextPageLink"`
		Limit        int            `json:"limit"`
		Interval     eventsInterval `json:"interval"`
		EnterpriseID int            `json:"enterpriseId"`
	}{
		NextPageLink: token,
		Limit:        e.limit(),
		Interval:     e.wireInterval(),
		EnterpriseID: e.EnterpriseID,
	}
}

// KeepRecord implements Endpoint. Every event record is archived.
func (e EventsEndpoint) KeepRecord(json.RawMessage) bool { return true }

// WithInterval implements Endpoint.
func (e EventsEndpoint) WithInterval(iv Interval) Endpoint {
	e.Interval = iv
	return e
}

func (e EventsEndpoint) limit() int {
	if e.Limit > 0 {
		return e.Limit
	}
	return DefaultEventLimit
}

// FlowsEndpoint fetches edge flow visibility metrics
// (POST metrics/getEdgeFlowVisibilityMetrics). Interval timestamps are
// RFC3339 with nine-digit nanoseconds and a numeric zone offset.
type FlowsEndpoint struct {
	EdgeID       int
	EnterpriseID int
	Interval     Interval
	Limit        int
}

type flowsInterval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// rfc3339NanoLayout keeps all nine fractional digits; the orchestrator
// rejects intervals with trimmed trailing zeros.
const rfc3339NanoLayout = "2006-01-02T15:04:05.000000000-07:00"

func (f FlowsEndpoint) wireInterval() flowsInterval {
	return flowsInterval{
		Start: f.Interval.Start.Format(rfc3339NanoLayout),
		End:   f.Interval.End.Format(rfc3339NanoLayout),
	}
}

// Name implements Endpoint.
func (f FlowsEndpoint) Name() string { return "EdgeFlowVisibilityMetrics" }

// Path implements Endpoint.
func (f FlowsEndpoint) Path() string { return "metrics/getEdgeFlowVisibilityMetrics" }

// FirstPageBody implements Endpoint.
func (f FlowsEndpoint) FirstPageBody() any {
	return struct {
		EdgeID       int           `json:"edgeId"`
		EnterpriseID int           `json:"enterpriseId"`
		Interval     flowsInterval `json:"interval"`
		Limit        int           `json:"limit"`
		FilterSpec   bool          `json:"_filterSpec"`
	}{
		EdgeID:       f.EdgeID,
		EnterpriseID: f.EnterpriseID,
		Interval:     f.wireInterval(),
		Limit:        f.limit(),
		FilterSpec:   false,
	}
}

// NextPageBody implements Endpoint.
func (f FlowsEndpoint) NextPageBody(token string) any {
	return struct {
		EdgeID       int           `json:"edgeId"`
		Interval     flowsInterval `json:"interval"`
		NextPageLink string        `json:"nextPageLink"`
	}{
		EdgeID:       f.EdgeID,
		Interval:     f.wireInterval(),
		NextPageLink: token,
	}
}

// KeepRecord implements Endpoint. The orchestrator appends a synthetic
// summary record named "other" to flow pages, sometimes as the only
// element of a page; it is never part of the archive.
func (f FlowsEndpoint) KeepRecord(rec json.RawMessage) bool {
	var probe struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rec, &probe); err != nil {
		return true
	}
	return probe.Name != "other"
}

// WithInterval implements Endpoint.
func (f FlowsEndpoint) WithInterval(iv Interval) Endpoint {
	f.Interval = iv
	return f
}

func (f FlowsEndpoint) limit() int {
	if f.Limit > 0 {
		return f.Limit
	}
	return DefaultFlowLimit
}
