package report

import (
	"sync"
	"time"

	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/types"
)

// Report is the persisted record of one completed run.
type Report struct {
	Target    string         `json:"target"`
	Workers   int            `json:"workers"`
	Stats     types.RunStats `json:"stats"`
	Proxies   []ProxySummary `json:"proxies"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProxySummary is the end-of-run health record for one proxy.
type ProxySummary struct {
	Address             string `json:"address"`
	Scheme              string `json:"scheme"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Build assembles the final report from run stats and the pool state.
func Build(target string, workers int, stats types.RunStats, endpoints []pool.Endpoint) *Report {
	proxies := make([]ProxySummary, 0, len(endpoints))
	for _, e := range endpoints {
		proxies = append(proxies, ProxySummary{
			Address:             e.Address,
			Scheme:              e.Scheme,
			State:               string(e.State),
			ConsecutiveFailures: e.ConsecutiveFailures,
		})
	}
	return &Report{
		Target:    target,
		Workers:   workers,
		Stats:     stats,
		Proxies:   proxies,
		CreatedAt: time.Now(),
	}
}

// Tracker mirrors the dispatcher's aggregation as a live view for the
// API while a run is in progress. It implements the dispatch Recorder
// interface; the dispatcher's own fold remains the source of truth for
// the final numbers.
type Tracker struct {
	mu          sync.Mutex
	sent        int64
	perKind     map[types.ErrorKind]int64
	start       time.Time
	anyResponse bool
}

// NewTracker builds a live tracker. anyResponse selects the
// any-response success policy instead of 2xx-only.
func NewTracker(anyResponse bool) *Tracker {
	return &Tracker{
		perKind:     make(map[types.ErrorKind]int64),
		start:       time.Now(),
		anyResponse: anyResponse,
	}
}

func (t *Tracker) RecordRequest(kind types.ErrorKind, seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent++
	t.perKind[kind]++
}

func (t *Tracker) RecordPoolExhaustion() {}

// Snapshot returns a copy of the live counters.
func (t *Tracker) Snapshot() types.RunStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	perKind := make(map[types.ErrorKind]int64, len(t.perKind))
	var succeeded int64
	for k, v := range t.perKind {
		perKind[k] = v
		if k == types.ErrorNone || (t.anyResponse && k == types.ErrorNon2xx) {
			succeeded += v
		}
	}
	return types.RunStats{
		RequestsSent:      t.sent,
		RequestsSucceeded: succeeded,
		RequestsFailed:    t.sent - succeeded,
		PerKind:           perKind,
		StartTime:         t.start,
		Elapsed:           time.Since(t.start),
	}
}
