package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/proxy-loadgen/internal/types"
	log "github.com/sirupsen/logrus"
)

// State is the health state of a proxy endpoint
type State string

const (
	Healthy  State = "healthy"
	Degraded State = "degraded"
	Banned   State = "banned"
)

// ErrExhausted is returned by Select when every endpoint is banned.
// Callers must back off and retry; the condition can be permanent for
// the rest of the run but selection itself never blocks.
var ErrExhausted = errors.New("proxy pool exhausted")

// Endpoint is one proxy server and its health bookkeeping.
// All fields are guarded by the owning Pool's mutex.
type Endpoint struct {
	Address             string // host:port
	Scheme              string // "http", "https", "socks4", "socks5"
	State               State
	ConsecutiveFailures int
	LastUsed            time.Time
}

// URL returns the full proxy URL for transport configuration.
func (e *Endpoint) URL() string {
	return e.Scheme + "://" + e.Address
}

// Pool hands out proxies round-robin, skipping banned endpoints, and
// tracks per-endpoint health from reported outcomes. A single mutex
// linearizes selection and reporting; neither performs I/O.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	byURL     map[string]*Endpoint
	cursor    int

	degradedThreshold int
	bannedThreshold   int

	onStateChange func(healthy, degraded, banned int)
}

// Option configures a Pool.
type Option func(*Pool)

// WithThresholds overrides the consecutive-failure counts at which an
// endpoint turns Degraded and then Banned.
func WithThresholds(degraded, banned int) Option {
	return func(p *Pool) {
		p.degradedThreshold = degraded
		p.bannedThreshold = banned
	}
}

// WithStateChangeHook registers a callback invoked (under the pool lock)
// whenever an endpoint changes state. Used for gauge metrics.
func WithStateChangeHook(fn func(healthy, degraded, banned int)) Option {
	return func(p *Pool) {
		p.onStateChange = fn
	}
}

// New builds a pool over the given endpoints. Endpoints start Healthy.
func New(endpoints []*Endpoint, opts ...Option) *Pool {
	p := &Pool{
		endpoints:         endpoints,
		byURL:             make(map[string]*Endpoint, len(endpoints)),
		degradedThreshold: 3,
		bannedThreshold:   6,
	}
	// Keyed by full URL: the same host:port can appear under several
	// schemes and each entry keeps its own health state.
	for _, e := range p.endpoints {
		if e.State == "" {
			e.State = Healthy
		}
		p.byURL[e.URL()] = e
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the total number of endpoints, banned included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Select returns the next non-banned endpoint round-robin, or
// ErrExhausted when none remain. The returned endpoint is a snapshot
// copy; health updates go through Report.
func (p *Pool) Select() (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		e := p.endpoints[p.cursor%n]
		p.cursor++
		if e.State == Banned {
			continue
		}
		e.LastUsed = time.Now()
		return *e, nil
	}
	return Endpoint{}, ErrExhausted
}

// Report folds a request outcome into the endpoint's health state,
// addressed by the endpoint's URL (scheme://host:port). A received
// response (success or non-2xx) proves the proxy works and resets the
// failure counter. Connect failures and timeouts increment it; crossing
// the thresholds moves Healthy -> Degraded -> Banned. Banned is
// terminal for the run. Protocol errors leave the endpoint untouched:
// the proxy connected but the exchange broke, and blame between proxy
// and origin is ambiguous.
func (p *Pool) Report(proxyURL string, kind types.ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.byURL[proxyURL]
	if e == nil || e.State == Banned {
		return
	}

	if kind == types.ErrorProtocol {
		return
	}

	if kind.ReceivedResponse() {
		e.ConsecutiveFailures = 0
		if e.State != Healthy {
			e.State = Healthy
			p.notifyLocked()
		}
		return
	}

	e.ConsecutiveFailures++
	switch {
	case e.ConsecutiveFailures >= p.bannedThreshold:
		e.State = Banned
		log.WithFields(log.Fields{"proxy": e.Address, "failures": e.ConsecutiveFailures}).Warn("Proxy banned")
		p.notifyLocked()
	case e.ConsecutiveFailures >= p.degradedThreshold && e.State == Healthy:
		e.State = Degraded
		log.WithFields(log.Fields{"proxy": e.Address, "failures": e.ConsecutiveFailures}).Info("Proxy degraded")
		p.notifyLocked()
	}
}

// Counts returns the number of endpoints per state.
func (p *Pool) Counts() (healthy, degraded, banned int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

// Snapshot returns a copy of all endpoints for reporting.
func (p *Pool) Snapshot() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Endpoint, len(p.endpoints))
	for i, e := range p.endpoints {
		out[i] = *e
	}
	return out
}

func (p *Pool) countsLocked() (healthy, degraded, banned int) {
	for _, e := range p.endpoints {
		switch e.State {
		case Healthy:
			healthy++
		case Degraded:
			degraded++
		case Banned:
			banned++
		}
	}
	return
}

func (p *Pool) notifyLocked() {
	if p.onStateChange == nil {
		return
	}
	h, d, b := p.countsLocked()
	p.onStateChange(h, d, b)
}
