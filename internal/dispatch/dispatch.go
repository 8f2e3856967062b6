package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SuccessPolicy decides what counts as a successful request in RunStats.
type SuccessPolicy string

const (
	// Success2xx counts only 2xx origin responses as success.
	Success2xx SuccessPolicy = "2xx"
	// SuccessAnyResponse counts any origin response as success, whatever
	// the status code. The proxy worked and the origin answered.
	SuccessAnyResponse SuccessPolicy = "any-response"
)

// Executor performs a single classified request through a proxy.
type Executor interface {
	Execute(ctx context.Context, targetURL string, endpoint pool.Endpoint) types.Outcome
	Close()
}

// Recorder receives per-outcome observations. Implemented by the
// metrics collector; nil disables recording.
type Recorder interface {
	RecordRequest(kind types.ErrorKind, seconds float64)
	RecordPoolExhaustion()
}

// Config holds the dispatch parameters for one run.
type Config struct {
	TargetURL        string
	Workers          int
	Duration         time.Duration // 0 = unbounded
	RequestLimit     int64         // 0 = unbounded
	DelayMin         time.Duration
	DelayMax         time.Duration
	ExhaustedBackoff time.Duration
	SuccessPolicy    SuccessPolicy
	RateLimitRPS     int // 0 = uncapped
}

// Dispatcher owns the worker set and aggregates run statistics. One
// consumer goroutine folds every outcome into RunStats, so workers
// never contend on the stats themselves.
type Dispatcher struct {
	cfg         Config
	pool        *pool.Pool
	newExecutor func(workerID int) Executor
	recorder    Recorder
	limiter     *rate.Limiter

	started atomic.Int64 // iterations begun, enforces RequestLimit
}

// New builds a Dispatcher. newExecutor is called once per worker so
// every worker owns its transports.
func New(cfg Config, p *pool.Pool, newExecutor func(workerID int) Executor, recorder Recorder) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ExhaustedBackoff <= 0 {
		cfg.ExhaustedBackoff = 500 * time.Millisecond
	}
	if cfg.SuccessPolicy == "" {
		cfg.SuccessPolicy = Success2xx
	}

	d := &Dispatcher{
		cfg:         cfg,
		pool:        p,
		newExecutor: newExecutor,
		recorder:    recorder,
	}
	if cfg.RateLimitRPS > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS)
	}
	return d
}

// Run executes the load run and returns final statistics once every
// worker has fully stopped. Cancellation of ctx (including an external
// interrupt wired to it) stops the run cooperatively: in-flight
// requests finish or time out, nothing is cut off mid-accounting.
func (d *Dispatcher) Run(ctx context.Context) types.RunStats {
	runCtx := ctx
	var cancel context.CancelFunc
	if d.cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.cfg.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	stats := types.RunStats{
		PerKind:   make(map[types.ErrorKind]int64),
		StartTime: time.Now(),
	}

	outcomes := make(chan types.Outcome, d.cfg.Workers*2)

	var aggWG sync.WaitGroup
	aggWG.Add(1)
	go func() {
		defer aggWG.Done()
		for o := range outcomes {
			d.fold(&stats, o)
		}
	}()

	log.WithFields(log.Fields{
		"workers":  d.cfg.Workers,
		"target":   d.cfg.TargetURL,
		"duration": d.cfg.Duration,
		"limit":    d.cfg.RequestLimit,
	}).Info("Run started")

	var workerWG sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		workerWG.Add(1)
		w := &worker{
			id:         i,
			dispatcher: d,
			executor:   d.newExecutor(i),
			rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
		}
		go func() {
			defer workerWG.Done()
			w.run(runCtx, outcomes)
		}()
	}

	// Stats are final only after every worker stopped emitting.
	workerWG.Wait()
	close(outcomes)
	aggWG.Wait()

	stats.Elapsed = time.Since(stats.StartTime)
	log.WithFields(log.Fields{
		"sent":      stats.RequestsSent,
		"succeeded": stats.RequestsSucceeded,
		"failed":    stats.RequestsFailed,
		"elapsed":   stats.Elapsed.Round(time.Millisecond),
		"rps":       stats.RPS(),
	}).Info("Run complete")

	return stats
}

// fold adds one outcome to the aggregate. Runs on the single consumer
// goroutine only.
func (d *Dispatcher) fold(stats *types.RunStats, o types.Outcome) {
	stats.RequestsSent++
	stats.PerKind[o.Kind]++
	if d.isSuccess(o) {
		stats.RequestsSucceeded++
	} else {
		stats.RequestsFailed++
	}
	if d.recorder != nil {
		d.recorder.RecordRequest(o.Kind, o.Latency.Seconds())
	}
}

func (d *Dispatcher) isSuccess(o types.Outcome) bool {
	switch d.cfg.SuccessPolicy {
	case SuccessAnyResponse:
		return o.Kind == types.ErrorNone || o.Kind == types.ErrorNon2xx
	default:
		return o.Kind == types.ErrorNone
	}
}

// worker drives one request loop. State is worker-local except the
// shared pool and the outcome channel.
type worker struct {
	id         int
	dispatcher *Dispatcher
	executor   Executor
	rng        *rand.Rand
}

func (w *worker) run(ctx context.Context, outcomes chan<- types.Outcome) {
	d := w.dispatcher
	defer w.executor.Close()

	for {
		// Cancellation is checked once per iteration; an in-flight
		// request is allowed to finish or time out first.
		select {
		case <-ctx.Done():
			return
		default:
		}

		if d.cfg.RequestLimit > 0 && d.started.Add(1) > d.cfg.RequestLimit {
			return
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return
			}
		}

		w.sleepDelay(ctx)
		if ctx.Err() != nil {
			return
		}

		endpoint, err := d.pool.Select()
		if err != nil {
			if errors.Is(err, pool.ErrExhausted) {
				if d.recorder != nil {
					d.recorder.RecordPoolExhaustion()
				}
				// All proxies banned, possibly transiently. Back off
				// instead of spinning or dying.
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.cfg.ExhaustedBackoff):
				}
				if d.cfg.RequestLimit > 0 {
					d.started.Add(-1)
				}
				continue
			}
			return
		}

		// The request context is detached from run cancellation: stop
		// requests prevent new iterations but let the in-flight request
		// finish or hit its own timeout, keeping accounting intact.
		outcome := w.executor.Execute(context.WithoutCancel(ctx), d.cfg.TargetURL, endpoint)

		// Executor errors are never fatal here; every outcome is
		// reported and the loop continues.
		d.pool.Report(outcome.Proxy, outcome.Kind)
		outcomes <- outcome
	}
}

// sleepDelay applies the configured inter-request delay, picking a
// uniform point in [min, max] each iteration.
func (w *worker) sleepDelay(ctx context.Context) {
	d := w.dispatcher
	if d.cfg.DelayMax <= 0 {
		return
	}
	delay := d.cfg.DelayMin
	if span := d.cfg.DelayMax - d.cfg.DelayMin; span > 0 {
		delay += time.Duration(w.rng.Int63n(int64(span) + 1))
	}
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
