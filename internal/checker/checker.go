package checker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-loadgen/internal/config"
	"github.com/proxy-loadgen/internal/executor"
	"github.com/proxy-loadgen/internal/pool"
	"github.com/proxy-loadgen/internal/types"
	log "github.com/sirupsen/logrus"
)

// Result is the outcome of pre-checking one proxy.
type Result struct {
	Endpoint  pool.Endpoint
	Alive     bool
	LatencyMs int64
	Error     string
}

// Checker validates proxies against a test URL before a run so dead
// entries never enter the pool.
type Checker struct {
	cfg config.CheckConfig
}

func New(cfg config.CheckConfig) *Checker {
	return &Checker{cfg: cfg}
}

// Filter checks all endpoints with bounded concurrency and returns the
// ones that produced a response. If an output file is configured, the
// working proxies are also written there, one per line.
func (c *Checker) Filter(ctx context.Context, endpoints []*pool.Endpoint) ([]*pool.Endpoint, error) {
	if len(endpoints) == 0 {
		return endpoints, nil
	}

	log.Infof("Pre-checking %d proxies: concurrency=%d, test_url=%s",
		len(endpoints), c.cfg.Concurrency, c.cfg.TestURL)

	start := time.Now()
	timeout := time.Duration(c.cfg.TimeoutMs) * time.Millisecond

	concurrency := c.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]Result, len(endpoints))
	sem := make(chan struct{}, concurrency)

	var completed atomic.Int64
	progressTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()

	progressDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-progressDone:
				return
			case <-progressTicker.C:
				current := completed.Load()
				percent := float64(current) / float64(len(endpoints)) * 100.0
				log.Infof("Pre-check progress: %d/%d (%.1f%%)", current, len(endpoints), percent)
			}
		}
	}()

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		sem <- struct{}{}
		wg.Add(1)

		go func(idx int, endpoint pool.Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()

			results[idx] = c.checkOne(ctx, endpoint, timeout, int64(idx))
			completed.Add(1)
		}(i, *ep)
	}

	wg.Wait()
	close(progressDone)

	alive := make([]*pool.Endpoint, 0, len(endpoints))
	for i, r := range results {
		if r.Alive {
			alive = append(alive, endpoints[i])
		}
	}

	duration := time.Since(start)
	log.Infof("Pre-check complete: %d/%d alive in %v (%.0f checks/sec)",
		len(alive), len(endpoints), duration, float64(len(endpoints))/duration.Seconds())

	if c.cfg.OutputFile != "" && len(alive) > 0 {
		if err := writeProxyFile(c.cfg.OutputFile, alive); err != nil {
			log.Warnf("Failed to write working proxies: %v", err)
		} else {
			log.Infof("Wrote %d working proxies to %s", len(alive), c.cfg.OutputFile)
		}
	}

	if len(alive) == 0 {
		return nil, fmt.Errorf("no working proxies after pre-check")
	}
	return alive, nil
}

// checkOne performs a single classified request through the proxy. A
// throwaway executor keeps the transport isolated per check.
func (c *Checker) checkOne(ctx context.Context, endpoint pool.Endpoint, timeout time.Duration, seed int64) Result {
	exec := executor.New(timeout, time.Now().UnixNano()+seed)
	defer exec.Close()

	outcome := exec.Execute(ctx, c.cfg.TestURL, endpoint)

	r := Result{
		Endpoint:  endpoint,
		LatencyMs: outcome.Latency.Milliseconds(),
	}
	switch outcome.Kind {
	case types.ErrorNone, types.ErrorNon2xx:
		r.Alive = true
	default:
		r.Error = string(outcome.Kind)
	}
	return r
}

func writeProxyFile(path string, endpoints []*pool.Endpoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	for _, e := range endpoints {
		if _, err := fmt.Fprintln(f, e.URL()); err != nil {
			return fmt.Errorf("write proxy: %w", err)
		}
	}
	return nil
}
