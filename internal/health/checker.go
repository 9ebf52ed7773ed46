// Package health runs periodic readiness probes against the ledger's
// runtime dependencies and exposes an aggregate status for the health
// endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds probe loop configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency. A nil return means the dependency is
// reachable and serving.
type Probe func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(name string, success bool)

// Checker runs registered probes on an interval and tracks per-probe
// status. A probe is reported degraded only after FailThreshold
// consecutive failures, so a single network blip does not flip the
// readiness endpoint.
type Checker struct {
	mu         sync.Mutex
	probes     map[string]Probe
	failCounts map[string]int
	degraded   map[string]bool

	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Checker with no probes registered.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &Checker{
		probes:     make(map[string]Probe),
		failCounts: make(map[string]int),
		degraded:   make(map[string]bool),
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register adds a named probe. Call before Start.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// Start launches the probe loop in a goroutine. It runs one round
// immediately so the readiness endpoint is meaningful from the first
// request.
func (c *Checker) Start() {
	go func() {
		defer close(c.done)

		c.CheckAll(context.Background())

		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CheckAll(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for the in-flight round.
func (c *Checker) Stop() {
	close(c.stop)
	<-c.done
}

// CheckAll runs every registered probe once.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.probes))
	probes := make([]Probe, 0, len(c.probes))
	for name, p := range c.probes {
		names = append(names, name)
		probes = append(probes, p)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			err := probe(pctx)
			cancel()

			success := err == nil
			if c.onMetrics != nil {
				c.onMetrics(name, success)
			}

			c.mu.Lock()
			if success {
				recovered := c.degraded[name]
				c.failCounts[name] = 0
				c.degraded[name] = false
				c.mu.Unlock()
				if recovered {
					c.logger.Info("health: recovered", zap.String("probe", name))
				}
				return
			}

			c.failCounts[name]++
			count := c.failCounts[name]
			if count >= c.cfg.FailThreshold {
				c.degraded[name] = true
			}
			c.mu.Unlock()

			if count == c.cfg.FailThreshold {
				c.logger.Warn("health: degraded",
					zap.String("probe", name),
					zap.Int("fail_count", count),
					zap.Error(err),
				)
			}
		}(names[i], probes[i])
	}
	wg.Wait()
}

// Report returns the aggregate status and a per-probe status map. The
// aggregate is false when any probe has crossed the fail threshold.
func (c *Checker) Report() (bool, map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	healthy := true
	statuses := make(map[string]string, len(c.probes))
	for name := range c.probes {
		if c.degraded[name] {
			statuses[name] = "degraded"
			healthy = false
		} else {
			statuses[name] = "ok"
		}
	}
	return healthy, statuses
}
