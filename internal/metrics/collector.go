package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector implements in-process metrics collection for merge pass activity.
// It never binds a listener: the daemon does not expose a network service, so
// the registry is periodically dumped to a text file under the state root
// instead of being served over /metrics.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	passCounter       *prometheus.CounterVec
	passDuration      *prometheus.HistogramVec
	actionCounter     *prometheus.CounterVec
	mountGauge        *prometheus.GaugeVec
	normalizeCounter  *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	// Internal tracking, surfaced through GetMetrics for diagnostics
	operations map[string]*OperationMetrics
	lastReset  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	DumpPath       string            `yaml:"dump_path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// OperationMetrics tracks metrics for a specific merge-pass action type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			DumpPath:       "metrics.prom",
			Namespace:      "mergefsd",
			UpdateInterval: 30 * time.Second,
			Labels:         make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
		stopCh:     make(chan struct{}),
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Start begins the periodic text-file dump loop. It does not open any socket.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	go c.updateLoop(ctx)

	return nil
}

// Stop halts the dump loop and writes a final snapshot.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.dumpToFile()
}

// RecordPass records one completed merge pass.
func (c *Collector) RecordPass(outcome string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordOperationLocked("pass:"+outcome, duration, outcome == "failure" || outcome == "mixed")

	c.passCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
	c.passDuration.With(prometheus.Labels{"outcome": outcome}).Observe(duration.Seconds())
}

// RecordAction records one reconciliation action (mount, remount, unmount, noop).
func (c *Collector) RecordAction(actionType string, success bool) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}
	c.actionCounter.With(prometheus.Labels{"type": actionType, "status": status}).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordOperationLocked("action:"+actionType, 0, !success)
}

// RecordNormalize records a normalizer cache lookup.
func (c *Collector) RecordNormalize(hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.normalizeCounter.With(prometheus.Labels{"result": result}).Inc()
}

// UpdateMountCount reports the number of currently active mountpoints.
func (c *Collector) UpdateMountCount(count int) {
	if !c.config.Enabled {
		return
	}
	c.mountGauge.With(prometheus.Labels{"state": "active"}).Set(float64(count))
}

// RecordError records an error by component.
func (c *Collector) RecordError(component string, err error) {
	if !c.config.Enabled {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"component": component,
		"type":      c.classifyError(err),
	}).Inc()
}

// GetMetrics returns current metrics for diagnostics consumers.
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := make(map[string]interface{})

	operations := make(map[string]*OperationMetrics)
	for k, v := range c.operations {
		copy := *v
		operations[k] = &copy
	}

	metrics["operations"] = operations
	metrics["last_reset"] = c.lastReset
	metrics["uptime"] = time.Since(c.lastReset)

	return metrics
}

// ResetMetrics resets all internal counters (not the Prometheus registry).
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) recordOperationLocked(key string, duration time.Duration, failed bool) {
	if metrics, exists := c.operations[key]; exists {
		metrics.Count++
		metrics.TotalDuration += duration
		if failed {
			metrics.Errors++
		}
		metrics.LastOperation = time.Now()
		metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	} else {
		errs := int64(0)
		if failed {
			errs = 1
		}
		c.operations[key] = &OperationMetrics{
			Count:         1,
			TotalDuration: duration,
			Errors:        errs,
			LastOperation: time.Now(),
			AvgDuration:   duration,
		}
	}
}

func (c *Collector) initMetrics() error {
	c.passCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "merge_passes_total",
			Help:      "Total number of merge passes by classified outcome",
		},
		[]string{"outcome"},
	)

	c.passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "merge_pass_duration_seconds",
			Help:      "Duration of a merge pass in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"outcome"},
	)

	c.actionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "reconciliation_actions_total",
			Help:      "Total number of reconciliation actions applied",
		},
		[]string{"type", "status"},
	)

	c.mountGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "active_mounts",
			Help:      "Number of currently active mergerfs mounts",
		},
		[]string{"state"},
	)

	c.normalizeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "title_normalize_cache_total",
			Help:      "Total number of title normalizer cache lookups",
		},
		[]string{"result"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by component",
		},
		[]string{"component", "type"},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.passCounter,
		c.passDuration,
		c.actionCounter,
		c.mountGauge,
		c.normalizeCounter,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) classifyError(err error) string {
	errStr := err.Error()
	switch {
	case contains(errStr, "timeout"):
		return "timeout"
	case contains(errStr, "busy"):
		return "busy"
	case contains(errStr, "not found"):
		return "not_found"
	case contains(errStr, "permission"):
		return "permission"
	default:
		return "other"
	}
}

func (c *Collector) updateLoop(ctx context.Context) {
	interval := c.config.UpdateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.dumpToFile(); err != nil {
				fmt.Fprintf(os.Stderr, "metrics: failed to dump to %s: %v\n", c.config.DumpPath, err)
			}
		}
	}
}

// dumpToFile renders the registry in Prometheus text exposition format and
// writes it atomically to config.DumpPath. No HTTP listener is ever opened;
// an operator scrapes this file directly or points node_exporter's textfile
// collector at its directory.
func (c *Collector) dumpToFile() error {
	if c.config.DumpPath == "" {
		return nil
	}

	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.config.DumpPath), ".metrics-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("encode metric family: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpPath, c.config.DumpPath)
}

// Utility functions

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
