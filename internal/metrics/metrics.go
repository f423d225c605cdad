package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/caretrack/wardsync/internal/causal"
)

// Collector tracks sync and request metrics and exposes Prometheus-compatible /metrics.
type Collector struct {
	store *causal.Store

	requestsTotal [methodCount]atomic.Int64
	requestErrors atomic.Int64

	applyTotal     [statusCount]atomic.Int64
	roundsServed   atomic.Int64
	roundsDriven   atomic.Int64
	roundErrors    atomic.Int64
	changesPushed  atomic.Int64
	changesPulled  atomic.Int64
	gapsReported   atomic.Int64
	pendingEvicted atomic.Int64
	malformed      atomic.Int64

	latencySumNanos atomic.Int64
	latencyCount    atomic.Int64

	startTime time.Time
}

// HTTP method indices for counter array
const (
	mGET = iota
	mPUT
	mDELETE
	mPOST
	mOTHER
	methodCount
)

func methodIndex(method string) int {
	switch method {
	case http.MethodGet:
		return mGET
	case http.MethodPut:
		return mPUT
	case http.MethodDelete:
		return mDELETE
	case http.MethodPost:
		return mPOST
	default:
		return mOTHER
	}
}

func methodLabel(idx int) string {
	switch idx {
	case mGET:
		return "GET"
	case mPUT:
		return "PUT"
	case mDELETE:
		return "DELETE"
	case mPOST:
		return "POST"
	default:
		return "OTHER"
	}
}

// Apply status indices for counter array
const (
	sCommitted = iota
	sAlreadyApplied
	sPending
	sNeedsReview
	sRejected
	sOTHER
	statusCount
)

func statusIndex(status causal.Status) int {
	switch status {
	case causal.StatusCommitted:
		return sCommitted
	case causal.StatusAlreadyApplied:
		return sAlreadyApplied
	case causal.StatusPending:
		return sPending
	case causal.StatusNeedsReview:
		return sNeedsReview
	case causal.StatusRejected:
		return sRejected
	default:
		return sOTHER
	}
}

func statusLabel(idx int) string {
	switch idx {
	case sCommitted:
		return "committed"
	case sAlreadyApplied:
		return "already_applied"
	case sPending:
		return "pending"
	case sNeedsReview:
		return "needs_review"
	case sRejected:
		return "rejected"
	default:
		return "other"
	}
}

func NewCollector(store *causal.Store) *Collector {
	return &Collector{
		store:     store,
		startTime: time.Now(),
	}
}

// StartTime returns when the collector was created (server start time).
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// RecordRequest increments the request counter for the given method.
func (c *Collector) RecordRequest(method string) {
	c.requestsTotal[methodIndex(method)].Add(1)
}

// RecordError increments the request error counter.
func (c *Collector) RecordError() {
	c.requestErrors.Add(1)
}

// RecordLatency accumulates request duration for the latency summary.
func (c *Collector) RecordLatency(d time.Duration) {
	c.latencySumNanos.Add(int64(d))
	c.latencyCount.Add(1)
}

// RecordApply increments the per-outcome change application counter.
func (c *Collector) RecordApply(status causal.Status) {
	c.applyTotal[statusIndex(status)].Add(1)
}

// RecordRoundServed counts a sync round answered for a peer.
func (c *Collector) RecordRoundServed() {
	c.roundsServed.Add(1)
}

// RecordRoundDriven counts a sync round this node initiated.
func (c *Collector) RecordRoundDriven(err error) {
	c.roundsDriven.Add(1)
	if err != nil {
		c.roundErrors.Add(1)
	}
}

// RecordExchange adds to the pushed/pulled change counters.
func (c *Collector) RecordExchange(pushed, pulled int) {
	c.changesPushed.Add(int64(pushed))
	c.changesPulled.Add(int64(pulled))
}

// RecordGaps counts causal gaps reported during rounds.
func (c *Collector) RecordGaps(n int) {
	c.gapsReported.Add(int64(n))
}

// RecordEvictions counts buffered changes dropped after aging out.
func (c *Collector) RecordEvictions(n int) {
	c.pendingEvicted.Add(int64(n))
}

// RecordMalformed counts change payloads rejected by the codec.
func (c *Collector) RecordMalformed(n int) {
	c.malformed.Add(int64(n))
}

// ServeHTTP handles GET /metrics in Prometheus exposition format.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var totalRequests int64
	for i := 0; i < methodCount; i++ {
		v := c.requestsTotal[i].Load()
		totalRequests += v
		fmt.Fprintf(w, "wardsync_requests_total{method=%q} %d\n", methodLabel(i), v)
	}
	fmt.Fprintf(w, "wardsync_requests_total_sum %d\n", totalRequests)
	fmt.Fprintf(w, "wardsync_request_errors_total %d\n", c.requestErrors.Load())

	for i := 0; i < statusCount; i++ {
		fmt.Fprintf(w, "wardsync_changes_applied_total{status=%q} %d\n", statusLabel(i), c.applyTotal[i].Load())
	}
	fmt.Fprintf(w, "wardsync_rounds_served_total %d\n", c.roundsServed.Load())
	fmt.Fprintf(w, "wardsync_rounds_driven_total %d\n", c.roundsDriven.Load())
	fmt.Fprintf(w, "wardsync_round_errors_total %d\n", c.roundErrors.Load())
	fmt.Fprintf(w, "wardsync_changes_pushed_total %d\n", c.changesPushed.Load())
	fmt.Fprintf(w, "wardsync_changes_pulled_total %d\n", c.changesPulled.Load())
	fmt.Fprintf(w, "wardsync_causal_gaps_total %d\n", c.gapsReported.Load())
	fmt.Fprintf(w, "wardsync_pending_evicted_total %d\n", c.pendingEvicted.Load())
	fmt.Fprintf(w, "wardsync_malformed_changes_total %d\n", c.malformed.Load())

	fmt.Fprintf(w, "wardsync_request_latency_seconds_sum %.6f\n", float64(c.latencySumNanos.Load())/1e9)
	fmt.Fprintf(w, "wardsync_request_latency_seconds_count %d\n", c.latencyCount.Load())

	fmt.Fprintf(w, "wardsync_uptime_seconds %.0f\n", time.Since(c.startTime).Seconds())

	// Store depth gauges, read fresh on every scrape.
	if stats, err := c.store.CollectStats(); err == nil {
		fmt.Fprintf(w, "wardsync_records_total %d\n", stats.Records)
		fmt.Fprintf(w, "wardsync_changelog_depth %d\n", stats.Changelog)
		fmt.Fprintf(w, "wardsync_pending_depth %d\n", stats.Pending)
		fmt.Fprintf(w, "wardsync_review_open %d\n", stats.OpenReview)
		fmt.Fprintf(w, "wardsync_devices_total %d\n", stats.Devices)
	}

	// Go runtime metrics
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Fprintf(w, "wardsync_go_goroutines %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "wardsync_go_memory_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "wardsync_go_memory_sys_bytes %d\n", mem.Sys)
	fmt.Fprintf(w, "wardsync_go_gc_total %d\n", mem.NumGC)
}
