// Package loadstats aggregates measurements from many load test clients and
// prints a summary with percentile distributions.
package loadstats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	echoLatencies    []time.Duration
	errors           int
	connections      int
	sent             int
	received         int
	violations       int
	startTime        time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a connection that reached the open state after d.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent records one sent message.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddEcho records a client's own message coming back after d.
func (c *Collector) AddEcho(d time.Duration) {
	c.mu.Lock()
	c.echoLatencies = append(c.echoLatencies, d)
	c.mu.Unlock()
}

// AddReceived records n messages admitted to a client's log.
func (c *Collector) AddReceived(n int) {
	c.mu.Lock()
	c.received += n
	c.mu.Unlock()
}

// AddViolation records a logged message that belongs to another room.
func (c *Collector) AddViolation() {
	c.mu.Lock()
	c.violations++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Summary is a point-in-time copy of the counters.
type Summary struct {
	Connections int
	Sent        int
	Received    int
	Violations  int
	Errors      int
}

// Summary returns the current counters.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Connections: c.connections,
		Sent:        c.sent,
		Received:    c.received,
		Violations:  c.violations,
		Errors:      c.errors,
	}
}

// Report writes a formatted summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Sent:         %d\n", c.sent)
	fmt.Fprintf(w, "Received:     %d\n", c.received)
	fmt.Fprintf(w, "Violations:   %d\n", c.violations)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	if len(c.connectLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, Percentiles(c.connectLatencies))
	}
	if len(c.echoLatencies) > 0 {
		fmt.Fprintln(w, "\n--- Echo Latency ---")
		fmt.Fprintln(w, Percentiles(c.echoLatencies))
	}
	fmt.Fprintln(w)
}

// Percentiles formats avg, p50, p95, p99 and max of durations. The slice is
// sorted in place.
func Percentiles(durations []time.Duration) string {
	n := len(durations)
	if n == 0 {
		return "  (no samples)"
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
