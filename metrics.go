package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

type RequestSample struct {
	Group    string
	Method   string
	URL      string
	Status   int
	Duration time.Duration
	Failed   bool
}

type CheckResult struct {
	Name   string
	Passes int
	Fails  int
}

func (c CheckResult) Rate() float64 {
	total := c.Passes + c.Fails
	if total == 0 {
		return 0
	}
	return float64(c.Passes) / float64(total)
}

// Metrics is the one piece of state every VU writes to. A nil *Metrics
// discards everything.
type Metrics struct {
	mu         sync.Mutex
	checks     map[string]*CheckResult
	checkOrder []string
	samples    []RequestSample
	iterations int
}

func NewMetrics() *Metrics {
	return &Metrics{checks: make(map[string]*CheckResult)}
}

func (m *Metrics) AddCheck(name string, ok bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, found := m.checks[name]
	if !found {
		c = &CheckResult{Name: name}
		m.checks[name] = c
		m.checkOrder = append(m.checkOrder, name)
	}
	if ok {
		c.Passes++
	} else {
		c.Fails++
	}
}

func (m *Metrics) AddSample(s RequestSample) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
}

func (m *Metrics) AddIteration() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.iterations++
	m.mu.Unlock()
}

type Summary struct {
	Iterations int
	Requests   int
	Failed     int
	Checks     []CheckResult

	AvgDuration time.Duration
	P95Duration time.Duration
	MaxDuration time.Duration
}

func (s Summary) FailedRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Requests)
}

// Check returns the counters for one named check.
func (s Summary) Check(name string) (CheckResult, bool) {
	for _, c := range s.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

func (m *Metrics) Summarize() Summary {
	if m == nil {
		return Summary{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		Iterations: m.iterations,
		Requests:   len(m.samples),
	}
	for _, name := range m.checkOrder {
		s.Checks = append(s.Checks, *m.checks[name])
	}

	durations := make([]time.Duration, 0, len(m.samples))
	var total time.Duration
	for _, sample := range m.samples {
		if sample.Failed {
			s.Failed++
		}
		durations = append(durations, sample.Duration)
		total += sample.Duration
	}
	if len(durations) == 0 {
		return s
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.AvgDuration = total / time.Duration(len(durations))
	s.P95Duration = percentile(durations, 0.95)
	s.MaxDuration = durations[len(durations)-1]

	return s
}

// percentile interpolates linearly between the two closest ranks of a
// sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	frac := pos - float64(lower)
	return sorted[lower] + time.Duration(frac*float64(sorted[upper]-sorted[lower]))
}

type ThresholdResult struct {
	Metric string
	Limit  string
	Actual string
	Passed bool
}

// Evaluate applies the configured limits. A zero limit disables that
// threshold.
func (s Summary) Evaluate(t ThresholdConfig) []ThresholdResult {
	var results []ThresholdResult

	if t.MaxFailedRate > 0 {
		rate := s.FailedRate()
		results = append(results, ThresholdResult{
			Metric: "http_req_failed",
			Limit:  fmt.Sprintf("rate<%g", t.MaxFailedRate),
			Actual: fmt.Sprintf("%.2f%%", rate*100),
			Passed: rate < t.MaxFailedRate,
		})
	}
	if t.MaxP95Millis > 0 {
		results = append(results, ThresholdResult{
			Metric: "http_req_duration",
			Limit:  fmt.Sprintf("p(95)<%d", t.MaxP95Millis),
			Actual: fmt.Sprintf("p(95)=%s", s.P95Duration.Round(time.Millisecond)),
			Passed: s.P95Duration < t.MaxP95(),
		})
	}

	return results
}

func allPassed(results []ThresholdResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Render writes the end-of-run tables.
func (s Summary) Render(w io.Writer, thresholds []ThresholdResult) {
	checks := table.NewWriter()
	checks.SetOutputMirror(w)
	checks.SetTitle("Checks")
	checks.AppendHeader(table.Row{"Check", "Passes", "Fails", "Rate"})
	for _, c := range s.Checks {
		checks.AppendRow(table.Row{c.Name, c.Passes, c.Fails, fmt.Sprintf("%.1f%%", c.Rate()*100)})
	}
	checks.SetStyle(table.StyleRounded)
	checks.Render()

	stats := table.NewWriter()
	stats.SetOutputMirror(w)
	stats.SetTitle("Requests")
	stats.AppendHeader(table.Row{"Metric", "Value"})
	stats.AppendRows([]table.Row{
		{"iterations", s.Iterations},
		{"http_reqs", s.Requests},
		{"http_req_failed", fmt.Sprintf("%.2f%% (%d)", s.FailedRate()*100, s.Failed)},
		{"http_req_duration avg", s.AvgDuration.Round(time.Millisecond)},
		{"http_req_duration p(95)", s.P95Duration.Round(time.Millisecond)},
		{"http_req_duration max", s.MaxDuration.Round(time.Millisecond)},
	})
	stats.SetStyle(table.StyleRounded)
	stats.Render()

	if len(thresholds) == 0 {
		return
	}

	limits := table.NewWriter()
	limits.SetOutputMirror(w)
	limits.SetTitle("Thresholds")
	limits.AppendHeader(table.Row{"Metric", "Limit", "Actual", "Result"})
	for _, r := range thresholds {
		result := "✓ pass"
		if !r.Passed {
			result = "✗ crossed"
		}
		limits.AppendRow(table.Row{r.Metric, r.Limit, r.Actual, result})
	}
	limits.SetStyle(table.StyleRounded)
	limits.Render()
}
