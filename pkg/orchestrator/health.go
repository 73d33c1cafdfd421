package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
)

const (
	componentNormalizer = "normalizer"
	componentRules      = "rule_engine"
	componentPredictive = "predictive_layer"
	componentAudit      = "audit_log"
	componentPatients   = "patient_data"

	healthWindow        = 100
	unhealthyErrorRate  = 0.5
	degradedErrorRate   = 0.1
	slowResponseMs      = 2000
	exposedResponseTime = 10
)

var healthRank = map[string]int{
	models.HealthHealthy:   0,
	models.HealthDegraded:  1,
	models.HealthUnhealthy: 2,
}

// samples is a fixed-size ring of the latest calls to one component.
type samples struct {
	durations []float64
	failed    []bool
	next      int
	filled    int
	lastError string
}

func (s *samples) add(ms float64, err error) {
	s.durations[s.next] = ms
	s.failed[s.next] = err != nil
	if err != nil {
		s.lastError = err.Error()
	}
	s.next = (s.next + 1) % len(s.durations)
	if s.filled < len(s.durations) {
		s.filled++
	}
}

func (s *samples) snapshot() models.ComponentHealth {
	h := models.ComponentHealth{Status: models.HealthHealthy, Samples: s.filled, LastError: s.lastError, ResponseTimesMs: []float64{}}
	if s.filled == 0 {
		return h
	}
	var total float64
	var failures int
	// oldest to newest
	start := (s.next - s.filled + len(s.durations)) % len(s.durations)
	for i := 0; i < s.filled; i++ {
		idx := (start + i) % len(s.durations)
		total += s.durations[idx]
		if s.failed[idx] {
			failures++
		}
		if i >= s.filled-exposedResponseTime {
			h.ResponseTimesMs = append(h.ResponseTimesMs, s.durations[idx])
		}
	}
	h.AvgResponseMs = total / float64(s.filled)
	h.ErrorRate = float64(failures) / float64(s.filled)
	switch {
	case h.ErrorRate > unhealthyErrorRate:
		h.Status = models.HealthUnhealthy
	case h.ErrorRate > degradedErrorRate || h.AvgResponseMs > slowResponseMs:
		h.Status = models.HealthDegraded
	}
	return h
}

type healthTracker struct {
	mu         sync.Mutex
	components map[string]*samples
	checks     int64
	succeeded  int64
}

func newHealthTracker() *healthTracker {
	t := &healthTracker{components: make(map[string]*samples)}
	for _, name := range []string{componentNormalizer, componentRules, componentPredictive, componentAudit} {
		t.components[name] = newSamples()
	}
	return t
}

func newSamples() *samples {
	return &samples{durations: make([]float64, healthWindow), failed: make([]bool, healthWindow)}
}

func (t *healthTracker) record(component string, elapsed time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.components[component]
	if !ok {
		s = newSamples()
		t.components[component] = s
	}
	s.add(durationMs(elapsed), err)
}

func (t *healthTracker) recordCheck(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks++
	if !failed {
		t.succeeded++
	}
}

// report rolls components up to one status. The predictive layer is
// optional: on its own it can only make the service degraded.
func (t *healthTracker) report(now time.Time) models.HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := models.HealthReport{
		Status:        models.HealthHealthy,
		Components:    make(map[string]models.ComponentHealth, len(t.components)),
		UptimePercent: 100,
		CheckedAt:     now,
	}
	for name, s := range t.components {
		h := s.snapshot()
		rep.Components[name] = h
		status := h.Status
		if name == componentPredictive && status == models.HealthUnhealthy {
			status = models.HealthDegraded
		}
		if healthRank[status] > healthRank[rep.Status] {
			rep.Status = status
		}
	}
	if t.checks > 0 {
		rep.UptimePercent = float64(t.succeeded) / float64(t.checks) * 100
	}
	return rep
}

// Health reports per-component status from recent calls.
func (s *Service) Health(_ context.Context) models.HealthReport {
	return s.health.report(s.now())
}
