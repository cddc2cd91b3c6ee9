package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/epochwatch/epochbot/internal/probe"
)

// ServiceStatus is the tracked state of one game service.
type ServiceStatus struct {
	// Online is the last probed reachability.
	Online bool

	// LastOnline holds the previous Online value. It is nil until the
	// first transition is observed.
	LastOnline *bool

	// LastChange is when Online last flipped (or the first
	// observation). It is NOT refreshed by probes that agree with the
	// current state.
	LastChange time.Time
}

// Tracker owns the authoritative service-name to status map. It is
// safe to refresh from the status loop while commands read snapshots.
type Tracker struct {
	prober probe.Prober

	mu       sync.RWMutex
	statuses map[string]ServiceStatus

	// now is replaceable for tests.
	now func() time.Time
}

func NewTracker(p probe.Prober) *Tracker {
	return &Tracker{
		prober:   p,
		statuses: make(map[string]ServiceStatus),
		now:      time.Now,
	}
}

// Refresh probes every endpoint concurrently, waits for all probes to
// resolve or time out, merges the results, and returns the resulting
// snapshot. Statuses are only touched on transitions.
func (t *Tracker) Refresh(ctx context.Context, endpoints []probe.Endpoint) map[string]ServiceStatus {
	results := make([]bool, len(endpoints))

	var wg sync.WaitGroup
	for i, e := range endpoints {
		wg.Add(1)
		go func(i int, e probe.Endpoint) {
			defer wg.Done()
			results[i] = t.prober.Probe(ctx, e.Host, e.Port)
		}(i, e)
	}
	wg.Wait()

	now := t.now()

	t.mu.Lock()
	for i, e := range endpoints {
		current := results[i]

		prev, seen := t.statuses[e.Name]
		if !seen {
			t.statuses[e.Name] = ServiceStatus{
				Online:     current,
				LastOnline: nil,
				LastChange: now,
			}
			continue
		}

		if current != prev.Online {
			was := prev.Online
			t.statuses[e.Name] = ServiceStatus{
				Online:     current,
				LastOnline: &was,
				LastChange: now,
			}
		}
	}
	t.mu.Unlock()

	return t.Snapshot()
}

// Snapshot returns a point-in-time copy of every tracked status.
// The copy may go stale immediately; callers must tolerate that.
func (t *Tracker) Snapshot() map[string]ServiceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]ServiceStatus, len(t.statuses))
	for name, s := range t.statuses {
		if s.LastOnline != nil {
			v := *s.LastOnline
			s.LastOnline = &v
		}
		snapshot[name] = s
	}
	return snapshot
}
