package pipeline

import (
	"time"

	"github.com/eljapi/code-talk-reviwer/domain/entities"
)

// alertTracker moves the quality state one step at a time after k
// consecutive windows agree.
type alertTracker struct {
	k        int
	degraded time.Duration
	critical time.Duration
	state    entities.AlertState

	ok   int // below degraded
	mid  int // degraded <= p95 < critical
	over int // at or above degraded
	crit int // at or above critical
}

func newAlertTracker(k int, degraded, critical time.Duration) *alertTracker {
	return &alertTracker{k: k, degraded: degraded, critical: critical, state: entities.AlertNominal}
}

func (a *alertTracker) observe(p95 time.Duration) (entities.AlertState, bool) {
	switch {
	case p95 >= a.critical:
		a.crit++
		a.over++
		a.mid, a.ok = 0, 0
	case p95 >= a.degraded:
		a.mid++
		a.over++
		a.crit, a.ok = 0, 0
	default:
		a.ok++
		a.mid, a.over, a.crit = 0, 0, 0
	}

	next := a.state
	switch a.state {
	case entities.AlertNominal:
		if a.over >= a.k {
			next = entities.AlertDegraded
		}
	case entities.AlertDegraded:
		if a.crit >= a.k {
			next = entities.AlertCritical
		} else if a.ok >= a.k {
			next = entities.AlertNominal
		}
	case entities.AlertCritical:
		if a.ok >= a.k {
			next = entities.AlertNominal
		} else if a.mid >= a.k {
			next = entities.AlertDegraded
		}
	}
	return a.set(next)
}

// forceDegraded raises nominal to degraded immediately, used on overflow
func (a *alertTracker) forceDegraded() (entities.AlertState, bool) {
	if a.state != entities.AlertNominal {
		return a.state, false
	}
	return a.set(entities.AlertDegraded)
}

func (a *alertTracker) set(next entities.AlertState) (entities.AlertState, bool) {
	if next == a.state {
		return a.state, false
	}
	a.state = next
	a.ok, a.mid = 0, 0
	if next != entities.AlertCritical {
		a.crit = 0
	}
	return next, true
}

func (a *alertTracker) reset() {
	a.state = entities.AlertNominal
	a.ok, a.mid, a.over, a.crit = 0, 0, 0, 0
}
