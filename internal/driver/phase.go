package driver

import "time"

// transitionTo moves the driver to phase p, reporting the time spent in the
// previous phase to the metrics sink. Caller must hold d.mu.
func (d *Driver) transitionTo(p Phase) {
	now := time.Now()
	if d.metrics != nil {
		d.metrics.ObservePhaseDuration(d.cursor.CollectionName, d.phase, now.Sub(d.phaseStartTime).Seconds())
	}
	prev := d.phase
	d.phase = p
	d.phaseStartTime = now
	d.logger.Debug("driver: phase transition", "from", prev, "to", p, "collection", d.cursor.CollectionName)

	if p == PhaseSteady {
		d.beSteadyLocked()
	}
}

// beSteadyLocked hands every write token accumulated while not STEADY to the
// multiplexer's next flush, so writers waiting on them see the write only
// once it's visible to the client. Caller must hold d.mu.
func (d *Driver) beSteadyLocked() {
	pending := d.writesToCommitWhenWeReachSteady
	d.writesToCommitWhenWeReachSteady = nil
	if len(pending) == 0 {
		return
	}
	d.mux.OnFlush(func() {
		for _, t := range pending {
			t.Committed()
		}
	})
}
