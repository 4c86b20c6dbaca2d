package driver

import "context"

// CaptureWrite begins a write-fence token for a write the embedder just
// issued against the underlying store, and arranges for the token to be
// committed once that write is visible in this driver's result set — or
// immediately, if the driver is already stopped or the wait for the oplog to
// catch up fails. It returns at once; the wait runs in the background.
func (d *Driver) CaptureWrite(ctx context.Context) {
	token := d.fence.BeginWrite()
	go d.waitAndGateToken(ctx, token)
}

func (d *Driver) waitAndGateToken(ctx context.Context, token WriteToken) {
	if err := d.oplog.WaitUntilCaughtUp(ctx); err != nil {
		d.logger.Warn("driver: wait until caught up failed, committing write token immediately",
			"error", err, "collection", d.cursor.CollectionName)
		token.Committed()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		token.Committed()
		return
	}
	if d.phase == PhaseSteady {
		d.mux.OnFlush(func() { token.Committed() })
		return
	}
	d.writesToCommitWhenWeReachSteady = append(d.writesToCommitWhenWeReachSteady, token)
}
