package coordinator

import (
	"context"

	log "github.com/sirupsen/logrus"

	"replset/internal/pubsub"
	"replset/internal/repl"
	"replset/internal/repl/config"
)

// runCatchUp is the post-election catch-up phase. A fresh leader may hold
// staler data than the most up-to-date member of the set; until parity is
// reached (or the bounded wait gives up) writes stay gated. The phase starts
// with a freshness scan of every peer, then either skips straight to
// draining, waits for the local apply pipeline to reach the observed maximum,
// or times out and proceeds degraded with the data it has.
func (c *Coordinator) runCatchUp(gen uint64, term int64) {
	defer c.wg.Done()

	// Snapshot the view this tenure was won under; a concurrent reconfig can
	// rewrite c.cfg and c.selfIndex while the scan is in flight.
	c.mu.Lock()
	cfg := c.cfg
	selfIndex := c.selfIndex
	c.mu.Unlock()

	target, responded := c.scanPeerFreshness(cfg, selfIndex)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.catchUpAbortedLocked(gen, term) {
		log.WithFields(log.Fields{
			"member": c.selfID,
			"term":   term,
		}).Info("stopped transition to primary, catch-up was aborted")
		return
	}

	entry := log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   term,
	})

	switch {
	case responded == 0 && len(c.peers) > 0:
		entry.Warn("could not access any nodes within the scan timeout, skipping catch-up")
		c.enterDrainingLocked("skipped")
	case len(c.peers) == 0:
		entry.Info("no peers to catch up to, skipping catch-up")
		c.enterDrainingLocked("skipped")
	case !c.lastApplied.Before(target):
		entry.Info("my optime is most up-to-date, skipping catch-up")
		c.enterDrainingLocked("skipped")
	default:
		entry.WithField("target", target.String()).Info("waiting to catch up to the most up-to-date member")
		t := target
		c.catchUpTarget = &t
		c.catchUpTimer.rearm(c.clock, cfg.Settings.CatchUpTimeout, c.onCatchUpTimeout)
	}
}

// scanPeerFreshness queries every peer for its best-known applied OpTime and
// returns the maximum observed before the scan deadline, along with how many
// peers answered. The scan is bounded to two heartbeat intervals: unreachable
// peers must not block the transition to primary indefinitely.
func (c *Coordinator) scanPeerFreshness(cfg *config.ReplSetConfig, selfIndex int) (repl.OpTime, int) {
	var hosts []string
	for i, m := range cfg.Members {
		if i != selfIndex {
			hosts = append(hosts, m.Host)
		}
	}
	if len(hosts) == 0 {
		return repl.OpTime{}, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Settings.HeartbeatInterval)
	defer cancel()

	req := &repl.FreshnessRequest{SetName: cfg.Name}
	results := make(chan *repl.FreshnessResponse, len(hosts))
	for _, host := range hosts {
		go func(host string) {
			if c.metrics != nil {
				c.metrics.RecordFreshnessScan()
			}
			resp, err := c.gateway.Freshness(ctx, host, req)
			if err != nil {
				results <- nil
				return
			}
			results <- resp
		}(host)
	}

	var best repl.OpTime
	responded := 0
	for i := 0; i < len(hosts); i++ {
		select {
		case resp := <-results:
			if resp != nil {
				responded++
				best = repl.MaxOpTime(best, resp.AppliedOpTime)
			}
		case <-ctx.Done():
			return best, responded
		}
	}
	return best, responded
}

// onCatchUpTimeout fires when the catch-up wait exceeded catchUpTimeoutPeriod
// without the local applied OpTime reaching the scan target. The primary
// proceeds with the data it has; degraded, but not fatal.
func (c *Coordinator) onCatchUpTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.catchUpTimer.current(gen) || c.stopped {
		return
	}
	c.catchUpTimer.handle = nil

	if c.role != repl.Leader || c.catchUpTarget == nil {
		return
	}

	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   c.term,
		"target": c.catchUpTarget.String(),
	}).Warn("could not catch up to the most up-to-date member before the timeout, proceeding anyway")

	c.catchUpTarget = nil
	c.enterDrainingLocked("timedOut")
}

// catchUpAbortedLocked reports whether this catch-up attempt has been
// invalidated by a stepdown, a higher term, or shutdown. Caller must hold c.mu.
func (c *Coordinator) catchUpAbortedLocked(gen uint64, term int64) bool {
	return c.stopped || gen != c.electionGen || c.role != repl.Leader || c.term != term
}

// enterDrainingLocked moves the applier from Running to Draining: catch-up is
// resolved and only the local apply backlog now stands between this leader
// and write-acceptance. Caller must hold c.mu.
func (c *Coordinator) enterDrainingLocked(outcome string) {
	if c.applier != repl.ApplierRunning {
		return
	}
	c.applier = repl.ApplierDraining
	if c.metrics != nil {
		c.metrics.RecordCatchUpOutcome(outcome)
	}
}

// SetLastAppliedOpTime is called by the local data-apply pipeline whenever it
// advances. Besides feeding vote and heartbeat responses, it resolves a
// pending catch-up wait once parity with the scan target is reached.
func (c *Coordinator) SetLastAppliedOpTime(opTime repl.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastApplied = repl.MaxOpTime(c.lastApplied, opTime)

	if c.role == repl.Leader && c.catchUpTarget != nil && c.lastApplied.AtLeast(*c.catchUpTarget) {
		log.WithFields(log.Fields{
			"member": c.selfID,
			"term":   c.term,
		}).Info("finished catch-up after becoming primary")
		c.catchUpTarget = nil
		c.catchUpTimer.cancel()
		c.enterDrainingLocked("succeeded")
	}
}

// SetLastDurableOpTime is called by the local storage layer whenever the
// durable point advances.
func (c *Coordinator) SetLastDurableOpTime(opTime repl.OpTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDurable = repl.MaxOpTime(c.lastDurable, opTime)
}

// SignalDrainComplete reports that the local apply pipeline has flushed the
// backlog accumulated before or while becoming primary. It is a no-op unless
// the given term is still the current term with this node still primary and
// draining; a stale signal from a superseded tenure must never unlock writes.
func (c *Coordinator) SignalDrainComplete(term int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != repl.Leader || c.term != term || c.applier != repl.ApplierDraining {
		log.WithFields(log.Fields{
			"member":      c.selfID,
			"term":        c.term,
			"signalledAt": term,
			"applier":     c.applier.String(),
		}).Debug("ignoring a drain-complete signal that does not match the current tenure")
		return
	}

	c.applier = repl.ApplierStopped
	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   c.term,
	}).Info("apply pipeline drained, transition to primary complete, accepting writes")

	pubsub.Publish(c.pubSub, pubsub.NewEvent(WritesAllowed, c.term))
}
