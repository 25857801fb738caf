package coordinator

import (
	"time"

	log "github.com/sirupsen/logrus"

	"replset/internal/repl"
)

// peerStatus is the last known replication state of one peer, updated only
// from heartbeat and freshness responses as they arrive.
type peerStatus struct {
	state         repl.MemberState
	term          int64
	appliedOpTime repl.OpTime
	durableOpTime repl.OpTime
	lastHeartbeat time.Time
}

// TermUpdateResult is the outcome of offering a candidate term to the node.
type TermUpdateResult uint8

const (
	TermUnchanged TermUpdateResult = iota
	TermUpdated
)

// updateTermLocked adopts candidateTerm if it is newer than the local term.
// Adopting a newer term demotes the node to follower, cancels any in-flight
// election and any scheduled priority takeover. The stored term never
// regresses. Caller must hold c.mu.
func (c *Coordinator) updateTermLocked(candidateTerm int64) TermUpdateResult {
	if candidateTerm <= c.term {
		return TermUnchanged
	}

	log.WithFields(log.Fields{
		"member":  c.selfID,
		"term":    c.term,
		"newTerm": candidateTerm,
	}).Info("observed a higher term, updating local term")

	c.term = candidateTerm
	c.cancelElectionLocked()
	c.takeoverTimer.cancel()

	if c.role != repl.Follower {
		c.becomeFollowerLocked("observed a higher term")
	} else {
		c.rearmElectionTimeoutLocked()
	}
	return TermUpdated
}

// becomeFollowerLocked forces the role to follower, resets the applier state,
// aborts any catch-up in progress, and rearms the election timeout if the
// member is still electable. Caller must hold c.mu.
func (c *Coordinator) becomeFollowerLocked(reason string) {
	from := c.role
	c.role = repl.Follower
	c.applier = repl.ApplierRunning
	c.catchUpTarget = nil
	c.catchUpTimer.cancel()

	if from != repl.Follower {
		log.WithFields(log.Fields{
			"member": c.selfID,
			"term":   c.term,
			"from":   from.String(),
			"reason": reason,
		}).Info("transitioning to follower")
		c.publishRoleChangeLocked(from, repl.Follower)
	}
	c.rearmElectionTimeoutLocked()
}

// memberStateLocked is the state this node reports about itself in heartbeat
// responses. Caller must hold c.mu.
func (c *Coordinator) memberStateLocked() repl.MemberState {
	if c.role == repl.Leader {
		return repl.StatePrimary
	}
	return c.followerState
}

// selfElectableLocked reports whether this node may stand for election under
// the current config: configured electable, present in the member list, and
// in an ordinary secondary follower mode. Caller must hold c.mu.
func (c *Coordinator) selfElectableLocked() bool {
	if c.selfIndex < 0 || c.selfIndex >= len(c.cfg.Members) {
		return false
	}
	if c.followerState != repl.StateSecondary {
		return false
	}
	return c.cfg.Members[c.selfIndex].IsElectable()
}

// randomizedElectionOffsetLocked draws the randomized slice added to the
// election timeout so that members do not all stand simultaneously. The
// offset is uniform over [0, electionTimeout * offsetFraction], computed in
// whole milliseconds; when the bound truncates to zero (a 1ms election
// timeout, say) the offset is exactly zero rather than a division by zero.
// Caller must hold c.mu.
func (c *Coordinator) randomizedElectionOffsetLocked() time.Duration {
	settings := c.cfg.Settings
	bound := int64(float64(settings.ElectionTimeout.Milliseconds()) * settings.ElectionOffsetFraction)
	if bound <= 0 {
		return 0
	}
	return time.Duration(c.rng.Int63n(bound+1)) * time.Millisecond
}

// priorityTakeoverDelayLocked computes the per-rank staggered delay before a
// higher-priority member stands against a lower-priority primary. Lower ranks
// (higher priorities) fire sooner; every member adds the same randomized
// offset it would add to an election timeout. Caller must hold c.mu.
func (c *Coordinator) priorityTakeoverDelayLocked(rank int) time.Duration {
	base := c.cfg.Settings.ElectionTimeout / 2 * time.Duration(rank+1)
	return base + c.randomizedElectionOffsetLocked()
}

// rearmElectionTimeoutLocked (re)schedules the election-timeout deadline:
// now + electionTimeout + randomized offset. A heartbeat from the current
// primary rearms it; reaching the deadline unanswered triggers candidacy.
// Caller must hold c.mu.
func (c *Coordinator) rearmElectionTimeoutLocked() {
	if !c.started || c.stopped || !c.selfElectableLocked() || c.role != repl.Follower {
		c.electionTimer.cancel()
		return
	}

	delay := c.cfg.Settings.ElectionTimeout + c.randomizedElectionOffsetLocked()
	c.electionTimer.rearm(c.clock, delay, c.onElectionTimeout)

	log.WithFields(log.Fields{
		"member":   c.selfID,
		"deadline": c.clock.Now().Add(delay),
	}).Debug("election timeout scheduled")
}

// bestKnownOpTimeLocked is the newest applied OpTime across this node and
// every peer it has heard from. Caller must hold c.mu.
func (c *Coordinator) bestKnownOpTimeLocked() repl.OpTime {
	best := c.lastApplied
	for _, ps := range c.peers {
		if ps.state == repl.StateUnknown {
			continue
		}
		best = repl.MaxOpTime(best, ps.appliedOpTime)
	}
	return best
}

// caughtUpEnoughLocked reports whether this node's applied OpTime is within
// one whole second of the best known OpTime in the set. Caller must hold c.mu.
func (c *Coordinator) caughtUpEnoughLocked() bool {
	return c.lastApplied.WithinOneSecondOf(c.bestKnownOpTimeLocked())
}

// eligibleForPriorityTakeoverLocked reports whether this node should unseat
// the current primary: it must be an electable follower, caught up enough,
// strictly higher priority than the primary, and strictly higher priority
// than every peer that is itself caught up enough. Caller must hold c.mu.
func (c *Coordinator) eligibleForPriorityTakeoverLocked() bool {
	if c.role != repl.Follower || !c.selfElectableLocked() {
		return false
	}
	if c.primaryIndex < 0 || c.primaryIndex == c.selfIndex || c.primaryIndex >= len(c.cfg.Members) {
		return false
	}

	selfPriority := c.cfg.Members[c.selfIndex].Priority
	if selfPriority <= c.cfg.Members[c.primaryIndex].Priority {
		return false
	}
	if !c.caughtUpEnoughLocked() {
		return false
	}

	best := c.bestKnownOpTimeLocked()
	for id, ps := range c.peers {
		if ps.state == repl.StateUnknown {
			continue
		}
		idx := c.cfg.FindMemberIndex(id)
		if idx < 0 || idx == c.primaryIndex {
			continue
		}
		if ps.appliedOpTime.WithinOneSecondOf(best) && c.cfg.Members[idx].Priority >= selfPriority {
			return false
		}
	}
	return true
}

// considerPriorityTakeoverLocked arms the takeover timer when this node has
// become eligible and none is scheduled yet. The timer fire re-checks
// eligibility, so a node that fell behind in the meantime just skips.
// Caller must hold c.mu.
func (c *Coordinator) considerPriorityTakeoverLocked() {
	if c.takeoverTimer.handle != nil {
		return
	}
	if !c.eligibleForPriorityTakeoverLocked() {
		return
	}

	rank := c.cfg.ElectableRank(c.selfIndex)
	if rank < 0 {
		return
	}
	delay := c.priorityTakeoverDelayLocked(rank)
	c.takeoverTimer.rearm(c.clock, delay, c.onPriorityTakeover)

	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   c.term,
		"delay":  delay,
	}).Info("scheduling a priority takeover against the current primary")
}

// rebuildPeerTableLocked resets the per-peer status table for the current
// config, preserving nothing from the old view. Caller must hold c.mu.
func (c *Coordinator) rebuildPeerTableLocked() {
	c.peers = make(map[int32]*peerStatus, len(c.cfg.Members))
	for i, m := range c.cfg.Members {
		if i == c.selfIndex {
			continue
		}
		c.peers[m.ID] = &peerStatus{state: repl.StateUnknown}
	}
	c.primaryIndex = -1
}
