package coordinator

import (
	"context"
	"strconv"

	log "github.com/sirupsen/logrus"

	"replset/internal/repl"
)

// onHeartbeatRound fires every heartbeat interval. It rearms itself first, so
// a slow round never silences the driver, then probes every peer
// concurrently. Responses are funneled back through
// processHeartbeatResponse one at a time under the coordination lock.
func (c *Coordinator) onHeartbeatRound(gen uint64) {
	c.mu.Lock()
	if !c.heartbeatTimer.current(gen) || c.stopped {
		c.mu.Unlock()
		return
	}
	cfg := c.cfg
	selfIndex := c.selfIndex
	c.heartbeatTimer.rearm(c.clock, cfg.Settings.HeartbeatInterval, c.onHeartbeatRound)
	peerCount := 0
	for i := range cfg.Members {
		if i != selfIndex {
			peerCount++
		}
	}
	// Register the fan-out with the wait group while still holding the lock
	// so Stop cannot slip its Wait in between the stopped check and the Add.
	c.wg.Add(peerCount)
	c.mu.Unlock()

	req := &repl.HeartbeatRequest{
		SetName:       cfg.Name,
		ConfigVersion: cfg.Version,
		SenderIndex:   int32(selfIndex),
	}

	for i, m := range cfg.Members {
		if i == selfIndex {
			continue
		}
		member := m
		go func() {
			defer c.wg.Done()
			if c.metrics != nil {
				c.metrics.RecordHeartbeat()
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Settings.HeartbeatInterval)
			defer cancel()

			resp, err := c.gateway.Heartbeat(ctx, member.Host, req)
			c.processHeartbeatResponse(member.ID, resp, err)
		}()
	}
}

// processHeartbeatResponse serializes one peer's heartbeat result into the
// topology state: it refreshes the peer's status row, adopts any higher term,
// treats a primary's heartbeat as grounds to push back the election timeout,
// and re-evaluates whether this node should schedule a priority takeover.
func (c *Coordinator) processHeartbeatResponse(memberID int32, resp *repl.HeartbeatResponse, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	ps, ok := c.peers[memberID]
	if !ok {
		// The config moved on while the probe was in flight.
		return
	}

	if err != nil {
		log.WithFields(log.Fields{
			"member": c.selfID,
			"peer":   memberID,
		}).WithError(err).Debug("heartbeat to peer failed")
		if idx := c.cfg.FindMemberIndex(memberID); idx >= 0 && idx == c.primaryIndex {
			// Lost contact with the primary; keep its last optimes but stop
			// treating it as an answering primary.
			c.primaryIndex = -1
		}
		return
	}

	if resp.SetName != c.cfg.Name {
		log.WithFields(log.Fields{
			"member":   c.selfID,
			"peer":     memberID,
			"expected": c.cfg.Name,
			"got":      resp.SetName,
		}).Warn("heartbeat response from a different replica set, ignoring")
		return
	}
	if resp.ConfigVersion != c.cfg.Version {
		log.WithFields(log.Fields{
			"member":      c.selfID,
			"peer":        memberID,
			"ourVersion":  c.cfg.Version,
			"peerVersion": resp.ConfigVersion,
		}).Warn("heartbeat response with a mismatched config version, ignoring")
		return
	}

	ps.state = resp.State
	ps.term = resp.Term
	ps.appliedOpTime = resp.AppliedOpTime
	ps.durableOpTime = resp.DurableOpTime
	ps.lastHeartbeat = c.clock.Now()

	if c.updateTermLocked(resp.Term) == TermUpdated {
		return
	}

	idx := c.cfg.FindMemberIndex(memberID)
	if resp.State == repl.StatePrimary {
		c.primaryIndex = idx
		if c.role == repl.Follower {
			// A live primary holds off our candidacy.
			c.rearmElectionTimeoutLocked()
		}
	} else if idx >= 0 && idx == c.primaryIndex {
		c.primaryIndex = -1
	}

	c.considerPriorityTakeoverLocked()
}

// HandleHeartbeat answers a peer's probe with this node's replication state.
// A mismatched set name or config version is a protocol error surfaced to the
// caller; it is never interpreted as a vote or term signal.
func (c *Coordinator) HandleHeartbeat(req *repl.HeartbeatRequest) (*repl.HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return nil, ErrNotStarted
	}
	if req.SetName != c.cfg.Name {
		return nil, &ProtocolError{
			Op:       "heartbeat",
			Expected: c.cfg.Name,
			Got:      req.SetName,
			What:     "replica set name",
		}
	}
	if req.ConfigVersion != c.cfg.Version {
		return nil, &ProtocolError{
			Op:       "heartbeat",
			Expected: strconv.FormatInt(c.cfg.Version, 10),
			Got:      strconv.FormatInt(req.ConfigVersion, 10),
			What:     "config version",
		}
	}

	return &repl.HeartbeatResponse{
		SetName:       c.cfg.Name,
		ConfigVersion: c.cfg.Version,
		State:         c.memberStateLocked(),
		Term:          c.term,
		AppliedOpTime: c.lastApplied,
		DurableOpTime: c.lastDurable,
	}, nil
}

// HandleFreshness answers a freshness scan with this node's applied OpTime.
func (c *Coordinator) HandleFreshness(req *repl.FreshnessRequest) (*repl.FreshnessResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return nil, ErrNotStarted
	}
	if req.SetName != c.cfg.Name {
		return nil, &ProtocolError{
			Op:       "freshness",
			Expected: c.cfg.Name,
			Got:      req.SetName,
			What:     "replica set name",
		}
	}
	return &repl.FreshnessResponse{AppliedOpTime: c.lastApplied}, nil
}
