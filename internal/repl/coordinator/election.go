package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"replset/internal/pubsub"
	"replset/internal/repl"
)

// electionReason distinguishes why the node stood for election.
type electionReason uint8

const (
	electionTimeoutReason electionReason = iota
	priorityTakeoverReason
)

func (r electionReason) String() string {
	switch r {
	case priorityTakeoverReason:
		return "priority takeover"
	default:
		return "election timeout"
	}
}

// onElectionTimeout fires when the election-timeout deadline passed without a
// heartbeat from a primary.
func (c *Coordinator) onElectionTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.electionTimer.current(gen) || c.stopped {
		return
	}
	c.electionTimer.handle = nil

	if c.role != repl.Follower || !c.selfElectableLocked() {
		log.WithFields(log.Fields{
			"member": c.selfID,
			"role":   c.role.String(),
		}).Debug("election timeout fired but member cannot stand for election")
		c.rearmElectionTimeoutLocked()
		return
	}

	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   c.term,
	}).Info("starting an election, since we've seen no primary in the past election timeout period")
	c.startCandidacyLocked(electionTimeoutReason)
}

// onPriorityTakeover fires at a scheduled takeover deadline. Eligibility is
// re-checked here: a node that fell behind or lost its priority edge in the
// meantime skips the candidacy, which is logged, not an error; the schedule
// is recomputed on the next qualifying heartbeat round.
func (c *Coordinator) onPriorityTakeover(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.takeoverTimer.current(gen) || c.stopped {
		return
	}
	c.takeoverTimer.handle = nil

	if !c.eligibleForPriorityTakeoverLocked() {
		log.WithFields(log.Fields{
			"member": c.selfID,
			"term":   c.term,
		}).Info("not standing for election; member is no longer caught up enough or no longer the top priority")
		return
	}

	if c.metrics != nil {
		c.metrics.RecordPriorityTakeover()
	}
	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   c.term,
	}).Info("starting an election for a priority takeover")
	c.startCandidacyLocked(priorityTakeoverReason)
}

// startCandidacyLocked transitions to candidate and launches the two-phase
// election in its own goroutine. Caller must hold c.mu.
func (c *Coordinator) startCandidacyLocked(reason electionReason) {
	if c.electionInProgress {
		return
	}

	from := c.role
	c.role = repl.Candidate
	c.electionInProgress = true
	c.publishRoleChangeLocked(from, repl.Candidate)

	ctx, cancel := context.WithCancel(context.Background())
	c.electionCancel = cancel
	gen := c.electionGen

	if c.metrics != nil {
		c.metrics.RecordElectionStarted()
	}

	c.wg.Add(1)
	go c.runElection(ctx, gen, reason)
}

// cancelElectionLocked invalidates any in-flight election: the generation
// bump makes the election goroutine abandon its result at its next
// scheduling point, and the context cancel aborts its outstanding RPCs.
// Idempotent; a no-op when no election is running. Caller must hold c.mu.
func (c *Coordinator) cancelElectionLocked() {
	c.electionGen++
	if c.electionCancel != nil {
		c.electionCancel()
		c.electionCancel = nil
	}
}

// electionCancelledLocked reports whether the election identified by gen has
// been invalidated. Caller must hold c.mu.
func (c *Coordinator) electionCancelledLocked(gen uint64) bool {
	return c.stopped || gen != c.electionGen
}

// runElection drives the two sequential vote phases. The dry run solicits
// votes for term+1 without touching the local term, so a candidate that would
// lose anyway does not disrupt the group with a wasted term bump. Only after
// the dry run succeeds does the node advance its term, durably record a vote
// for itself, and solicit real votes.
func (c *Coordinator) runElection(ctx context.Context, gen uint64, reason electionReason) {
	defer c.wg.Done()
	start := c.clock.Now()

	// Snapshot the view the candidacy runs under. A reconfig can rewrite
	// c.cfg and c.selfIndex (to -1, when it removes this member) while the
	// vote rounds are in flight; the rounds must keep using the snapshot and
	// the cancellation checks below discard their result.
	c.mu.Lock()
	cfg := c.cfg
	selfIndex := c.selfIndex
	dryRunTerm := c.term + 1
	lastApplied := c.lastApplied
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   dryRunTerm,
		"reason": reason.String(),
	}).Info("conducting a dry run election")

	tally := c.requestVotes(ctx, cfg, selfIndex, dryRunTerm, true, lastApplied)

	c.mu.Lock()
	if c.electionCancelledLocked(gen) {
		c.finishElectionLocked(dryRunTerm, false, "election was cancelled during the dry run")
		c.mu.Unlock()
		return
	}
	switch tally.Outcome {
	case Superseded:
		higher := tally.HigherTerm
		c.finishElectionLocked(dryRunTerm, false, "not running for primary, we have been superseded already")
		c.updateTermLocked(higher)
		c.mu.Unlock()
		return
	case InsufficientVotes:
		c.finishElectionLocked(dryRunTerm, false, "not running for primary, we received insufficient votes")
		c.mu.Unlock()
		return
	}

	// Dry run succeeded. Advance the term and record the self-vote; the vote
	// must be durable before any real vote request leaves this node.
	newTerm := c.term + 1
	c.term = newTerm
	vote := repl.LastVote{Term: newTerm, CandidateIndex: int32(selfIndex)}
	c.lastVote = &vote
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   newTerm,
	}).Info("dry election run succeeded, running for election")

	if err := c.store.StoreLastVote(vote); err != nil {
		log.WithFields(log.Fields{
			"member": c.selfID,
			"term":   newTerm,
		}).WithError(err).Error("failed to persist the vote for ourselves, abandoning the election")

		c.mu.Lock()
		c.finishElectionLocked(newTerm, false, "could not durably record the vote")
		c.mu.Unlock()
		return
	}

	tally = c.requestVotes(ctx, cfg, selfIndex, newTerm, false, lastApplied)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.electionCancelledLocked(gen) {
		c.finishElectionLocked(newTerm, false, "election was cancelled")
		return
	}
	switch tally.Outcome {
	case Superseded:
		higher := tally.HigherTerm
		c.finishElectionLocked(newTerm, false, "not becoming primary, we have been superseded already")
		c.updateTermLocked(higher)
		return
	case InsufficientVotes:
		c.finishElectionLocked(newTerm, false, "not becoming primary, we received insufficient votes")
		return
	}

	if c.term != newTerm {
		// Some other path moved the term while the tally was concluding.
		c.finishElectionLocked(newTerm, false, "not becoming primary, the term moved on during the vote")
		return
	}

	c.becomeLeaderLocked(newTerm, start)
}

// becomeLeaderLocked completes a won election: leader role, fresh election id,
// applier at Running with writes still gated, election and takeover timers
// disarmed, and the catch-up phase handed off. Caller must hold c.mu.
func (c *Coordinator) becomeLeaderLocked(term int64, electionStart time.Time) {
	from := c.role
	c.role = repl.Leader
	c.applier = repl.ApplierRunning
	c.electionID = uuid.New()
	c.primaryIndex = c.selfIndex
	c.electionTimer.cancel()
	c.takeoverTimer.cancel()

	if c.metrics != nil {
		c.metrics.RecordElectionWon(c.clock.Now().Sub(electionStart))
	}

	c.finishElectionLocked(term, true, "")
	c.publishRoleChangeLocked(from, repl.Leader)

	catchUpGen := c.electionGen
	c.wg.Add(1)
	go c.runCatchUp(catchUpGen, term)
}

// finishElectionLocked terminates the current election attempt, reverting to
// follower when the attempt lost, and wakes anyone blocked in
// WaitForElectionFinish. Caller must hold c.mu.
func (c *Coordinator) finishElectionLocked(term int64, won bool, reason string) {
	if !c.electionInProgress {
		return
	}
	c.electionInProgress = false
	if c.electionCancel != nil {
		// Release the attempt's context so nothing tied to it outlives the
		// election.
		c.electionCancel()
		c.electionCancel = nil
	}

	entry := log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   term,
	})
	if won {
		entry.Info("election succeeded, assuming primary role")
	} else {
		entry.Info(reason)
	}

	if !won && c.role == repl.Candidate {
		c.becomeFollowerLocked(reason)
	}

	pubsub.Publish(c.pubSub, pubsub.NewEvent(ElectionFinished, ElectionFinishedPayload{
		Term:   term,
		Won:    won,
		Reason: reason,
	}))
}
