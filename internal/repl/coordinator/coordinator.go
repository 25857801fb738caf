package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"replset/internal/pubsub"
	"replset/internal/repl"
	"replset/internal/repl/config"
)

// Coordinator is the public façade over the election and catch-up state
// machine. All mutations of topology state, role, and applier state are
// serialized through one coordination lock; timers and RPC fan-out run on
// other goroutines and only enqueue transitions that are applied under the
// lock, one at a time.
type Coordinator struct {
	mu sync.Mutex
	wg sync.WaitGroup

	// Collaborators, immutable after New.
	gateway      PeerGateway
	store        VoteStore
	clock        Clock
	rng          *rand.Rand
	metrics      MetricsCollector
	pubSub       *pubsub.PubSubClient
	commitConfig func(*config.ReplSetConfig) error

	// Everything below is guarded by mu.
	cfg       *config.ReplSetConfig
	selfID    int32
	selfIndex int

	term          int64
	role          repl.Role
	followerState repl.MemberState
	applier       repl.ApplierState
	electionID    uuid.UUID
	lastVote      *repl.LastVote

	peers        map[int32]*peerStatus
	primaryIndex int
	lastApplied  repl.OpTime
	lastDurable  repl.OpTime

	electionInProgress bool
	electionGen        uint64
	electionCancel     context.CancelFunc
	reconfigInProgress bool
	catchUpTarget      *repl.OpTime

	electionTimer  timerSlot
	takeoverTimer  timerSlot
	catchUpTimer   timerSlot
	heartbeatTimer timerSlot

	started bool
	stopped bool
}

// New builds a Coordinator from the given options. The config must already be
// validated; SelfIndex must identify one of its members.
func New(opts Opts) (*Coordinator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("coordinator requires a replica set config")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("coordinator requires a peer gateway")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("coordinator requires a vote store")
	}
	self, err := opts.Config.MemberAt(opts.SelfIndex)
	if err != nil {
		return nil, fmt.Errorf("invalid self index: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	c := &Coordinator{
		gateway:       opts.Gateway,
		store:         opts.Store,
		clock:         clock,
		rng:           rng,
		metrics:       opts.Metrics,
		pubSub:        pubsub.NewPubSubClient(64),
		commitConfig:  opts.CommitConfig,
		cfg:           opts.Config,
		selfID:        self.ID,
		selfIndex:     opts.SelfIndex,
		role:          repl.Follower,
		followerState: repl.StateSecondary,
		applier:       repl.ApplierRunning,
		primaryIndex:  -1,
	}
	c.rebuildPeerTableLocked()
	return c, nil
}

// EventBus exposes the coordinator's event bus so callers can subscribe to
// RoleChanged, ElectionFinished, and WritesAllowed events.
func (c *Coordinator) EventBus() *pubsub.PubSubClient {
	return c.pubSub
}

// Start seeds the term from the persisted LastVote record, arms the election
// timeout, and begins heartbeating peers.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("coordinator already started")
	}

	vote, err := c.store.LoadLastVote()
	if err != nil {
		return fmt.Errorf("failed to load the last vote record: %w", err)
	}
	if vote != nil {
		// The persisted vote seeds the term so a restarted node can never
		// vote twice in a term it already decided.
		c.lastVote = vote
		if vote.Term > c.term {
			c.term = vote.Term
		}
	}

	c.started = true
	c.rearmElectionTimeoutLocked()
	c.heartbeatTimer.rearm(c.clock, c.cfg.Settings.HeartbeatInterval, c.onHeartbeatRound)

	log.WithFields(log.Fields{
		"member": c.selfID,
		"set":    c.cfg.Name,
		"term":   c.term,
	}).Info("replica set coordinator started")
	return nil
}

// Stop cancels all timers and in-flight work, waits for background goroutines
// to drain, and shuts the event bus down. The coordinator cannot be restarted.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancelElectionLocked()
	c.electionTimer.cancel()
	c.takeoverTimer.cancel()
	c.catchUpTimer.cancel()
	c.heartbeatTimer.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	pubsub.Publish(c.pubSub, pubsub.NewEvent(CoordinatorShutDown, struct{}{}))
	c.pubSub.Shutdown()

	log.WithField("member", c.selfID).Info("replica set coordinator stopped")
}

// Role returns the node's current role.
func (c *Coordinator) Role() repl.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Term returns the node's current term.
func (c *Coordinator) Term() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// ApplierState returns the current write-acceptance gate state.
func (c *Coordinator) ApplierState() repl.ApplierState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applier
}

// CanAcceptWrites reports whether this node is a primary that has finished
// catch-up and drained its apply backlog.
func (c *Coordinator) CanAcceptWrites() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == repl.Leader && c.applier == repl.ApplierStopped
}

// UpdateTerm submits a term observed from any external source. It fails with
// ErrStaleTerm when the term is not newer than the local term; otherwise the
// local term advances and the node steps down if it was primary or candidate.
func (c *Coordinator) UpdateTerm(term int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.updateTermLocked(term) == TermUnchanged {
		return ErrStaleTerm
	}
	return nil
}

// SetFollowerMode moves the node into the given follower-mode state
// (secondary, recovering, rollback, or removed). An in-flight election is
// cancelled first: a cross-phase transition must never race a vote round.
func (c *Coordinator) SetFollowerMode(target repl.MemberState) error {
	switch target {
	case repl.StateSecondary, repl.StateRecovering, repl.StateRollback, repl.StateRemoved:
	default:
		return fmt.Errorf("%s is not a follower-mode state", target)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelElectionLocked()
	c.followerState = target
	if c.role != repl.Follower {
		c.becomeFollowerLocked(fmt.Sprintf("entering %s state", target))
	} else {
		// Election eligibility may have changed either way.
		c.rearmElectionTimeoutLocked()
	}
	return nil
}

// StepDown gracefully relinquishes the primary role.
func (c *Coordinator) StepDown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != repl.Leader {
		return ErrNotPrimary
	}

	log.WithFields(log.Fields{
		"member": c.selfID,
		"term":   c.term,
	}).Info("stepping down from primary")

	c.cancelElectionLocked()
	c.becomeFollowerLocked("stepdown requested")
	return nil
}

// ProcessReconfig replaces the group view with newCfg. Any in-flight election
// and all timers tied to the old view are cancelled, and the node reverts to
// follower: it must re-establish its eligibility under the new membership
// before standing again. Fails with ErrConfigurationInProgress while a
// previous reconfig is still being durably committed.
func (c *Coordinator) ProcessReconfig(newCfg *config.ReplSetConfig) error {
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid replica set config: %w", err)
	}

	c.mu.Lock()
	if c.reconfigInProgress {
		c.mu.Unlock()
		return ErrConfigurationInProgress
	}
	if newCfg.Version <= c.cfg.Version {
		version := c.cfg.Version
		c.mu.Unlock()
		return fmt.Errorf("new config version %d must be greater than the current version %d", newCfg.Version, version)
	}
	if newCfg.Name != c.cfg.Name {
		name := c.cfg.Name
		c.mu.Unlock()
		return fmt.Errorf("config is for replica set %q, this member belongs to %q", newCfg.Name, name)
	}
	c.reconfigInProgress = true
	c.mu.Unlock()

	// Durable commit happens outside the coordination lock; concurrent
	// reconfig attempts are held off by the in-progress flag instead.
	if c.commitConfig != nil {
		if err := c.commitConfig(newCfg); err != nil {
			c.mu.Lock()
			c.reconfigInProgress = false
			c.mu.Unlock()
			return fmt.Errorf("failed to commit the new config: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconfigInProgress = false
	c.cfg = newCfg
	c.selfIndex = newCfg.FindMemberIndex(c.selfID)
	if c.selfIndex < 0 {
		c.followerState = repl.StateRemoved
	} else if c.followerState == repl.StateRemoved {
		c.followerState = repl.StateSecondary
	}
	c.rebuildPeerTableLocked()

	c.cancelElectionLocked()
	c.takeoverTimer.cancel()
	if c.role != repl.Follower {
		c.becomeFollowerLocked("a configuration change arrived")
	} else {
		c.rearmElectionTimeoutLocked()
	}

	log.WithFields(log.Fields{
		"member":  c.selfID,
		"set":     newCfg.Name,
		"version": newCfg.Version,
		"members": len(newCfg.Members),
	}).Info("installed a newer replica set config")
	return nil
}

// WaitForElectionFinish blocks until the in-flight election attempt (if any)
// terminates, or the context is cancelled. It must not be called while
// holding any lock the coordinator's callbacks can take.
func (c *Coordinator) WaitForElectionFinish(ctx context.Context) error {
	ch := make(chan *pubsub.Event[ElectionFinishedPayload], 1)
	id := pubsub.Subscribe(c.pubSub, ElectionFinished, ch, pubsub.SubscriptionOptions{IsBlocking: false})
	defer c.pubSub.Unsubscribe(ElectionFinished, id)

	c.mu.Lock()
	inProgress := c.electionInProgress
	c.mu.Unlock()
	if !inProgress {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleVoteRequest answers a peer's vote solicitation. A real grant is
// durably recorded before the response leaves this node; dry-run requests
// report whether the vote would be granted without binding anything.
func (c *Coordinator) HandleVoteRequest(req *repl.VoteRequest) (*repl.VoteResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return nil, ErrNotStarted
	}

	deny := func(reason string) *repl.VoteResponse {
		log.WithFields(log.Fields{
			"member":    c.selfID,
			"candidate": req.CandidateIndex,
			"term":      req.Term,
			"dryRun":    req.DryRun,
			"reason":    reason,
		}).Info("denying vote request")
		return &repl.VoteResponse{Term: c.term, VoteGranted: false, Reason: reason}
	}

	if req.SetName != c.cfg.Name {
		return deny(fmt.Sprintf("candidate is from replica set %q, not %q", req.SetName, c.cfg.Name)), nil
	}

	// A real request with a newer term moves our term first; a dry run never
	// does, that is its whole point.
	if !req.DryRun && req.Term > c.term {
		c.updateTermLocked(req.Term)
	}

	if req.Term < c.term {
		return deny(fmt.Sprintf("candidate's term %d is lower than my term %d", req.Term, c.term)), nil
	}
	if req.LastAppliedOpTime.Before(c.lastApplied) {
		return deny(fmt.Sprintf("candidate's data %s is staler than mine %s", req.LastAppliedOpTime, c.lastApplied)), nil
	}
	if c.lastVote != nil && c.lastVote.Term >= req.Term && c.lastVote.CandidateIndex != req.CandidateIndex {
		return deny(fmt.Sprintf("already voted for member index %d in term %d", c.lastVote.CandidateIndex, c.lastVote.Term)), nil
	}

	if !req.DryRun {
		vote := repl.LastVote{Term: req.Term, CandidateIndex: req.CandidateIndex}
		if err := c.store.StoreLastVote(vote); err != nil {
			return nil, fmt.Errorf("failed to persist vote for candidate %d: %w", req.CandidateIndex, err)
		}
		c.lastVote = &vote
	}

	log.WithFields(log.Fields{
		"member":    c.selfID,
		"candidate": req.CandidateIndex,
		"term":      req.Term,
		"dryRun":    req.DryRun,
	}).Info("granting vote request")
	return &repl.VoteResponse{Term: c.term, VoteGranted: true}, nil
}

// Status returns a consistent snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		SetName:       c.cfg.Name,
		Term:          c.term,
		Role:          c.role,
		ApplierState:  c.applier,
		ElectionID:    c.electionID,
		ConfigVersion: c.cfg.Version,
		Writable:      c.role == repl.Leader && c.applier == repl.ApplierStopped,
		Members:       make([]MemberStatus, 0, len(c.cfg.Members)),
	}

	for i, m := range c.cfg.Members {
		ms := MemberStatus{ID: m.ID, Host: m.Host}
		if i == c.selfIndex {
			ms.Self = true
			ms.State = c.memberStateLocked()
			ms.Term = c.term
			ms.AppliedOpTime = c.lastApplied
			ms.DurableOpTime = c.lastDurable
		} else if ps, ok := c.peers[m.ID]; ok {
			ms.State = ps.state
			ms.Term = ps.term
			ms.AppliedOpTime = ps.appliedOpTime
			ms.DurableOpTime = ps.durableOpTime
			ms.LastHeartbeat = ps.lastHeartbeat
		}
		status.Members = append(status.Members, ms)
	}
	return status
}

// publishRoleChangeLocked emits a RoleChanged event. Caller must hold c.mu;
// publishing never blocks on subscribers.
func (c *Coordinator) publishRoleChangeLocked(from, to repl.Role) {
	pubsub.Publish(c.pubSub, pubsub.NewEvent(RoleChanged, RoleChangedPayload{
		From: from,
		To:   to,
		Term: c.term,
	}))
}
