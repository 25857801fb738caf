package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replset/internal/pubsub"
	"replset/internal/repl"
	"replset/internal/repl/config"
	"replset/internal/repl/coordinator"
	"replset/internal/repl/mocks"
)

func TestNewValidatesOptions(t *testing.T) {
	cfg := threeNodeConfig()
	require.NoError(t, cfg.Validate())
	gateway := mocks.NewMockGateway()
	store := mocks.NewMockVoteStore()

	tests := []struct {
		name string
		opts coordinator.Opts
	}{
		{"missing config", coordinator.Opts{Gateway: gateway, Store: store}},
		{"missing gateway", coordinator.Opts{Config: cfg, Store: store}},
		{"missing store", coordinator.Opts{Config: cfg, Gateway: gateway}},
		{"self index out of range", coordinator.Opts{Config: cfg, Gateway: gateway, Store: store, SelfIndex: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coordinator.New(tc.opts)
			assert.Error(t, err)
		})
	}
}

func TestStartSeedsTermFromPersistedVote(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	f.store.Seed(repl.LastVote{Term: 7, CandidateIndex: 2})
	f.start(t)

	assert.Equal(t, int64(7), f.coord.Term())

	// The restarted node remembers whom it voted for in term 7.
	resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{
		SetName:        "rs0",
		Term:           7,
		CandidateIndex: 1,
	})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	f.start(t)
	assert.Error(t, f.coord.Start())
}

func TestStartFailsWhenVoteLoadFails(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	f.store.LoadError = errors.New("corrupted record")
	assert.Error(t, f.coord.Start())
}

func TestHandleVoteRequest(t *testing.T) {
	newStarted := func(t *testing.T) *fixture {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		return f
	}

	t.Run("fails before start", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		_, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1})
		assert.ErrorIs(t, err, coordinator.ErrNotStarted)
	})

	t.Run("denies a candidate from another replica set", func(t *testing.T) {
		f := newStarted(t)
		resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs9", Term: 1, CandidateIndex: 1})
		require.NoError(t, err)
		assert.False(t, resp.VoteGranted)
	})

	t.Run("denies a lower term", func(t *testing.T) {
		f := newStarted(t)
		require.NoError(t, f.coord.UpdateTerm(5))

		resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 3, CandidateIndex: 1})
		require.NoError(t, err)
		assert.False(t, resp.VoteGranted)
		assert.Equal(t, int64(5), resp.Term)
	})

	t.Run("denies a candidate with staler data", func(t *testing.T) {
		f := newStarted(t)
		f.coord.SetLastAppliedOpTime(repl.OpTime{Timestamp: testStart.Add(time.Minute), Term: 1})

		resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 1})
		require.NoError(t, err)
		assert.False(t, resp.VoteGranted)
	})

	t.Run("grants and persists a real vote", func(t *testing.T) {
		f := newStarted(t)
		resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 1})
		require.NoError(t, err)
		assert.True(t, resp.VoteGranted)

		vote := f.store.LastVote()
		require.NotNil(t, vote)
		assert.Equal(t, repl.LastVote{Term: 1, CandidateIndex: 1}, *vote)
	})

	t.Run("denies a second candidate in the same term", func(t *testing.T) {
		f := newStarted(t)
		_, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 1})
		require.NoError(t, err)

		resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 2})
		require.NoError(t, err)
		assert.False(t, resp.VoteGranted)

		// The same candidate asking again is fine.
		resp, err = f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 1})
		require.NoError(t, err)
		assert.True(t, resp.VoteGranted)
	})

	t.Run("a dry run binds nothing", func(t *testing.T) {
		f := newStarted(t)
		resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 1, DryRun: true})
		require.NoError(t, err)
		assert.True(t, resp.VoteGranted)
		assert.Nil(t, f.store.LastVote())
		assert.Equal(t, int64(0), f.coord.Term(), "a dry run must not move the term")

		// A different candidate can still win the real vote for that term.
		resp, err = f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 2})
		require.NoError(t, err)
		assert.True(t, resp.VoteGranted)
	})

	t.Run("a real request with a newer term advances ours", func(t *testing.T) {
		f := newStarted(t)
		resp, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 4, CandidateIndex: 1})
		require.NoError(t, err)
		assert.True(t, resp.VoteGranted)
		assert.Equal(t, int64(4), f.coord.Term())
		assert.Equal(t, int64(4), resp.Term)
	})

	t.Run("surfaces a persistence failure", func(t *testing.T) {
		f := newStarted(t)
		f.store.StoreError = errors.New("disk full")
		_, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1, CandidateIndex: 1})
		assert.Error(t, err)
	})
}

func TestUpdateTerm(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	f.start(t)

	require.NoError(t, f.coord.UpdateTerm(5))
	assert.Equal(t, int64(5), f.coord.Term())

	assert.ErrorIs(t, f.coord.UpdateTerm(5), coordinator.ErrStaleTerm)
	assert.ErrorIs(t, f.coord.UpdateTerm(2), coordinator.ErrStaleTerm)
	assert.Equal(t, int64(5), f.coord.Term())
}

func TestHigherTermDeposesPrimary(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	f.start(t)
	winElection(t, f)
	f.waitForApplier(t, repl.ApplierDraining)
	f.coord.SignalDrainComplete(1)
	require.True(t, f.coord.CanAcceptWrites())

	require.NoError(t, f.coord.UpdateTerm(8))

	assert.Equal(t, repl.Follower, f.coord.Role())
	assert.Equal(t, int64(8), f.coord.Term())
	assert.Equal(t, repl.ApplierRunning, f.coord.ApplierState())
	assert.False(t, f.coord.CanAcceptWrites())
}

func TestSetFollowerMode(t *testing.T) {
	t.Run("rejects non-follower states", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		assert.Error(t, f.coord.SetFollowerMode(repl.StatePrimary))
		assert.Error(t, f.coord.SetFollowerMode(repl.StateUnknown))
	})

	t.Run("a recovering member never stands for election", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.gateway.GrantAllVotes("node1:27017", "node2:27017")
		f.start(t)

		require.NoError(t, f.coord.SetFollowerMode(repl.StateRecovering))
		f.triggerElection()
		assert.Equal(t, repl.Follower, f.coord.Role())
		assert.Equal(t, 0, f.gateway.VoteRequestCount())

		resp, err := f.coord.HandleHeartbeat(&repl.HeartbeatRequest{SetName: "rs0", ConfigVersion: 1})
		require.NoError(t, err)
		assert.Equal(t, repl.StateRecovering, resp.State)

		// Back to secondary, elections resume.
		require.NoError(t, f.coord.SetFollowerMode(repl.StateSecondary))
		f.triggerElection()
		f.waitForRole(t, repl.Leader)
	})

	t.Run("demotes a primary", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		winElection(t, f)

		require.NoError(t, f.coord.SetFollowerMode(repl.StateRollback))
		assert.Equal(t, repl.Follower, f.coord.Role())
	})
}

func TestStepDownRequiresPrimary(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	f.start(t)
	assert.ErrorIs(t, f.coord.StepDown(), coordinator.ErrNotPrimary)
}

func TestProcessReconfig(t *testing.T) {
	nextVersion := func(cfg *config.ReplSetConfig, version int64) *config.ReplSetConfig {
		next := *cfg
		next.Version = version
		next.Members = append([]config.MemberConfig(nil), cfg.Members...)
		return &next
	}

	t.Run("rejects a stale version", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		assert.Error(t, f.coord.ProcessReconfig(nextVersion(f.cfg, 1)))
	})

	t.Run("rejects a config for another set", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		other := nextVersion(f.cfg, 2)
		other.Name = "rs9"
		assert.Error(t, f.coord.ProcessReconfig(other))
	})

	t.Run("installs a newer config", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		require.NoError(t, f.coord.ProcessReconfig(nextVersion(f.cfg, 2)))
		assert.Equal(t, int64(2), f.coord.Status().ConfigVersion)
	})

	t.Run("a removed member stops participating", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.gateway.GrantAllVotes("node1:27017", "node2:27017")
		f.start(t)

		next := nextVersion(f.cfg, 2)
		next.Members = next.Members[1:]
		require.NoError(t, f.coord.ProcessReconfig(next))

		f.triggerElection()
		assert.Equal(t, repl.Follower, f.coord.Role())
		assert.Equal(t, 0, f.gateway.VoteRequestCount())

		for _, m := range f.coord.Status().Members {
			assert.False(t, m.Self)
		}
	})

	t.Run("demotes a primary", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		winElection(t, f)

		require.NoError(t, f.coord.ProcessReconfig(nextVersion(f.cfg, 2)))
		assert.Equal(t, repl.Follower, f.coord.Role())
	})
}

func TestReconfigWhileCommitInProgress(t *testing.T) {
	cfg := threeNodeConfig()
	require.NoError(t, cfg.Validate())

	committing := make(chan struct{})
	release := make(chan struct{})
	var committed sync.Once

	clock := mocks.NewManualClock(testStart)
	coord, err := coordinator.New(coordinator.Opts{
		SelfIndex: 0,
		Config:    cfg,
		Gateway:   mocks.NewMockGateway(),
		Store:     mocks.NewMockVoteStore(),
		Clock:     clock,
		CommitConfig: func(*config.ReplSetConfig) error {
			// The commit hook runs again for the follow-up reconfig at the
			// end of the test; only the first call blocks.
			committed.Do(func() {
				close(committing)
				<-release
			})
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start())
	defer coord.Stop()

	next := *cfg
	next.Version = 2
	next.Members = append([]config.MemberConfig(nil), cfg.Members...)

	done := make(chan error, 1)
	go func() { done <- coord.ProcessReconfig(&next) }()
	<-committing

	// A second reconfig while the first is being committed is refused.
	later := next
	later.Version = 3
	assert.ErrorIs(t, coord.ProcessReconfig(&later), coordinator.ErrConfigurationInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), coord.Status().ConfigVersion)

	// With the commit finished, the next reconfig goes through.
	require.NoError(t, coord.ProcessReconfig(&later))
	assert.Equal(t, int64(3), coord.Status().ConfigVersion)
}

func TestReconfigCommitFailure(t *testing.T) {
	cfg := threeNodeConfig()
	require.NoError(t, cfg.Validate())

	coord, err := coordinator.New(coordinator.Opts{
		SelfIndex:    0,
		Config:       cfg,
		Gateway:      mocks.NewMockGateway(),
		Store:        mocks.NewMockVoteStore(),
		Clock:        mocks.NewManualClock(testStart),
		CommitConfig: func(*config.ReplSetConfig) error { return errors.New("quorum lost") },
	})
	require.NoError(t, err)
	require.NoError(t, coord.Start())
	defer coord.Stop()

	next := *cfg
	next.Version = 2
	next.Members = append([]config.MemberConfig(nil), cfg.Members...)

	assert.Error(t, coord.ProcessReconfig(&next))
	assert.Equal(t, int64(1), coord.Status().ConfigVersion)
}

func TestReconfigCancelsInFlightElection(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)

	voteStarted := make(chan struct{})
	release := make(chan struct{})
	var started sync.Once
	f.gateway.VoteFunc = func(host string, req *repl.VoteRequest) (*repl.VoteResponse, error) {
		started.Do(func() { close(voteStarted) })
		<-release
		return &repl.VoteResponse{Term: req.Term, VoteGranted: true}, nil
	}
	f.start(t)
	defer close(release)

	f.triggerElection()
	<-voteStarted

	// The candidacy is stuck in its dry run; a config change invalidates it.
	next := *f.cfg
	next.Version = 2
	next.Members = append([]config.MemberConfig(nil), f.cfg.Members...)
	require.NoError(t, f.coord.ProcessReconfig(&next))

	assert.Equal(t, repl.Follower, f.coord.Role())
	assert.Equal(t, int64(0), f.coord.Term())
	assert.Nil(t, f.store.LastVote())
}

func TestReconfigRemovingSelfDuringElection(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	f.gateway.GrantAllVotes("node1:27017", "node2:27017")

	persisting := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.store.StoreFunc = func(repl.LastVote) error {
		once.Do(func() { close(persisting) })
		<-release
		return nil
	}
	f.start(t)
	defer close(release)

	f.triggerElection()
	<-persisting

	// The dry run succeeded and the self-vote write is stuck; drop this
	// member from the set before the real vote round starts.
	next := *f.cfg
	next.Version = 2
	next.Members = append([]config.MemberConfig(nil), f.cfg.Members[1:]...)
	require.NoError(t, f.coord.ProcessReconfig(&next))

	release <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.coord.WaitForElectionFinish(ctx))

	assert.Equal(t, repl.Follower, f.coord.Role())
	for _, m := range f.coord.Status().Members {
		assert.False(t, m.Self)
	}
}

func TestWaitForElectionFinish(t *testing.T) {
	t.Run("returns immediately with no election running", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.start(t)
		assert.NoError(t, f.coord.WaitForElectionFinish(context.Background()))
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)

		release := make(chan struct{})
		f.gateway.VoteFunc = func(host string, req *repl.VoteRequest) (*repl.VoteResponse, error) {
			<-release
			return &repl.VoteResponse{Term: req.Term, VoteGranted: false}, nil
		}
		f.start(t)
		defer close(release)

		f.triggerElection()
		f.waitForRole(t, repl.Candidate)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, f.coord.WaitForElectionFinish(ctx), context.DeadlineExceeded)
	})

	t.Run("wakes when the election concludes", func(t *testing.T) {
		f := newFixture(t, threeNodeConfig(), 0)
		f.gateway.GrantAllVotes("node1:27017", "node2:27017")
		f.start(t)

		f.triggerElection()

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, f.coord.WaitForElectionFinish(ctx))
		f.waitForRole(t, repl.Leader)
	})
}

func TestStopShutsDownCleanly(t *testing.T) {
	f := newFixture(t, threeNodeConfig(), 0)
	require.NoError(t, f.coord.Start())

	shutdown := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(f.coord.EventBus(), coordinator.CoordinatorShutDown, shutdown, pubsub.SubscriptionOptions{})

	f.coord.Stop()
	f.coord.Stop() // idempotent

	receiveOrFail(t, shutdown)

	_, err := f.coord.HandleVoteRequest(&repl.VoteRequest{SetName: "rs0", Term: 1})
	assert.ErrorIs(t, err, coordinator.ErrNotStarted)
	_, err = f.coord.HandleHeartbeat(&repl.HeartbeatRequest{SetName: "rs0"})
	assert.ErrorIs(t, err, coordinator.ErrNotStarted)
}
