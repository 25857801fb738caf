package coordinator_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"replset/internal/pubsub"
	"replset/internal/repl"
	"replset/internal/repl/config"
	"replset/internal/repl/coordinator"
	"replset/internal/repl/metrics"
	"replset/internal/repl/mocks"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	testElectionTimeout  = 10 * time.Second
	testHeartbeatEvery   = 2 * time.Second
	testCatchUpTimeout   = 30 * time.Second
	testMaxElectionDelay = testElectionTimeout + 1500*time.Millisecond

	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type fixture struct {
	coord   *coordinator.Coordinator
	clock   *mocks.ManualClock
	gateway *mocks.MockGateway
	store   *mocks.MockVoteStore
	metrics *metrics.Metrics
	cfg     *config.ReplSetConfig
}

func testConfig(members ...config.MemberConfig) *config.ReplSetConfig {
	return &config.ReplSetConfig{
		Name:    "rs0",
		Version: 1,
		Members: members,
		Settings: config.Settings{
			HeartbeatInterval:      testHeartbeatEvery,
			ElectionTimeout:        testElectionTimeout,
			CatchUpTimeout:         testCatchUpTimeout,
			ElectionOffsetFraction: 0.15,
		},
	}
}

func threeNodeConfig() *config.ReplSetConfig {
	return testConfig(
		config.MemberConfig{ID: 0, Host: "node0:27017", Priority: 1, Votes: 1},
		config.MemberConfig{ID: 1, Host: "node1:27017", Priority: 1, Votes: 1},
		config.MemberConfig{ID: 2, Host: "node2:27017", Priority: 1, Votes: 1},
	)
}

func newFixture(t *testing.T, cfg *config.ReplSetConfig, selfIndex int) *fixture {
	t.Helper()
	require.NoError(t, cfg.Validate())

	f := &fixture{
		clock:   mocks.NewManualClock(testStart),
		gateway: mocks.NewMockGateway(),
		store:   mocks.NewMockVoteStore(),
		metrics: metrics.NewMetrics(),
		cfg:     cfg,
	}

	coord, err := coordinator.New(coordinator.Opts{
		SelfIndex: selfIndex,
		Config:    cfg,
		Gateway:   f.gateway,
		Store:     f.store,
		Clock:     f.clock,
		Rand:      rand.New(rand.NewSource(7)),
		Metrics:   f.metrics,
	})
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Start())
	t.Cleanup(f.coord.Stop)
}

// triggerElection advances past the election timeout plus the largest
// possible randomized offset.
func (f *fixture) triggerElection() {
	f.clock.Advance(testMaxElectionDelay + time.Second)
}

func (f *fixture) waitForRole(t *testing.T, want repl.Role) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.coord.Role() == want
	}, waitFor, tick, "expected role %s", want)
}

func (f *fixture) waitForApplier(t *testing.T, want repl.ApplierState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.coord.ApplierState() == want
	}, waitFor, tick, "expected applier state %s", want)
}

func (f *fixture) waitForTerm(t *testing.T, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.coord.Term() == want
	}, waitFor, tick, "expected term %d", want)
}

// electionResults subscribes to election outcomes; the channel closes on Stop.
func (f *fixture) electionResults() chan *pubsub.Event[coordinator.ElectionFinishedPayload] {
	ch := make(chan *pubsub.Event[coordinator.ElectionFinishedPayload], 8)
	pubsub.Subscribe(f.coord.EventBus(), coordinator.ElectionFinished, ch, pubsub.SubscriptionOptions{})
	return ch
}

func receiveOrFail[T any](t *testing.T, ch chan *pubsub.Event[T]) T {
	t.Helper()
	select {
	case ev := <-ch:
		require.NotNil(t, ev)
		return ev.Payload
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}
