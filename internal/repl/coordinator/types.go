package coordinator

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"replset/internal/pubsub"
	"replset/internal/repl"
	"replset/internal/repl/config"
)

// PeerGateway sends requests to named peers. Production implementations wrap
// a real network transport; tests use an in-memory gateway with scripted
// responses. Calls are cancelled through the context; cancellation is
// best-effort and a late response must simply be ignored by the caller.
type PeerGateway interface {
	RequestVote(ctx context.Context, host string, req *repl.VoteRequest) (*repl.VoteResponse, error)
	Heartbeat(ctx context.Context, host string, req *repl.HeartbeatRequest) (*repl.HeartbeatResponse, error)
	Freshness(ctx context.Context, host string, req *repl.FreshnessRequest) (*repl.FreshnessResponse, error)
}

// TimerHandle is a single-shot scheduled callback that can be stopped. Stop
// returns false if the callback already fired or was stopped before.
type TimerHandle interface {
	Stop() bool
}

// Clock abstracts time so the state machine is testable without real timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) TimerHandle
}

// VoteStore persists the LastVote slot. StoreLastVote must not return until
// the record is durable.
type VoteStore interface {
	StoreLastVote(vote repl.LastVote) error
	LoadLastVote() (*repl.LastVote, error)
}

// MetricsCollector is an optional interface for protocol counters.
type MetricsCollector interface {
	RecordVoteRequest()
	RecordHeartbeat()
	RecordFreshnessScan()
	RecordElectionStarted()
	RecordElectionWon(duration time.Duration)
	RecordPriorityTakeover()
	RecordCatchUpOutcome(outcome string)
}

// Events published on the coordinator's event bus.
const (
	// RoleChanged is published on every role transition. Payload: RoleChangedPayload.
	RoleChanged pubsub.EventType = iota
	// ElectionFinished is published when an election attempt terminates,
	// won or lost. Payload: ElectionFinishedPayload.
	ElectionFinished
	// WritesAllowed is published when the applier reaches Stopped and the
	// leader starts accepting writes. Payload: int64 (the term).
	WritesAllowed
	// CoordinatorShutDown is published once when Stop is called. Payload: struct{}.
	CoordinatorShutDown
)

// RoleChangedPayload travels with RoleChanged events.
type RoleChangedPayload struct {
	From repl.Role
	To   repl.Role
	Term int64
}

// ElectionFinishedPayload travels with ElectionFinished events.
type ElectionFinishedPayload struct {
	Term   int64
	Won    bool
	Reason string
}

// Opts configures a Coordinator.
type Opts struct {
	// SelfIndex is this node's position in Config.Members.
	SelfIndex int

	Config  *config.ReplSetConfig
	Gateway PeerGateway
	Store   VoteStore

	// Clock defaults to the system clock when nil.
	Clock Clock

	// Rand is the source for randomized timeout offsets. Inject a seeded
	// source in tests to reproduce sequences; defaults to a time-seeded one.
	// Only ever used under the coordination lock.
	Rand *rand.Rand

	// Metrics is optional.
	Metrics MetricsCollector

	// CommitConfig, when set, durably commits a newly installed config before
	// ProcessReconfig returns. A second reconfig arriving while a commit is
	// still running fails with ErrConfigurationInProgress.
	CommitConfig func(*config.ReplSetConfig) error
}

// Status is a snapshot of the coordinator state, read under the coordination
// lock in one shot.
type Status struct {
	SetName       string
	Term          int64
	Role          repl.Role
	ApplierState  repl.ApplierState
	ElectionID    uuid.UUID
	ConfigVersion int64
	Writable      bool
	Members       []MemberStatus
}

// MemberStatus is the per-member row of a Status snapshot.
type MemberStatus struct {
	ID            int32
	Host          string
	Self          bool
	State         repl.MemberState
	Term          int64
	AppliedOpTime repl.OpTime
	DurableOpTime repl.OpTime
	LastHeartbeat time.Time
}
