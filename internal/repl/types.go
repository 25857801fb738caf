package repl

// Role is the node's position in the consensus protocol at any given point:
// follower, candidate, or leader. A node starts out as a Follower, holds
// Candidate only while an election (dry-run or real) is outstanding, and holds
// Leader from a won election until stepdown.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// MemberState is the replication state a member reports about itself in
// heartbeat responses. Unlike Role it is a protocol-visible value: peers use
// it to decide whether a primary exists and whether a member is usable.
type MemberState uint8

const (
	StateUnknown MemberState = iota
	StatePrimary
	StateSecondary
	StateRecovering
	StateRollback
	StateRemoved
)

func (s MemberState) String() string {
	switch s {
	case StatePrimary:
		return "PRIMARY"
	case StateSecondary:
		return "SECONDARY"
	case StateRecovering:
		return "RECOVERING"
	case StateRollback:
		return "ROLLBACK"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// ApplierState gates write-acceptance on a freshly elected leader.
//
// Running means the node is not yet primary-eligible for writes: it is either
// not a winner at all or still performing post-election catch-up. Draining
// means the election was won and catch-up has resolved (or was skipped), and
// the node is waiting for the local data-apply pipeline to flush its backlog.
// Stopped means the backlog is flushed and the node accepts writes.
type ApplierState uint8

const (
	ApplierRunning ApplierState = iota
	ApplierDraining
	ApplierStopped
)

func (a ApplierState) String() string {
	switch a {
	case ApplierRunning:
		return "Running"
	case ApplierDraining:
		return "Draining"
	case ApplierStopped:
		return "Stopped"
	default:
		return "Invalid"
	}
}

// LastVote is the single durable record of the most recent vote this node has
// cast, including a vote for itself. It must be persisted before a real
// (non-dry-run) vote is sent or granted, and is read back at startup to seed
// the term and prevent re-voting in an already-decided term. It is overwritten
// monotonically by term.
type LastVote struct {
	Term           int64
	CandidateIndex int32
}
