package repl

// The message shapes exchanged between members. Wire encoding is left to the
// transport implementation; the coordinator only ever sees these structs.

// VoteRequest solicits one vote for candidateIndex in term. A dry-run request
// probes whether the group would elect the candidate without binding any peer
// to a vote and without the candidate having advanced its term.
type VoteRequest struct {
	SetName        string
	Term           int64
	CandidateIndex int32
	DryRun         bool
	// The candidate's last applied OpTime. Peers deny votes to candidates
	// whose data is staler than their own, independent of term.
	LastAppliedOpTime OpTime
}

// VoteResponse carries a single vote decision. Reason is mandatory whenever
// VoteGranted is false and explains the denial in operator-readable terms.
type VoteResponse struct {
	Term        int64
	VoteGranted bool
	Reason      string
}

// HeartbeatRequest probes a peer for liveness and replication state. A
// mismatched SetName or a stale ConfigVersion in either direction is a
// protocol error surfaced to the caller, never a vote or term signal.
type HeartbeatRequest struct {
	SetName       string
	ConfigVersion int64
	SenderIndex   int32
}

// HeartbeatResponse reports the responder's replication state.
type HeartbeatResponse struct {
	SetName       string
	ConfigVersion int64
	State         MemberState
	Term          int64
	AppliedOpTime OpTime
	DurableOpTime OpTime
}

// FreshnessRequest asks a peer for its best-known applied OpTime. It is a
// status query issued by a freshly elected leader during catch-up, not a vote.
type FreshnessRequest struct {
	SetName string
}

// FreshnessResponse answers a FreshnessRequest.
type FreshnessResponse struct {
	AppliedOpTime OpTime
}
