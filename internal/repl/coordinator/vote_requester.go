package coordinator

import (
	"context"

	log "github.com/sirupsen/logrus"

	"replset/internal/repl"
	"replset/internal/repl/config"
)

// VoteOutcome is the result of one phase of vote solicitation.
type VoteOutcome uint8

const (
	// VotesGranted means a strict majority of the vote weight granted.
	VotesGranted VoteOutcome = iota
	// InsufficientVotes means a majority can no longer be reached.
	InsufficientVotes
	// Superseded means a response carried a term greater than the requested
	// one; it overrides any pending grants and aborts the round immediately.
	Superseded
)

func (o VoteOutcome) String() string {
	switch o {
	case VotesGranted:
		return "VotesGranted"
	case InsufficientVotes:
		return "InsufficientVotes"
	case Superseded:
		return "Superseded"
	default:
		return "Invalid"
	}
}

// VoteTally summarizes one completed round.
type VoteTally struct {
	Outcome VoteOutcome
	// GrantedWeight includes the candidate's own implicit self-vote.
	GrantedWeight int
	// HigherTerm is set when Outcome is Superseded.
	HigherTerm int64
}

type voteResult struct {
	weight int
	resp   *repl.VoteResponse
	err    error
}

// requestVotes runs one phase (dry-run or real) of soliciting votes from all
// voting peers concurrently and tallies the result. The round finishes as
// soon as the outcome is mathematically decided: enough grants for quorum,
// enough denials that quorum is unreachable, or any response with a higher
// term. Outstanding calls are then cancelled; slow and unreachable peers
// count as non-votes and never block the determination.
//
// cfg and selfIndex are the caller's snapshot of the view the candidacy
// started under; a concurrent reconfig must never bleed into an in-flight
// round.
func (c *Coordinator) requestVotes(ctx context.Context, cfg *config.ReplSetConfig, selfIndex int, term int64, dryRun bool, lastApplied repl.OpTime) VoteTally {
	self := cfg.Members[selfIndex]
	req := &repl.VoteRequest{
		SetName:           cfg.Name,
		Term:              term,
		CandidateIndex:    int32(selfIndex),
		DryRun:            dryRun,
		LastAppliedOpTime: lastApplied,
	}

	type target struct {
		host   string
		weight int
	}
	var targets []target
	for i, m := range cfg.Members {
		if i == selfIndex || m.Votes == 0 {
			continue
		}
		targets = append(targets, target{host: m.Host, weight: m.Votes})
	}

	totalWeight := cfg.TotalVoteWeight()
	neededWeight := cfg.MajorityVoteWeight()
	grantedWeight := self.Votes
	deniedWeight := 0

	if grantedWeight >= neededWeight {
		// Trivial majority of one; no RPC round needed.
		return VoteTally{Outcome: VotesGranted, GrantedWeight: grantedWeight}
	}

	roundCtx, cancel := context.WithTimeout(ctx, cfg.Settings.ElectionTimeout)
	defer cancel()

	// Buffered to len(targets) so stragglers never leak after the round is
	// decided and we stop receiving.
	results := make(chan voteResult, len(targets))
	for _, tgt := range targets {
		go func(tgt target) {
			if c.metrics != nil {
				c.metrics.RecordVoteRequest()
			}
			resp, err := c.gateway.RequestVote(roundCtx, tgt.host, req)
			results <- voteResult{weight: tgt.weight, resp: resp, err: err}
		}(tgt)
	}

	for received := 0; received < len(targets); received++ {
		var res voteResult
		select {
		case res = <-results:
		case <-roundCtx.Done():
			return VoteTally{Outcome: InsufficientVotes, GrantedWeight: grantedWeight}
		}

		if res.err != nil {
			// Unreachable peer: a non-vote, not a denial of quorum math —
			// but its weight can no longer be won.
			deniedWeight += res.weight
			log.WithFields(log.Fields{
				"member": c.selfID,
				"term":   term,
				"dryRun": dryRun,
			}).WithError(res.err).Debug("vote request failed")
		} else if res.resp.Term > term {
			return VoteTally{Outcome: Superseded, GrantedWeight: grantedWeight, HigherTerm: res.resp.Term}
		} else if res.resp.VoteGranted {
			grantedWeight += res.weight
		} else {
			deniedWeight += res.weight
			log.WithFields(log.Fields{
				"member": c.selfID,
				"term":   term,
				"dryRun": dryRun,
				"reason": res.resp.Reason,
			}).Info("vote denied by peer")
		}

		if grantedWeight >= neededWeight {
			return VoteTally{Outcome: VotesGranted, GrantedWeight: grantedWeight}
		}
		if totalWeight-deniedWeight < neededWeight {
			return VoteTally{Outcome: InsufficientVotes, GrantedWeight: grantedWeight}
		}
	}

	return VoteTally{Outcome: InsufficientVotes, GrantedWeight: grantedWeight}
}
