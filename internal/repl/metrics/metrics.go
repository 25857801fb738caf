package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters for the election and catch-up protocol.
type Metrics struct {
	// RPC counters
	voteRequestsSent atomic.Uint64
	heartbeatsSent   atomic.Uint64
	freshnessScans   atomic.Uint64

	// Election counters
	electionsStarted  atomic.Uint64
	electionsWon      atomic.Uint64
	priorityTakeovers atomic.Uint64

	// Catch-up outcome counters
	catchUpSkipped   atomic.Uint64
	catchUpSucceeded atomic.Uint64
	catchUpTimedOut  atomic.Uint64

	mu                sync.Mutex
	electionDurations []time.Duration

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		electionDurations: make([]time.Duration, 0, 100),
		startTime:         time.Now(),
	}
}

func (m *Metrics) RecordVoteRequest()      { m.voteRequestsSent.Add(1) }
func (m *Metrics) RecordHeartbeat()        { m.heartbeatsSent.Add(1) }
func (m *Metrics) RecordFreshnessScan()    { m.freshnessScans.Add(1) }
func (m *Metrics) RecordElectionStarted()  { m.electionsStarted.Add(1) }
func (m *Metrics) RecordPriorityTakeover() { m.priorityTakeovers.Add(1) }

// RecordElectionWon records a won election along with its duration from
// candidacy to the leader transition.
func (m *Metrics) RecordElectionWon(duration time.Duration) {
	m.electionsWon.Add(1)
	m.mu.Lock()
	m.electionDurations = append(m.electionDurations, duration)
	m.mu.Unlock()
}

// RecordCatchUpOutcome counts one catch-up attempt by its terminal outcome.
func (m *Metrics) RecordCatchUpOutcome(outcome string) {
	switch outcome {
	case "skipped":
		m.catchUpSkipped.Add(1)
	case "succeeded":
		m.catchUpSucceeded.Add(1)
	case "timedOut":
		m.catchUpTimedOut.Add(1)
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds       float64 `json:"uptimeSeconds"`
	VoteRequestsSent    uint64  `json:"voteRequestsSent"`
	HeartbeatsSent      uint64  `json:"heartbeatsSent"`
	FreshnessScans      uint64  `json:"freshnessScans"`
	ElectionsStarted    uint64  `json:"electionsStarted"`
	ElectionsWon        uint64  `json:"electionsWon"`
	PriorityTakeovers   uint64  `json:"priorityTakeovers"`
	CatchUpSkipped      uint64  `json:"catchUpSkipped"`
	CatchUpSucceeded    uint64  `json:"catchUpSucceeded"`
	CatchUpTimedOut     uint64  `json:"catchUpTimedOut"`
	AvgElectionDuration float64 `json:"avgElectionDurationMs"`
}

// GetSnapshot returns a copy of the current counter values.
func (m *Metrics) GetSnapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
		VoteRequestsSent:  m.voteRequestsSent.Load(),
		HeartbeatsSent:    m.heartbeatsSent.Load(),
		FreshnessScans:    m.freshnessScans.Load(),
		ElectionsStarted:  m.electionsStarted.Load(),
		ElectionsWon:      m.electionsWon.Load(),
		PriorityTakeovers: m.priorityTakeovers.Load(),
		CatchUpSkipped:    m.catchUpSkipped.Load(),
		CatchUpSucceeded:  m.catchUpSucceeded.Load(),
		CatchUpTimedOut:   m.catchUpTimedOut.Load(),
	}

	m.mu.Lock()
	if len(m.electionDurations) > 0 {
		var total time.Duration
		for _, d := range m.electionDurations {
			total += d
		}
		snap.AvgElectionDuration = float64(total.Milliseconds()) / float64(len(m.electionDurations))
	}
	m.mu.Unlock()

	return snap
}

// String renders the snapshot as JSON for operator output.
func (m *Metrics) String() string {
	data, err := json.MarshalIndent(m.GetSnapshot(), "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}
