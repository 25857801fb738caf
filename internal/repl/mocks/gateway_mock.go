package mocks

import (
	"context"
	"fmt"
	"sync"

	"replset/internal/repl"
)

// MockGateway is an in-memory implementation of coordinator.PeerGateway with
// scripted per-host responses and error injection.
type MockGateway struct {
	mu sync.Mutex

	// Scripted responses, keyed by host.
	VoteResponses      map[string]*repl.VoteResponse
	VoteErrors         map[string]error
	HeartbeatResponses map[string]*repl.HeartbeatResponse
	HeartbeatErrors    map[string]error
	FreshnessResponses map[string]*repl.FreshnessResponse
	FreshnessErrors    map[string]error

	// Optional overrides; when set they take precedence over the maps.
	VoteFunc      func(host string, req *repl.VoteRequest) (*repl.VoteResponse, error)
	HeartbeatFunc func(host string, req *repl.HeartbeatRequest) (*repl.HeartbeatResponse, error)
	FreshnessFunc func(host string, req *repl.FreshnessRequest) (*repl.FreshnessResponse, error)

	// Recorded requests, in arrival order.
	VoteRequests      []*repl.VoteRequest
	HeartbeatRequests []*repl.HeartbeatRequest
	FreshnessRequests []*repl.FreshnessRequest
}

// NewMockGateway creates an empty mock gateway; every call fails until a
// response is scripted.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		VoteResponses:      make(map[string]*repl.VoteResponse),
		VoteErrors:         make(map[string]error),
		HeartbeatResponses: make(map[string]*repl.HeartbeatResponse),
		HeartbeatErrors:    make(map[string]error),
		FreshnessResponses: make(map[string]*repl.FreshnessResponse),
		FreshnessErrors:    make(map[string]error),
	}
}

// GrantAllVotes scripts a granted vote from every given host.
func (g *MockGateway) GrantAllVotes(hosts ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range hosts {
		g.VoteResponses[h] = &repl.VoteResponse{VoteGranted: true}
	}
}

// DenyAllVotes scripts a denied vote with the given reason from every host.
func (g *MockGateway) DenyAllVotes(reason string, hosts ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, h := range hosts {
		g.VoteResponses[h] = &repl.VoteResponse{VoteGranted: false, Reason: reason}
	}
}

func (g *MockGateway) RequestVote(ctx context.Context, host string, req *repl.VoteRequest) (*repl.VoteResponse, error) {
	g.mu.Lock()
	g.VoteRequests = append(g.VoteRequests, req)
	fn := g.VoteFunc
	err := g.VoteErrors[host]
	resp := g.VoteResponses[host]
	g.mu.Unlock()

	if fn != nil {
		return fn(host, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("no scripted vote response for host %s", host)
	}
	out := *resp
	if out.Term == 0 {
		// Unless the script says otherwise, peers echo the requested term.
		out.Term = req.Term
	}
	return &out, nil
}

func (g *MockGateway) Heartbeat(ctx context.Context, host string, req *repl.HeartbeatRequest) (*repl.HeartbeatResponse, error) {
	g.mu.Lock()
	g.HeartbeatRequests = append(g.HeartbeatRequests, req)
	fn := g.HeartbeatFunc
	err := g.HeartbeatErrors[host]
	resp := g.HeartbeatResponses[host]
	g.mu.Unlock()

	if fn != nil {
		return fn(host, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("no scripted heartbeat response for host %s", host)
	}
	out := *resp
	return &out, nil
}

func (g *MockGateway) Freshness(ctx context.Context, host string, req *repl.FreshnessRequest) (*repl.FreshnessResponse, error) {
	g.mu.Lock()
	g.FreshnessRequests = append(g.FreshnessRequests, req)
	fn := g.FreshnessFunc
	err := g.FreshnessErrors[host]
	resp := g.FreshnessResponses[host]
	g.mu.Unlock()

	if fn != nil {
		return fn(host, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("no scripted freshness response for host %s", host)
	}
	out := *resp
	return &out, nil
}

// ScriptHeartbeat swaps a host's scripted heartbeat result while probes may
// already be in flight.
func (g *MockGateway) ScriptHeartbeat(host string, resp *repl.HeartbeatResponse, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if resp != nil {
		g.HeartbeatResponses[host] = resp
	} else {
		delete(g.HeartbeatResponses, host)
	}
	if err != nil {
		g.HeartbeatErrors[host] = err
	} else {
		delete(g.HeartbeatErrors, host)
	}
}

// HeartbeatRequestCount returns how many heartbeat requests arrived so far.
func (g *MockGateway) HeartbeatRequestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.HeartbeatRequests)
}

// VoteRequestCount returns how many vote requests arrived so far.
func (g *MockGateway) VoteRequestCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.VoteRequests)
}
