package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"replset/internal/repl"
)

// Wire protocol: one request per connection. The client sends the RPC type
// discriminator followed by the request struct; the server answers with a
// reply header (carrying any handler error) followed by the response struct.
const (
	rpcRequestVote = "RequestVote"
	rpcHeartbeat   = "Heartbeat"
	rpcFreshness   = "Freshness"
)

type replyHeader struct {
	Error string
}

// DefaultDialTimeout bounds connection establishment when the caller's
// context carries no deadline of its own.
const DefaultDialTimeout = 5 * time.Second

// Gateway is the production coordinator.PeerGateway: it dials the peer over
// TCP for each call and exchanges gob-encoded messages. Cancellation is
// honored through the context deadline set on the connection.
type Gateway struct {
	dialTimeout time.Duration
}

// NewGateway creates a Gateway with the default dial timeout.
func NewGateway() *Gateway {
	return &Gateway{dialTimeout: DefaultDialTimeout}
}

func (g *Gateway) call(ctx context.Context, host, rpcType string, req, resp any) error {
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, g.dialTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return fmt.Errorf("failed to dial peer %s: %w", host, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set deadline for peer %s: %w", host, err)
		}
	}

	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	if err := enc.Encode(rpcType); err != nil {
		return fmt.Errorf("failed to send %s type to %s: %w", rpcType, host, err)
	}
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("failed to send %s request to %s: %w", rpcType, host, err)
	}

	var header replyHeader
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("failed to read %s reply header from %s: %w", rpcType, host, err)
	}
	if header.Error != "" {
		return fmt.Errorf("peer %s rejected %s: %s", host, rpcType, header.Error)
	}
	if err := dec.Decode(resp); err != nil {
		return fmt.Errorf("failed to read %s response from %s: %w", rpcType, host, err)
	}
	return nil
}

func (g *Gateway) RequestVote(ctx context.Context, host string, req *repl.VoteRequest) (*repl.VoteResponse, error) {
	var resp repl.VoteResponse
	if err := g.call(ctx, host, rpcRequestVote, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (g *Gateway) Heartbeat(ctx context.Context, host string, req *repl.HeartbeatRequest) (*repl.HeartbeatResponse, error) {
	var resp repl.HeartbeatResponse
	if err := g.call(ctx, host, rpcHeartbeat, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (g *Gateway) Freshness(ctx context.Context, host string, req *repl.FreshnessRequest) (*repl.FreshnessResponse, error) {
	var resp repl.FreshnessResponse
	if err := g.call(ctx, host, rpcFreshness, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
