package transport

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"replset/internal/repl"
)

// Handler is the request side of the protocol, implemented by the
// coordinator.
type Handler interface {
	HandleVoteRequest(req *repl.VoteRequest) (*repl.VoteResponse, error)
	HandleHeartbeat(req *repl.HeartbeatRequest) (*repl.HeartbeatResponse, error)
	HandleFreshness(req *repl.FreshnessRequest) (*repl.FreshnessResponse, error)
}

// Server accepts peer connections and dispatches decoded requests to a
// Handler, one request per connection.
type Server struct {
	addr     string
	handler  Handler
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server that will listen on addr once started.
func NewServer(addr string, handler Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	log.WithField("addr", listener.Addr().String()).Info("replica set transport listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Warn("transport accept failed")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	var rpcType string
	if err := dec.Decode(&rpcType); err != nil {
		log.WithError(err).Debug("failed to decode rpc type")
		return
	}

	switch rpcType {
	case rpcRequestVote:
		var req repl.VoteRequest
		if err := dec.Decode(&req); err != nil {
			log.WithError(err).Debug("failed to decode vote request")
			return
		}
		resp, err := s.handler.HandleVoteRequest(&req)
		s.reply(enc, rpcType, resp, err)
	case rpcHeartbeat:
		var req repl.HeartbeatRequest
		if err := dec.Decode(&req); err != nil {
			log.WithError(err).Debug("failed to decode heartbeat request")
			return
		}
		resp, err := s.handler.HandleHeartbeat(&req)
		s.reply(enc, rpcType, resp, err)
	case rpcFreshness:
		var req repl.FreshnessRequest
		if err := dec.Decode(&req); err != nil {
			log.WithError(err).Debug("failed to decode freshness request")
			return
		}
		resp, err := s.handler.HandleFreshness(&req)
		s.reply(enc, rpcType, resp, err)
	default:
		log.WithField("type", rpcType).Warn("unknown rpc type")
	}
}

// reply writes the header and, when the handler succeeded, the response.
func (s *Server) reply(enc *gob.Encoder, rpcType string, resp any, handlerErr error) {
	header := replyHeader{}
	if handlerErr != nil {
		header.Error = handlerErr.Error()
	}
	if err := enc.Encode(header); err != nil {
		log.WithError(err).Debug("failed to encode reply header")
		return
	}
	if handlerErr != nil {
		return
	}
	if err := enc.Encode(resp); err != nil {
		log.WithFields(log.Fields{"type": rpcType}).WithError(err).Debug("failed to encode response")
	}
}
