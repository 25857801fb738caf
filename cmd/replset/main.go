package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"replset/internal/pubsub"
	"replset/internal/repl/config"
	"replset/internal/repl/coordinator"
	"replset/internal/repl/metrics"
	"replset/internal/repl/storage"
	"replset/internal/repl/transport"
)

func main() {
	configPath := flag.String("config", "replset.yaml", "path to the replica set config file")
	memberID := flag.Int("id", 0, "this node's member id in the replica set config")
	dataDir := flag.String("data", "data", "directory for durable node state")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(*configPath, int32(*memberID), *dataDir); err != nil {
		log.WithError(err).Fatal("node exited with error")
	}
}

func run(configPath string, memberID int32, dataDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	selfIndex := cfg.FindMemberIndex(memberID)
	if selfIndex < 0 {
		return fmt.Errorf("member id %d is not part of replica set %q", memberID, cfg.Name)
	}
	self := cfg.Members[selfIndex]

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	store, err := storage.NewBboltVoteStore(filepath.Join(dataDir, "votes.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	collector := metrics.NewMetrics()
	coord, err := coordinator.New(coordinator.Opts{
		SelfIndex: selfIndex,
		Config:    cfg,
		Gateway:   transport.NewGateway(),
		Store:     store,
		Metrics:   collector,
	})
	if err != nil {
		return err
	}

	server := transport.NewServer(self.Host, coord)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	if err := coord.Start(); err != nil {
		return err
	}
	defer coord.Stop()

	go watchEvents(coord)

	log.WithFields(log.Fields{
		"set":    cfg.Name,
		"member": memberID,
		"addr":   server.Addr(),
	}).Info("replica set node is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.WithField("signal", sig.String()).Info("shutting down")
	log.Info(collector.String())
	return nil
}

// watchEvents logs coordinator state transitions until the bus shuts down.
func watchEvents(coord *coordinator.Coordinator) {
	bus := coord.EventBus()

	roleCh := make(chan *pubsub.Event[coordinator.RoleChangedPayload], 16)
	pubsub.Subscribe(bus, coordinator.RoleChanged, roleCh, pubsub.SubscriptionOptions{})

	electionCh := make(chan *pubsub.Event[coordinator.ElectionFinishedPayload], 16)
	pubsub.Subscribe(bus, coordinator.ElectionFinished, electionCh, pubsub.SubscriptionOptions{})

	writesCh := make(chan *pubsub.Event[int64], 16)
	pubsub.Subscribe(bus, coordinator.WritesAllowed, writesCh, pubsub.SubscriptionOptions{})

	for {
		select {
		case ev, ok := <-roleCh:
			if !ok {
				return
			}
			log.WithFields(log.Fields{
				"from": ev.Payload.From.String(),
				"to":   ev.Payload.To.String(),
				"term": ev.Payload.Term,
			}).Info("role changed")
		case ev, ok := <-electionCh:
			if !ok {
				return
			}
			log.WithFields(log.Fields{
				"term":   ev.Payload.Term,
				"won":    ev.Payload.Won,
				"reason": ev.Payload.Reason,
			}).Info("election finished")
		case ev, ok := <-writesCh:
			if !ok {
				return
			}
			log.WithField("term", ev.Payload).Info("now accepting writes")
		}
	}
}
