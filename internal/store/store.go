// Package store replicates the review ledger through raft. The FSM apply
// loop is the ledger's single writer: every mutating entry point becomes
// one command, committed by the leader and applied atomically on every
// node. Reads serve from the local FSM.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

// ErrNotLeader is returned for mutations proposed on a follower. The
// caller should retry against the leader.
var ErrNotLeader = errors.New("store: not the leader")

const applyTimeout = 10 * time.Second

// Store wraps a Raft instance and exposes the ledger's operations.
type Store struct {
	raft   *raft.Raft
	fsm    *FSM
	logger hclog.Logger
}

// Config holds configuration for initializing a Raft store.
type Config struct {
	NodeID           string
	ListenAddr       string
	DataDir          string
	Bootstrap        bool
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	Logger           hclog.Logger
}

// NewStore creates and initializes a new Raft-backed ledger store.
func NewStore(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("store")

	fsm := NewFSM()

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(config.NodeID)
	raftConfig.Logger = logger
	if config.HeartbeatTimeout > 0 {
		raftConfig.HeartbeatTimeout = config.HeartbeatTimeout
	}
	if config.ElectionTimeout > 0 {
		raftConfig.ElectionTimeout = config.ElectionTimeout
	}
	if config.CommitTimeout > 0 {
		raftConfig.CommitTimeout = config.CommitTimeout
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(fmt.Sprintf("%s/logs", config.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(fmt.Sprintf("%s/stable", config.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	logWriter := logger.StandardWriter(&hclog.StandardLoggerOptions{})
	snapshotStore, err := raft.NewFileSnapshotStore(config.DataDir, 3, logWriter)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(config.ListenAddr, addr, 3, 10*time.Second, logWriter)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	// Bootstrap if this is the first node.
	if config.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raft.ServerID(config.NodeID),
					Address: raft.ServerAddress(config.ListenAddr),
				},
			},
		}
		r.BootstrapCluster(configuration)
	}

	return &Store{
		raft:   r,
		fsm:    fsm,
		logger: logger,
	}, nil
}

// apply proposes one command through raft and decodes the FSM's answer.
func (s *Store) apply(cmd Command) (interface{}, error) {
	if s.raft.State() != raft.Leader {
		return nil, ErrNotLeader
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := s.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// Submit appends an encrypted record via Raft consensus and returns its id.
func (s *Store) Submit(args SubmitArgs) (uint64, error) {
	resp, err := s.apply(Command{Op: OpSubmit, Submit: &args})
	if err != nil {
		return ledger.NoRecord, err
	}
	id, ok := resp.(uint64)
	if !ok {
		return ledger.NoRecord, fmt.Errorf("unexpected submit response %T", resp)
	}
	return id, nil
}

// RegisterRecordRequest parks a decryption request for a record.
func (s *Store) RegisterRecordRequest(args RecordRequestArgs) error {
	_, err := s.apply(Command{Op: OpRegisterRecordRequest, RecordRequest: &args})
	return err
}

// ApplyRecordReveal commits a verified record reveal and returns the
// revealed record's id.
func (s *Store) ApplyRecordReveal(args ledger.RevealArgs) (uint64, error) {
	resp, err := s.apply(Command{Op: OpApplyRecordReveal, Reveal: &args})
	if err != nil {
		return ledger.NoRecord, err
	}
	id, ok := resp.(uint64)
	if !ok {
		return ledger.NoRecord, fmt.Errorf("unexpected reveal response %T", resp)
	}
	return id, nil
}

// RegisterAggregateRequest parks a disclosure request for a department.
func (s *Store) RegisterAggregateRequest(args AggregateRequestArgs) error {
	_, err := s.apply(Command{Op: OpRegisterAggregateRequest, AggregateRequest: &args})
	return err
}

// ConsumeAggregateRequest consumes a department disclosure request and
// returns the department hash it targeted.
func (s *Store) ConsumeAggregateRequest(args ConsumeRequestArgs) (string, error) {
	resp, err := s.apply(Command{Op: OpConsumeAggregateRequest, ConsumeRequest: &args})
	if err != nil {
		return "", err
	}
	hash, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("unexpected consume response %T", resp)
	}
	return hash, nil
}

// SetAdmin rotates the admin identity.
func (s *Store) SetAdmin(args SetAdminArgs) error {
	_, err := s.apply(Command{Op: OpSetAdmin, Admin: &args})
	return err
}

// View runs fn against the committed ledger state on this node.
// Note: this reads local state, which is consistent once Raft has applied
// all operations.
func (s *Store) View(fn func(*ledger.State) error) error {
	return s.fsm.View(fn)
}

// IsLeader returns whether this node is currently the Raft leader.
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Leader returns the address of the current leader.
func (s *Store) Leader() string {
	return string(s.raft.Leader())
}

// WaitForLeader blocks until the cluster has a leader or the timeout
// passes.
func (s *Store) WaitForLeader(timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("no leader elected after %s", timeout)
		case <-tick.C:
			if s.raft.Leader() != "" {
				return nil
			}
		}
	}
}

// AddPeer adds a new peer to the cluster.
func (s *Store) AddPeer(peerID, peerAddr string) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	if err := s.raft.AddVoter(raft.ServerID(peerID), raft.ServerAddress(peerAddr), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to add peer %s: %w", peerID, err)
	}
	s.logger.Info("peer added", "id", peerID, "addr", peerAddr)
	return nil
}

// RemovePeer removes a peer from the cluster.
func (s *Store) RemovePeer(peerID string) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	if err := s.raft.RemoveServer(raft.ServerID(peerID), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to remove peer %s: %w", peerID, err)
	}
	s.logger.Info("peer removed", "id", peerID)
	return nil
}

// Shutdown gracefully shuts down the Raft instance.
func (s *Store) Shutdown() error {
	future := s.raft.Shutdown()
	return future.Error()
}
