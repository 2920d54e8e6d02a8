package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

// Command op codes. Every mutating ledger entry point is exactly one op,
// so the whole transition commits or fails atomically.
const (
	OpSubmit                   = "SUBMIT"
	OpRegisterRecordRequest    = "REGISTER_RECORD_REQUEST"
	OpApplyRecordReveal        = "APPLY_RECORD_REVEAL"
	OpRegisterAggregateRequest = "REGISTER_AGGREGATE_REQUEST"
	OpConsumeAggregateRequest  = "CONSUME_AGGREGATE_REQUEST"
	OpSetAdmin                 = "SET_ADMIN"
)

// Command is the unit of replication. Exactly one payload pointer is set,
// matching Op. All nondeterministic inputs (timestamps, oracle handles)
// are resolved by the leader before the command is proposed, so replaying
// the log on any node produces identical state.
type Command struct {
	Op string `json:"op"`

	Submit           *SubmitArgs           `json:"submit,omitempty"`
	RecordRequest    *RecordRequestArgs    `json:"record_request,omitempty"`
	Reveal           *ledger.RevealArgs    `json:"reveal,omitempty"`
	AggregateRequest *AggregateRequestArgs `json:"aggregate_request,omitempty"`
	ConsumeRequest   *ConsumeRequestArgs   `json:"consume_request,omitempty"`
	Admin            *SetAdminArgs         `json:"admin,omitempty"`
}

type SubmitArgs struct {
	SubmitterTag ledger.Handle `json:"submitter_tag"`
	Body         ledger.Handle `json:"body"`
	Embedding    ledger.Handle `json:"embedding"`
	CreatedAt    time.Time     `json:"created_at"`
}

type RecordRequestArgs struct {
	RecordID  uint64 `json:"record_id"`
	RequestID uint64 `json:"request_id"`
}

type AggregateRequestArgs struct {
	DepartmentHash string `json:"department_hash"`
	RequestID      uint64 `json:"request_id"`
}

type ConsumeRequestArgs struct {
	RequestID uint64 `json:"request_id"`
}

type SetAdminArgs struct {
	Caller string `json:"caller"`
	Admin  string `json:"admin"`
}

// FSM applies committed commands to the ledger state. Raft serializes
// Apply calls; the mutex guards readers against the applier.
type FSM struct {
	mu    sync.RWMutex
	state *ledger.State
}

// NewFSM creates an FSM over an empty ledger.
func NewFSM() *FSM {
	return &FSM{state: ledger.NewState()}
}

// Apply runs one committed command against the ledger. The returned value
// is the op's result or an error; raft hands it back through the apply
// future on the proposing node.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to deserialize command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpSubmit:
		if cmd.Submit == nil {
			return fmt.Errorf("%s: missing payload", cmd.Op)
		}
		id, err := f.state.Submit(cmd.Submit.SubmitterTag, cmd.Submit.Body, cmd.Submit.Embedding, cmd.Submit.CreatedAt)
		if err != nil {
			return err
		}
		return id

	case OpRegisterRecordRequest:
		if cmd.RecordRequest == nil {
			return fmt.Errorf("%s: missing payload", cmd.Op)
		}
		if err := f.state.RegisterRecordRequest(cmd.RecordRequest.RecordID, cmd.RecordRequest.RequestID); err != nil {
			return err
		}
		return nil

	case OpApplyRecordReveal:
		if cmd.Reveal == nil {
			return fmt.Errorf("%s: missing payload", cmd.Op)
		}
		id, err := f.state.ApplyRecordReveal(*cmd.Reveal)
		if err != nil {
			return err
		}
		return id

	case OpRegisterAggregateRequest:
		if cmd.AggregateRequest == nil {
			return fmt.Errorf("%s: missing payload", cmd.Op)
		}
		if err := f.state.RegisterAggregateRequest(cmd.AggregateRequest.DepartmentHash, cmd.AggregateRequest.RequestID); err != nil {
			return err
		}
		return nil

	case OpConsumeAggregateRequest:
		if cmd.ConsumeRequest == nil {
			return fmt.Errorf("%s: missing payload", cmd.Op)
		}
		hash, err := f.state.ConsumeAggregateRequest(cmd.ConsumeRequest.RequestID)
		if err != nil {
			return err
		}
		return hash

	case OpSetAdmin:
		if cmd.Admin == nil {
			return fmt.Errorf("%s: missing payload", cmd.Op)
		}
		if err := f.state.SetAdmin(cmd.Admin.Caller, cmd.Admin.Admin); err != nil {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unrecognized command op: %s", cmd.Op)
	}
}

// View runs fn against the current ledger state under a read lock. fn
// must not retain or mutate the state.
func (f *FSM) View(fn func(*ledger.State) error) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fn(f.state)
}

// Snapshot clones the ledger to support log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &FSMSnapshot{state: f.state.Clone()}, nil
}

// Restore replaces the ledger from a snapshot stream.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := ledger.NewState()
	decoder := json.NewDecoder(rc)
	if err := decoder.Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	return nil
}

// FSMSnapshot is a point-in-time clone of the ledger state.
type FSMSnapshot struct {
	state *ledger.State
}

// Persist writes the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	encoder := json.NewEncoder(sink)
	if err := encoder.Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sink.Close()
}

// Release is called when the snapshot is no longer needed.
func (s *FSMSnapshot) Release() {}
