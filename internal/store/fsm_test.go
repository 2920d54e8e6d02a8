package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

func applyCommand(t *testing.T, fsm *FSM, cmd Command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Failed to marshal command: %v", err)
	}
	return fsm.Apply(&raft.Log{Data: data})
}

func applySubmit(t *testing.T, fsm *FSM, seed string) uint64 {
	t.Helper()
	result := applyCommand(t, fsm, Command{
		Op: OpSubmit,
		Submit: &SubmitArgs{
			SubmitterTag: ledger.Handle("tag-" + seed),
			Body:         ledger.Handle("body-" + seed),
			Embedding:    ledger.Handle("emb-" + seed),
			CreatedAt:    time.Now().UTC(),
		},
	})
	id, ok := result.(uint64)
	if !ok {
		t.Fatalf("Submit should return an id, got %T: %v", result, result)
	}
	return id
}

func TestNewFSM(t *testing.T) {
	fsm := NewFSM()
	if fsm == nil {
		t.Fatal("NewFSM returned nil")
	}
	if fsm.state == nil {
		t.Fatal("FSM state is nil")
	}
}

func TestFSM_Apply_Submit(t *testing.T) {
	fsm := NewFSM()

	id := applySubmit(t, fsm, "a")
	if id != 1 {
		t.Fatalf("First record should get id 1, got %d", id)
	}
	if applySubmit(t, fsm, "b") != 2 {
		t.Fatal("Second record should get id 2")
	}

	// Verify the record and its empty reveal slot exist.
	err := fsm.View(func(s *ledger.State) error {
		rec, err := s.RecordByID(1)
		if err != nil {
			return err
		}
		if string(rec.SubmitterTag) != "tag-a" {
			t.Fatalf("Stored handle wrong: %q", rec.SubmitterTag)
		}
		rev, err := s.RevealedRecordByID(1)
		if err != nil {
			return err
		}
		if rev.Revealed {
			t.Fatal("Fresh record should not be revealed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestFSM_Apply_RevealLifecycle(t *testing.T) {
	fsm := NewFSM()
	id := applySubmit(t, fsm, "a")

	result := applyCommand(t, fsm, Command{
		Op:            OpRegisterRecordRequest,
		RecordRequest: &RecordRequestArgs{RecordID: id, RequestID: 5},
	})
	if result != nil {
		t.Fatalf("RegisterRecordRequest returned %v", result)
	}

	result = applyCommand(t, fsm, Command{
		Op: OpApplyRecordReveal,
		Reveal: &ledger.RevealArgs{
			RequestID: 5,
			Payload:   ledger.Payload{SubmitterTag: "alice", Body: "good work", Department: "engineering"},
			Folded:    ledger.Handle("sum-1"),
			Zero:      ledger.Handle("zero-1"),
		},
	})
	revealed, ok := result.(uint64)
	if !ok {
		t.Fatalf("Reveal should return the record id, got %T: %v", result, result)
	}
	if revealed != id {
		t.Fatalf("Expected record %d, got %d", id, revealed)
	}

	err := fsm.View(func(s *ledger.State) error {
		rev, err := s.RevealedRecordByID(id)
		if err != nil {
			return err
		}
		if !rev.Revealed || rev.Department != "engineering" {
			t.Fatalf("Reveal not applied: %+v", rev)
		}
		agg, err := s.AggregateByLabel("engineering")
		if err != nil {
			return err
		}
		if agg.FoldCount != 1 {
			t.Fatalf("Expected one fold, got %d", agg.FoldCount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestFSM_Apply_ErrorsPassThrough(t *testing.T) {
	fsm := NewFSM()

	// A reveal for an unknown request must surface the ledger error.
	result := applyCommand(t, fsm, Command{
		Op: OpApplyRecordReveal,
		Reveal: &ledger.RevealArgs{
			RequestID: 99,
			Payload:   ledger.Payload{SubmitterTag: "a", Body: "b", Department: "c"},
			Folded:    ledger.Handle("sum"),
			Zero:      ledger.Handle("zero"),
		},
	})
	err, ok := result.(error)
	if !ok {
		t.Fatalf("Expected an error, got %T", result)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestFSM_Apply_InvalidOperation(t *testing.T) {
	fsm := NewFSM()

	result := applyCommand(t, fsm, Command{Op: "INVALID"})
	if result == nil {
		t.Fatal("Apply should return error for invalid operation")
	}
	err, ok := result.(error)
	if !ok {
		t.Fatal("Result should be an error")
	}
	if err.Error() != "unrecognized command op: INVALID" {
		t.Fatalf("Expected error message about invalid op, got: %v", err)
	}
}

func TestFSM_Apply_MissingPayload(t *testing.T) {
	fsm := NewFSM()

	result := applyCommand(t, fsm, Command{Op: OpSubmit})
	if _, ok := result.(error); !ok {
		t.Fatalf("Submit without payload should fail, got %T", result)
	}
}

func TestFSM_SnapshotRestore_RoundTrip(t *testing.T) {
	fsm := NewFSM()
	id := applySubmit(t, fsm, "a")
	applyCommand(t, fsm, Command{
		Op:            OpRegisterRecordRequest,
		RecordRequest: &RecordRequestArgs{RecordID: id, RequestID: 1},
	})
	applyCommand(t, fsm, Command{
		Op:    OpSetAdmin,
		Admin: &SetAdminArgs{Caller: "", Admin: "root"},
	})

	// Snapshot.
	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Failed to create snapshot: %v", err)
	}
	var buf bytes.Buffer
	sink := &mockSnapshotSink{buf: &buf}
	if err := snapshot.Persist(sink); err != nil {
		t.Fatalf("Failed to persist snapshot: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("Snapshot should have written data")
	}

	// Restore into a fresh FSM.
	restored := NewFSM()
	rc := &mockReadCloser{reader: bytes.NewReader(buf.Bytes())}
	if err := restored.Restore(rc); err != nil {
		t.Fatalf("Failed to restore snapshot: %v", err)
	}

	err = restored.View(func(s *ledger.State) error {
		if _, err := s.RecordByID(id); err != nil {
			t.Fatalf("Restored state missing record: %v", err)
		}
		if _, ok := s.Pending[1]; !ok {
			t.Fatal("Restored state missing pending request")
		}
		if !s.IsAdmin("root") {
			t.Fatal("Restored state missing admin")
		}
		if s.NextID != 2 {
			t.Fatalf("Restored sequence wrong: %d", s.NextID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	// The restored ledger keeps assigning fresh ids.
	if applySubmit(t, restored, "b") != 2 {
		t.Fatal("Restored FSM should continue the id sequence")
	}
}

// Helper types for testing

type mockSnapshotSink struct {
	buf *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (int, error) {
	return m.buf.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "test-snapshot"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}

type mockReadCloser struct {
	reader *bytes.Reader
}

func (m *mockReadCloser) Read(p []byte) (int, error) {
	return m.reader.Read(p)
}

func (m *mockReadCloser) Close() error {
	return nil
}
