package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

// setupClusterNode creates a single node in a cluster
func setupClusterNode(t *testing.T, nodeID, listenAddr, dataDir string, bootstrap bool) *Store {
	// Create data directory
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatalf("Failed to create data directory: %v", err)
	}

	config := Config{
		NodeID:           nodeID,
		ListenAddr:       listenAddr,
		DataDir:          dataDir,
		Bootstrap:        bootstrap,
		HeartbeatTimeout: 500 * time.Millisecond,
		ElectionTimeout:  500 * time.Millisecond,
		CommitTimeout:    50 * time.Millisecond,
	}

	store, err := NewStore(config)
	if err != nil {
		t.Fatalf("Failed to create store for %s: %v", nodeID, err)
	}

	return store
}

// waitForLeadership waits for a node to become leader
func waitForLeadership(t *testing.T, store *Store, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	tick := time.Tick(100 * time.Millisecond)

	for !store.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for leadership")
		}
		<-tick
	}
}

// submitRecord commits one encrypted record through the leader.
func submitRecord(t *testing.T, leader *Store, seed string) uint64 {
	t.Helper()
	id, err := leader.Submit(SubmitArgs{
		SubmitterTag: ledger.Handle("tag-" + seed),
		Body:         ledger.Handle("body-" + seed),
		Embedding:    ledger.Handle("emb-" + seed),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return id
}

// waitForRecord polls a node until the record is visible in its local state.
func waitForRecord(t *testing.T, node *Store, id uint64, timeout time.Duration) ledger.EncryptedRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	tick := time.Tick(100 * time.Millisecond)

	for {
		var rec ledger.EncryptedRecord
		err := node.View(func(s *ledger.State) error {
			r, err := s.RecordByID(id)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
		if err == nil {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for record %d to replicate: %v", id, err)
		}
		<-tick
	}
}

func TestMultiNodeCluster_Formation(t *testing.T) {
	tmpDir := t.TempDir()

	// Setup first node (bootstrap)
	node1Dir := filepath.Join(tmpDir, "node1")
	node1 := setupClusterNode(t, "node1", "127.0.0.1:10001", node1Dir, true)
	defer node1.Shutdown()

	waitForLeadership(t, node1, 5*time.Second)

	// Verify node1 is leader
	if !node1.IsLeader() {
		t.Fatal("Node1 should be leader in single-node cluster")
	}

	t.Log("✅ Single-node cluster formed successfully")
}

func TestMultiNodeCluster_TwoNodes(t *testing.T) {
	tmpDir := t.TempDir()

	// Setup first node (bootstrap)
	node1Dir := filepath.Join(tmpDir, "node1")
	node1 := setupClusterNode(t, "node1", "127.0.0.1:10002", node1Dir, true)
	defer node1.Shutdown()

	waitForLeadership(t, node1, 5*time.Second)

	// Setup second node (join)
	node2Dir := filepath.Join(tmpDir, "node2")
	node2 := setupClusterNode(t, "node2", "127.0.0.1:10003", node2Dir, false)
	defer node2.Shutdown()

	// Add node2 to cluster via node1
	err := node1.AddPeer("node2", "127.0.0.1:10003")
	if err != nil {
		t.Fatalf("Failed to add node2 to cluster: %v", err)
	}

	// Wait a bit for cluster formation
	time.Sleep(2 * time.Second)

	// Verify node1 is still leader (or one of them is leader)
	if !node1.IsLeader() && !node2.IsLeader() {
		t.Fatal("One of the nodes should be leader")
	}

	leader := node1
	if node2.IsLeader() {
		leader = node2
	}

	t.Logf("✅ Two-node cluster formed successfully. Leader: %s", leader.raft.State())
}

func TestMultiNodeCluster_Replication(t *testing.T) {
	tmpDir := t.TempDir()

	// Setup bootstrap node
	node1Dir := filepath.Join(tmpDir, "node1")
	node1 := setupClusterNode(t, "node1", "127.0.0.1:10004", node1Dir, true)
	defer node1.Shutdown()

	waitForLeadership(t, node1, 5*time.Second)

	// Setup and join second node
	node2Dir := filepath.Join(tmpDir, "node2")
	node2 := setupClusterNode(t, "node2", "127.0.0.1:10005", node2Dir, false)
	defer node2.Shutdown()

	if err := node1.AddPeer("node2", "127.0.0.1:10005"); err != nil {
		t.Fatalf("Failed to add node2 to cluster: %v", err)
	}

	// Commit a record and a reveal on the leader
	id := submitRecord(t, node1, "r1")
	if err := node1.RegisterRecordRequest(RecordRequestArgs{RecordID: id, RequestID: 1}); err != nil {
		t.Fatalf("RegisterRecordRequest failed: %v", err)
	}
	if _, err := node1.ApplyRecordReveal(ledger.RevealArgs{
		RequestID: 1,
		Payload:   ledger.Payload{SubmitterTag: "alice", Body: "good work", Department: "engineering"},
		Folded:    ledger.Handle("sum-1"),
		Zero:      ledger.Handle("zero-1"),
	}); err != nil {
		t.Fatalf("ApplyRecordReveal failed: %v", err)
	}

	// Verify the record replicated to the follower
	rec := waitForRecord(t, node2, id, 5*time.Second)
	if string(rec.Body) != "body-r1" {
		t.Fatalf("Follower replicated wrong body handle: %q", rec.Body)
	}

	// The reveal and aggregate fold should be visible on the follower too
	deadline := time.Now().Add(5 * time.Second)
	for {
		var folds uint64
		err := node2.View(func(s *ledger.State) error {
			agg, err := s.AggregateByLabel("engineering")
			if err != nil {
				return err
			}
			folds = agg.FoldCount
			return nil
		})
		if err == nil && folds == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for aggregate to replicate: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Log("✅ Records and aggregate folds replicated to follower")
}

func TestMultiNodeCluster_FollowerRejectsWrites(t *testing.T) {
	tmpDir := t.TempDir()

	node1Dir := filepath.Join(tmpDir, "node1")
	node1 := setupClusterNode(t, "node1", "127.0.0.1:10006", node1Dir, true)
	defer node1.Shutdown()

	waitForLeadership(t, node1, 5*time.Second)

	node2Dir := filepath.Join(tmpDir, "node2")
	node2 := setupClusterNode(t, "node2", "127.0.0.1:10007", node2Dir, false)
	defer node2.Shutdown()

	if err := node1.AddPeer("node2", "127.0.0.1:10007"); err != nil {
		t.Fatalf("Failed to add node2 to cluster: %v", err)
	}
	time.Sleep(2 * time.Second)

	if node2.IsLeader() {
		t.Skip("Node2 took leadership; follower write check not applicable")
	}

	_, err := node2.Submit(SubmitArgs{
		SubmitterTag: ledger.Handle("tag"),
		Body:         ledger.Handle("body"),
		Embedding:    ledger.Handle("emb"),
		CreatedAt:    time.Now().UTC(),
	})
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("Follower should reject writes with ErrNotLeader, got %v", err)
	}

	t.Log("✅ Follower rejected write with ErrNotLeader")
}

func TestMultiNodeCluster_LeaderElection(t *testing.T) {
	tmpDir := t.TempDir()

	// Setup bootstrap node
	node1Dir := filepath.Join(tmpDir, "node1")
	node1 := setupClusterNode(t, "node1", "127.0.0.1:10008", node1Dir, true)
	defer node1.Shutdown()

	waitForLeadership(t, node1, 5*time.Second)

	// Verify leadership
	if !node1.IsLeader() {
		t.Fatal("Node1 should be leader")
	}

	leaderAddr := node1.Leader()
	if leaderAddr == "" {
		t.Fatal("Leader address should be set")
	}

	t.Logf("✅ Leader election successful. Leader: %s", leaderAddr)
}
