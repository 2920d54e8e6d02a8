package server

import (
	"errors"
	"testing"
	"time"

	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/internal/ledger"
	"github.com/mundrapranay/umbra-ledger/internal/noise"
	"github.com/mundrapranay/umbra-ledger/internal/store"
)

const testProofKey = "server-test-proof-key"

// setupTestServer builds a single-node ledger with an embedded oracle.
// No callback sink is wired; tests deliver callbacks explicitly so the
// ordering stays under their control.
func setupTestServer(t *testing.T) (*Server, *crypto.LocalOracle) {
	t.Helper()

	st, err := store.NewStore(store.Config{
		NodeID:           "test-node",
		ListenAddr:       "127.0.0.1:0",
		DataDir:          t.TempDir(),
		Bootstrap:        true,
		HeartbeatTimeout: 500 * time.Millisecond,
		ElectionTimeout:  500 * time.Millisecond,
		CommitTimeout:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Shutdown() })

	if err := st.WaitForLeader(10 * time.Second); err != nil {
		t.Fatalf("Failed to elect leader: %v", err)
	}

	key, err := crypto.GeneratePaillierKey(512)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	oracle := crypto.NewLocalOracle(key, []byte(testProofKey), nil)

	mechanism, err := noise.New(noise.MechanismNone, 0)
	if err != nil {
		t.Fatalf("Failed to build noise mechanism: %v", err)
	}

	srv := NewServer(Config{
		Store:    st,
		Oracle:   oracle,
		Reporter: NewDisclosureReporter(mechanism, nil),
	})
	return srv, oracle
}

// submitReview encrypts a review through the oracle and submits its
// handles to the ledger.
func submitReview(t *testing.T, srv *Server, oracle *crypto.LocalOracle, review crypto.Review) uint64 {
	t.Helper()

	encrypted, err := oracle.Encrypt(review)
	if err != nil {
		t.Fatalf("Failed to encrypt review: %v", err)
	}
	id, err := srv.Submit(encrypted.SubmitterTag, encrypted.Body, encrypted.Embedding)
	if err != nil {
		t.Fatalf("Failed to submit record: %v", err)
	}
	return id
}

// revealRecord drives a record through the full reveal round trip.
func revealRecord(t *testing.T, srv *Server, oracle *crypto.LocalOracle, recordID uint64) {
	t.Helper()

	requestID, err := srv.RequestReveal(recordID)
	if err != nil {
		t.Fatalf("Failed to request reveal of record %d: %v", recordID, err)
	}
	cb, err := oracle.BuildCallback(requestID)
	if err != nil {
		t.Fatalf("Failed to build callback: %v", err)
	}
	revealed, err := srv.HandleRecordCallback(cb)
	if err != nil {
		t.Fatalf("Failed to handle record callback: %v", err)
	}
	if revealed != recordID {
		t.Fatalf("Callback revealed record %d, want %d", revealed, recordID)
	}
}

func TestServer_SubmitRevealDisclose(t *testing.T) {
	srv, oracle := setupTestServer(t)

	id := submitReview(t, srv, oracle, crypto.Review{
		SubmitterTag: "alice-7f3a",
		Body:         "great quarter for the team",
		Department:   "engineering",
		Score:        5,
	})
	if id != 1 {
		t.Errorf("Expected first record id 1, got %d", id)
	}

	record, err := srv.RevealedRecord(id)
	if err != nil {
		t.Fatalf("Failed to read record: %v", err)
	}
	if record.Revealed {
		t.Error("Record revealed before any callback")
	}

	revealRecord(t, srv, oracle, id)

	record, err = srv.RevealedRecord(id)
	if err != nil {
		t.Fatalf("Failed to read revealed record: %v", err)
	}
	if !record.Revealed {
		t.Fatal("Record not marked revealed")
	}
	if record.SubmitterTag != "alice-7f3a" {
		t.Errorf("Expected submitter alice-7f3a, got %q", record.SubmitterTag)
	}
	if record.Body != "great quarter for the team" {
		t.Errorf("Unexpected body %q", record.Body)
	}
	if record.Department != "engineering" {
		t.Errorf("Expected department engineering, got %q", record.Department)
	}

	departments, err := srv.Departments()
	if err != nil {
		t.Fatalf("Failed to list departments: %v", err)
	}
	if len(departments) != 1 || departments[0] != "engineering" {
		t.Errorf("Expected departments [engineering], got %v", departments)
	}

	aggregate, err := srv.Aggregate("engineering")
	if err != nil {
		t.Fatalf("Failed to read aggregate: %v", err)
	}
	if aggregate.FoldCount != 1 {
		t.Errorf("Expected fold count 1, got %d", aggregate.FoldCount)
	}
	if len(aggregate.Handle) == 0 {
		t.Error("Aggregate handle is empty")
	}

	// Bootstrap the admin, then disclose the aggregate.
	if err := srv.SetAdmin("", "hr-lead"); err != nil {
		t.Fatalf("Failed to bootstrap admin: %v", err)
	}
	requestID, err := srv.RequestAggregateReveal("hr-lead", "engineering")
	if err != nil {
		t.Fatalf("Failed to request aggregate reveal: %v", err)
	}
	cb, err := oracle.BuildCallback(requestID)
	if err != nil {
		t.Fatalf("Failed to build aggregate callback: %v", err)
	}
	disclosure, err := srv.HandleDepartmentCallback(cb)
	if err != nil {
		t.Fatalf("Failed to handle department callback: %v", err)
	}
	if disclosure.Value != 5 {
		t.Errorf("Expected disclosed sum 5, got %d", disclosure.Value)
	}
	if disclosure.DepartmentHash != ledger.DepartmentHash("engineering") {
		t.Errorf("Disclosure addressed %s, want hash of engineering", disclosure.DepartmentHash)
	}

	latest, err := srv.LatestDisclosure("hr-lead", "engineering")
	if err != nil {
		t.Fatalf("Failed to read latest disclosure: %v", err)
	}
	if latest.Value != disclosure.Value {
		t.Errorf("Latest disclosure %d does not match published %d", latest.Value, disclosure.Value)
	}

	status, err := srv.Status()
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if status.Records != 1 || status.Revealed != 1 || status.Pending != 0 || status.Departments != 1 {
		t.Errorf("Unexpected status counters: %+v", status)
	}

	t.Log("✅ Full submit, reveal and disclosure lifecycle committed")
}

func TestServer_FoldsSameDepartment(t *testing.T) {
	srv, oracle := setupTestServer(t)

	first := submitReview(t, srv, oracle, crypto.Review{
		SubmitterTag: "bob-11c2",
		Body:         "strong pipeline",
		Department:   "sales",
		Score:        4,
	})
	second := submitReview(t, srv, oracle, crypto.Review{
		SubmitterTag: "carol-90ee",
		Body:         "closed the big account",
		Department:   "sales",
		Score:        7,
	})

	revealRecord(t, srv, oracle, first)
	revealRecord(t, srv, oracle, second)

	aggregate, err := srv.Aggregate("sales")
	if err != nil {
		t.Fatalf("Failed to read aggregate: %v", err)
	}
	if aggregate.FoldCount != 2 {
		t.Errorf("Expected fold count 2, got %d", aggregate.FoldCount)
	}

	if err := srv.SetAdmin("", "hr-lead"); err != nil {
		t.Fatalf("Failed to bootstrap admin: %v", err)
	}
	requestID, err := srv.RequestAggregateReveal("hr-lead", "sales")
	if err != nil {
		t.Fatalf("Failed to request aggregate reveal: %v", err)
	}
	cb, err := oracle.BuildCallback(requestID)
	if err != nil {
		t.Fatalf("Failed to build callback: %v", err)
	}
	disclosure, err := srv.HandleDepartmentCallback(cb)
	if err != nil {
		t.Fatalf("Failed to handle department callback: %v", err)
	}
	if disclosure.Value != 11 {
		t.Errorf("Expected disclosed sum 11, got %d", disclosure.Value)
	}

	t.Log("✅ Two reveals folded into one department aggregate")
}

func TestServer_DepartmentsKeepFirstSeenOrder(t *testing.T) {
	srv, oracle := setupTestServer(t)

	for _, review := range []crypto.Review{
		{SubmitterTag: "a", Body: "b", Department: "support", Score: 1},
		{SubmitterTag: "c", Body: "d", Department: "design", Score: 2},
		{SubmitterTag: "e", Body: "f", Department: "support", Score: 3},
	} {
		id := submitReview(t, srv, oracle, review)
		revealRecord(t, srv, oracle, id)
	}

	departments, err := srv.Departments()
	if err != nil {
		t.Fatalf("Failed to list departments: %v", err)
	}
	if len(departments) != 2 || departments[0] != "support" || departments[1] != "design" {
		t.Errorf("Expected [support design], got %v", departments)
	}
}

func TestServer_SubmitBatch(t *testing.T) {
	srv, oracle := setupTestServer(t)

	var tags, bodies, embeddings []ledger.Handle
	for _, review := range []crypto.Review{
		{SubmitterTag: "a", Body: "first", Department: "engineering", Score: 1},
		{SubmitterTag: "b", Body: "second", Department: "sales", Score: 2},
		{SubmitterTag: "c", Body: "third", Department: "engineering", Score: 3},
	} {
		encrypted, err := oracle.Encrypt(review)
		if err != nil {
			t.Fatalf("Failed to encrypt review: %v", err)
		}
		tags = append(tags, encrypted.SubmitterTag)
		bodies = append(bodies, encrypted.Body)
		embeddings = append(embeddings, encrypted.Embedding)
	}

	ids, err := srv.SubmitBatch(tags, bodies, embeddings)
	if err != nil {
		t.Fatalf("Failed to submit batch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 ids, got %v", ids)
	}
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Errorf("Expected id %d at position %d, got %d", i+1, i, id)
		}
	}

	// Unequal handle lists are rejected before anything is stored.
	_, err = srv.SubmitBatch(tags[:2], bodies, embeddings)
	if !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for unequal lists, got %v", err)
	}

	// An empty handle anywhere rejects the whole batch.
	_, err = srv.SubmitBatch(
		[]ledger.Handle{tags[0], nil},
		[]ledger.Handle{bodies[0], bodies[1]},
		[]ledger.Handle{embeddings[0], embeddings[1]},
	)
	if !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for empty handle, got %v", err)
	}

	status, err := srv.Status()
	if err != nil {
		t.Fatalf("Failed to read status: %v", err)
	}
	if status.Records != 3 {
		t.Errorf("Rejected batches must not store records, have %d", status.Records)
	}

	t.Log("✅ Batch submission assigns ids in order and validates atomically")
}

func TestServer_AsyncCallbackDelivery(t *testing.T) {
	srv, oracle := setupTestServer(t)

	// Wire the oracle sink the way a deployment does: callbacks arrive
	// on their own goroutine.
	oracle.SetSink(func(cb crypto.Callback) {
		if _, err := srv.HandleRecordCallback(cb); err != nil {
			t.Errorf("Async callback failed: %v", err)
		}
	})

	id := submitReview(t, srv, oracle, crypto.Review{
		SubmitterTag: "dave-0042",
		Body:         "shipped on time",
		Department:   "platform",
		Score:        3,
	})
	if _, err := srv.RequestReveal(id); err != nil {
		t.Fatalf("Failed to request reveal: %v", err)
	}

	timeout := time.After(5 * time.Second)
	tick := time.Tick(50 * time.Millisecond)
	for {
		select {
		case <-timeout:
			t.Fatal("Record was not revealed within 5 seconds")
		case <-tick:
			record, err := srv.RevealedRecord(id)
			if err != nil {
				t.Fatalf("Failed to read record: %v", err)
			}
			if record.Revealed {
				if record.Department != "platform" {
					t.Errorf("Expected department platform, got %q", record.Department)
				}
				t.Log("✅ Asynchronous callback revealed the record")
				return
			}
		}
	}
}

func TestServer_RequestRevealValidation(t *testing.T) {
	srv, oracle := setupTestServer(t)

	_, err := srv.RequestReveal(999)
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown record, got %v", err)
	}

	id := submitReview(t, srv, oracle, crypto.Review{
		SubmitterTag: "erin-77aa",
		Body:         "solid mentorship",
		Department:   "engineering",
		Score:        4,
	})
	revealRecord(t, srv, oracle, id)

	_, err = srv.RequestReveal(id)
	if !errors.Is(err, ledger.ErrDuplicateReveal) {
		t.Errorf("Expected ErrDuplicateReveal for revealed record, got %v", err)
	}
}

func TestServer_EventsPublished(t *testing.T) {
	srv, oracle := setupTestServer(t)

	subID, events := srv.Events().Subscribe()
	defer srv.Events().Unsubscribe(subID)

	id := submitReview(t, srv, oracle, crypto.Review{
		SubmitterTag: "frank-3b1c",
		Body:         "great retro facilitation",
		Department:   "engineering",
		Score:        2,
	})
	revealRecord(t, srv, oracle, id)

	want := []string{EventSubmitted, EventRevealRequested, EventRevealed, EventDepartmentAggregated}
	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case event := <-events:
			got = append(got, event.Type)
			if event.DepartmentHash == "engineering" {
				t.Error("Event leaked a raw department label")
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for events, have %v", got)
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected event sequence %v, got %v", want, got)
		}
	}

	t.Log("✅ Lifecycle events published in order without cleartext")
}
