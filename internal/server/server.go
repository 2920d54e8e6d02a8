// Package server binds the replicated ledger, the decryption oracle,
// and the disclosure pipeline behind one HTTP API. All mutating entry
// points run on the leader under a single mutex, so no two of them ever
// interleave; reads go straight to committed state.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/internal/ledger"
	"github.com/mundrapranay/umbra-ledger/internal/store"
)

// BlobStore is the presentation-layer persistence shim mounted on the
// blob endpoints. The ledger core never touches it.
type BlobStore interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// Config wires a Server's collaborators.
type Config struct {
	Store    *store.Store
	Oracle   crypto.Oracle
	Reporter *DisclosureReporter
	Blobs    BlobStore
	Logger   hclog.Logger
}

// Server orchestrates the confidential review ledger.
type Server struct {
	store    *store.Store
	oracle   crypto.Oracle
	events   *Hub
	reporter *DisclosureReporter
	blobs    BlobStore
	logger   hclog.Logger

	// Serializes all mutating entry points (submit, reveal requests,
	// callbacks, admin changes). Reads do not take it.
	mu sync.Mutex
}

// NewServer creates a server instance.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		store:    cfg.Store,
		oracle:   cfg.Oracle,
		events:   NewHub(),
		reporter: cfg.Reporter,
		blobs:    cfg.Blobs,
		logger:   logger.Named("server"),
	}
}

// Events returns the server's event hub.
func (s *Server) Events() *Hub {
	return s.events
}

// Submit appends one encrypted record and returns its id.
func (s *Server) Submit(tag, body, embedding ledger.Handle) (uint64, error) {
	if !s.store.IsLeader() {
		return ledger.NoRecord, store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.submitLocked(tag, body, embedding)
}

func (s *Server) submitLocked(tag, body, embedding ledger.Handle) (uint64, error) {
	id, err := s.store.Submit(store.SubmitArgs{
		SubmitterTag: tag,
		Body:         body,
		Embedding:    embedding,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return ledger.NoRecord, err
	}

	event := newEvent(EventSubmitted)
	event.RecordID = id
	s.events.Publish(event)

	s.logger.Info("record submitted", "record_id", id)
	return id, nil
}

// SubmitBatch appends a sequence of encrypted records in order. The
// three handle lists must have equal length and every handle must be
// present; ids are assigned in list order.
func (s *Server) SubmitBatch(tags, bodies, embeddings []ledger.Handle) ([]uint64, error) {
	if !s.store.IsLeader() {
		return nil, store.ErrNotLeader
	}
	if len(tags) != len(bodies) || len(bodies) != len(embeddings) {
		return nil, fmt.Errorf("batch handle lists have unequal lengths %d/%d/%d: %w",
			len(tags), len(bodies), len(embeddings), ledger.ErrInvalidArgument)
	}
	for i := range tags {
		if len(tags[i]) == 0 || len(bodies[i]) == 0 || len(embeddings[i]) == 0 {
			return nil, fmt.Errorf("batch entry %d has an empty handle: %w", i, ledger.ErrInvalidArgument)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(tags))
	for i := range tags {
		id, err := s.submitLocked(tags[i], bodies[i], embeddings[i])
		if err != nil {
			return ids, fmt.Errorf("batch entry %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RequestReveal asks the oracle to decrypt a record's three handles and
// registers the pending request. The cleartext arrives later through
// HandleRecordCallback.
func (s *Server) RequestReveal(recordID uint64) (uint64, error) {
	if !s.store.IsLeader() {
		return 0, store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var record ledger.EncryptedRecord
	err := s.store.View(func(st *ledger.State) error {
		rec, err := st.RecordByID(recordID)
		if err != nil {
			return err
		}
		rev, err := st.RevealedRecordByID(recordID)
		if err != nil {
			return err
		}
		if rev.Revealed {
			return fmt.Errorf("record %d is already revealed: %w", recordID, ledger.ErrDuplicateReveal)
		}
		record = rec
		return nil
	})
	if err != nil {
		return 0, err
	}

	requestID, err := s.oracle.RequestDecryption([]ledger.Handle{
		record.SubmitterTag,
		record.Body,
		record.Embedding,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to request decryption: %w", err)
	}

	if err := s.store.RegisterRecordRequest(store.RecordRequestArgs{
		RecordID:  recordID,
		RequestID: requestID,
	}); err != nil {
		s.logger.Warn("oracle request issued but not registered",
			"record_id", recordID, "request_id", requestID, "error", err)
		return 0, err
	}

	event := newEvent(EventRevealRequested)
	event.RecordID = recordID
	event.RequestID = requestID
	s.events.Publish(event)

	s.logger.Info("reveal requested", "record_id", recordID, "request_id", requestID)
	return requestID, nil
}

// HandleRecordCallback processes a decryption callback for a record
// request: proof first, then payload shape, then the single replicated
// reveal. Any failure leaves the ledger untouched and the request
// pending, so the oracle may redeliver.
func (s *Server) HandleRecordCallback(cb crypto.Callback) (uint64, error) {
	if !s.store.IsLeader() {
		return ledger.NoRecord, store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending ledger.PendingRequest
	err := s.store.View(func(st *ledger.State) error {
		p, ok := st.Pending[cb.RequestID]
		if !ok || p.Kind != ledger.RequestRecord {
			return fmt.Errorf("record callback for request %d: %w", cb.RequestID, ledger.ErrNotFound)
		}
		pending = *p
		return nil
	})
	if err != nil {
		return ledger.NoRecord, err
	}

	if !s.oracle.VerifyProof(cb.RequestID, cb.Cleartext, cb.Proof) {
		s.logger.Warn("callback proof rejected", "request_id", cb.RequestID)
		return ledger.NoRecord, fmt.Errorf("callback for request %d: %w", cb.RequestID, ledger.ErrProofVerification)
	}

	payload, err := ledger.DecodePayload(cb.Cleartext)
	if err != nil {
		return ledger.NoRecord, err
	}

	// Resolve the fold inputs against committed state. The handles are
	// computed here, before proposing, so the replicated command is
	// deterministic.
	hash := ledger.DepartmentHash(payload.Department)
	var record ledger.EncryptedRecord
	var base ledger.Handle
	newDepartment := false
	err = s.store.View(func(st *ledger.State) error {
		rec, err := st.RecordByID(pending.RecordID)
		if err != nil {
			return err
		}
		record = rec
		if agg, ok := st.Aggregates[hash]; ok {
			base = append(ledger.Handle(nil), agg.Handle...)
		} else {
			newDepartment = true
		}
		return nil
	})
	if err != nil {
		return ledger.NoRecord, err
	}

	var zero ledger.Handle
	if newDepartment {
		zero, err = s.oracle.EncryptedZero()
		if err != nil {
			return ledger.NoRecord, fmt.Errorf("failed to mint aggregate seed: %w", err)
		}
		base = zero
	}
	folded, err := s.oracle.AddEncrypted(base, record.Embedding)
	if err != nil {
		return ledger.NoRecord, fmt.Errorf("failed to fold embedding: %w", err)
	}

	recordID, err := s.store.ApplyRecordReveal(ledger.RevealArgs{
		RequestID: cb.RequestID,
		Payload:   payload,
		Folded:    folded,
		Zero:      zero,
	})
	if err != nil {
		return ledger.NoRecord, err
	}

	revealed := newEvent(EventRevealed)
	revealed.RecordID = recordID
	s.events.Publish(revealed)

	aggregated := newEvent(EventDepartmentAggregated)
	aggregated.DepartmentHash = hash
	s.events.Publish(aggregated)

	s.logger.Info("record revealed", "record_id", recordID, "request_id", cb.RequestID)
	return recordID, nil
}

// pendingKind resolves what a pending request targets, for callback
// dispatch.
func (s *Server) pendingKind(requestID uint64) (ledger.RequestKind, error) {
	var kind ledger.RequestKind
	err := s.store.View(func(st *ledger.State) error {
		p, ok := st.Pending[requestID]
		if !ok {
			return fmt.Errorf("callback for request %d: %w", requestID, ledger.ErrNotFound)
		}
		kind = p.Kind
		return nil
	})
	return kind, err
}

// HandleCallback dispatches a decryption result by its pending request's
// kind. Embedded oracle sinks deliver through here; the HTTP callback
// endpoint does the same for daemons.
func (s *Server) HandleCallback(cb crypto.Callback) error {
	kind, err := s.pendingKind(cb.RequestID)
	if err != nil {
		return err
	}
	if kind == ledger.RequestDepartment {
		_, err := s.HandleDepartmentCallback(cb)
		return err
	}
	_, err = s.HandleRecordCallback(cb)
	return err
}

// RequestAggregateReveal asks the oracle to decrypt a department's
// aggregate sum. Admin only; the value arrives later through
// HandleDepartmentCallback.
func (s *Server) RequestAggregateReveal(caller, label string) (uint64, error) {
	if !s.store.IsLeader() {
		return 0, store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var aggregate ledger.DepartmentAggregate
	err := s.store.View(func(st *ledger.State) error {
		if !st.IsAdmin(caller) {
			return fmt.Errorf("caller %q is not the admin: %w", caller, ledger.ErrNotAuthorized)
		}
		agg, err := st.AggregateByLabel(label)
		if err != nil {
			return err
		}
		aggregate = agg
		return nil
	})
	if err != nil {
		return 0, err
	}

	requestID, err := s.oracle.RequestDecryption([]ledger.Handle{aggregate.Handle})
	if err != nil {
		return 0, fmt.Errorf("failed to request decryption: %w", err)
	}

	if err := s.store.RegisterAggregateRequest(store.AggregateRequestArgs{
		DepartmentHash: aggregate.Hash,
		RequestID:      requestID,
	}); err != nil {
		s.logger.Warn("oracle request issued but not registered",
			"department", aggregate.Hash, "request_id", requestID, "error", err)
		return 0, err
	}

	event := newEvent(EventAggregateRevealRequest)
	event.DepartmentHash = aggregate.Hash
	event.RequestID = requestID
	s.events.Publish(event)

	s.logger.Info("aggregate reveal requested", "department", aggregate.Hash, "request_id", requestID)
	return requestID, nil
}

// HandleDepartmentCallback processes a decryption callback for an
// aggregate request: verify, decode the single decimal value, consume
// the request, then publish the noised disclosure.
func (s *Server) HandleDepartmentCallback(cb crypto.Callback) (Disclosure, error) {
	if !s.store.IsLeader() {
		return Disclosure{}, store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.View(func(st *ledger.State) error {
		p, ok := st.Pending[cb.RequestID]
		if !ok || p.Kind != ledger.RequestDepartment {
			return fmt.Errorf("department callback for request %d: %w", cb.RequestID, ledger.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return Disclosure{}, err
	}

	if !s.oracle.VerifyProof(cb.RequestID, cb.Cleartext, cb.Proof) {
		s.logger.Warn("callback proof rejected", "request_id", cb.RequestID)
		return Disclosure{}, fmt.Errorf("callback for request %d: %w", cb.RequestID, ledger.ErrProofVerification)
	}

	value, err := ledger.DecodeAggregateValue(cb.Cleartext)
	if err != nil {
		return Disclosure{}, err
	}

	hash, err := s.store.ConsumeAggregateRequest(store.ConsumeRequestArgs{RequestID: cb.RequestID})
	if err != nil {
		return Disclosure{}, err
	}

	disclosure, err := s.reporter.Disclose(hash, value)
	if err != nil {
		// The request is consumed; the admin can issue a fresh one.
		return Disclosure{}, fmt.Errorf("failed to noise disclosure for %s: %w", hash, err)
	}

	event := newEvent(EventAggregateDisclosed)
	event.DepartmentHash = hash
	s.events.Publish(event)

	return disclosure, nil
}

// SetAdmin assigns the admin role. The first assignment on a fresh
// ledger is open; afterwards only the current admin may rotate it.
func (s *Server) SetAdmin(caller, admin string) error {
	if !s.store.IsLeader() {
		return store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetAdmin(store.SetAdminArgs{Caller: caller, Admin: admin}); err != nil {
		return err
	}
	s.logger.Info("admin assigned", "admin", admin)
	return nil
}

// AddPeer joins a node to the raft cluster. Admin only.
func (s *Server) AddPeer(caller, nodeID, addr string) error {
	if !s.store.IsLeader() {
		return store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	return s.store.AddPeer(nodeID, addr)
}

// RemovePeer removes a node from the raft cluster. Admin only.
func (s *Server) RemovePeer(caller, nodeID string) error {
	if !s.store.IsLeader() {
		return store.ErrNotLeader
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	return s.store.RemovePeer(nodeID)
}

func (s *Server) requireAdmin(caller string) error {
	return s.store.View(func(st *ledger.State) error {
		if !st.IsAdmin(caller) {
			return fmt.Errorf("caller %q is not the admin: %w", caller, ledger.ErrNotAuthorized)
		}
		return nil
	})
}

// RevealedRecord returns a record's disclosure view.
func (s *Server) RevealedRecord(id uint64) (ledger.RevealedRecord, error) {
	var record ledger.RevealedRecord
	err := s.store.View(func(st *ledger.State) error {
		rev, err := st.RevealedRecordByID(id)
		if err != nil {
			return err
		}
		record = rev
		return nil
	})
	return record, err
}

// Departments lists known department labels in first-seen order.
func (s *Server) Departments() ([]string, error) {
	var labels []string
	err := s.store.View(func(st *ledger.State) error {
		labels = st.ListDepartments()
		return nil
	})
	return labels, err
}

// Aggregate returns a department's encrypted aggregate.
func (s *Server) Aggregate(label string) (ledger.DepartmentAggregate, error) {
	var aggregate ledger.DepartmentAggregate
	err := s.store.View(func(st *ledger.State) error {
		agg, err := st.AggregateByLabel(label)
		if err != nil {
			return err
		}
		aggregate = agg
		return nil
	})
	return aggregate, err
}

// LatestDisclosure returns the most recent noised value published for a
// department. Admin only.
func (s *Server) LatestDisclosure(caller, label string) (Disclosure, error) {
	if err := s.requireAdmin(caller); err != nil {
		return Disclosure{}, err
	}

	aggregate, err := s.Aggregate(label)
	if err != nil {
		return Disclosure{}, err
	}
	disclosure, ok := s.reporter.Latest(aggregate.Hash)
	if !ok {
		return Disclosure{}, fmt.Errorf("no disclosure recorded for %q: %w", label, ledger.ErrNotFound)
	}
	return disclosure, nil
}

// Status describes the node and its ledger counters.
type Status struct {
	IsLeader    bool   `json:"is_leader"`
	Leader      string `json:"leader"`
	Records     int    `json:"records"`
	Revealed    int    `json:"revealed"`
	Pending     int    `json:"pending"`
	Departments int    `json:"departments"`
	Subscribers int    `json:"subscribers"`
	Mechanism   string `json:"mechanism"`
}

// Status reports node role and ledger counters.
func (s *Server) Status() (Status, error) {
	status := Status{
		IsLeader:    s.store.IsLeader(),
		Leader:      s.store.Leader(),
		Subscribers: s.events.SubscriberCount(),
		Mechanism:   s.reporter.MechanismName(),
	}
	err := s.store.View(func(st *ledger.State) error {
		status.Records, status.Revealed, status.Pending, status.Departments = st.Counts()
		return nil
	})
	return status, err
}
