// Package ledger holds the confidential review ledger's state: encrypted
// records, their reveal lifecycle, per-department encrypted aggregates and
// the pending decryption-request table. Everything here is a pure state
// transition so the state can be replicated and replayed deterministically.
// I/O, clocks and cryptography live in the layers around it; ciphertext
// handles pass through untouched.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Handle is an opaque reference to a ciphertext held by the decryption
// oracle. The ledger stores and forwards handles, never inspects them.
type Handle []byte

// Hex renders a handle for transport and logs.
func (h Handle) Hex() string { return hex.EncodeToString(h) }

// ParseHandle decodes the hex transport form of a handle.
func ParseHandle(s string) (Handle, error) {
	if s == "" {
		return nil, fmt.Errorf("empty handle: %w", ErrInvalidArgument)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("handle %q: %w", s, ErrInvalidArgument)
	}
	return Handle(b), nil
}

// NoRecord is the reserved id meaning "no record". Assigned ids start at 1.
const NoRecord uint64 = 0

// EncryptedRecord is a stored submission: three ciphertext handles plus
// bookkeeping. Immutable once stored.
type EncryptedRecord struct {
	ID           uint64    `json:"id"`
	SubmitterTag Handle    `json:"submitter_tag"`
	Body         Handle    `json:"body"`
	Embedding    Handle    `json:"embedding"`
	CreatedAt    time.Time `json:"created_at"`
}

// RevealedRecord carries a record's decoded cleartext once its decryption
// callback has been verified. Revealed flips false to true exactly once;
// the decoded fields never change afterwards.
type RevealedRecord struct {
	ID           uint64 `json:"id"`
	SubmitterTag string `json:"submitter_tag"`
	Body         string `json:"body"`
	Department   string `json:"department"`
	Revealed     bool   `json:"revealed"`
}

// DepartmentAggregate is the running encrypted sum of embedding scores
// revealed for one department. The handle always points at a live
// ciphertext: a fresh encrypted zero at creation, then each fold replaces
// it with the sum including the new contribution.
type DepartmentAggregate struct {
	Hash      string `json:"hash"`
	Label     string `json:"label"`
	Handle    Handle `json:"handle"`
	FoldCount uint64 `json:"fold_count"`
}

// RequestKind says what a pending decryption request targets.
type RequestKind string

const (
	RequestRecord     RequestKind = "record"
	RequestDepartment RequestKind = "department"
)

// PendingRequest correlates an oracle request id with its target. The
// entry is deleted the moment its callback is accepted; a consumed id is
// never actionable again.
type PendingRequest struct {
	RequestID      uint64      `json:"request_id"`
	Kind           RequestKind `json:"kind"`
	RecordID       uint64      `json:"record_id,omitempty"`
	DepartmentHash string      `json:"department_hash,omitempty"`
}

// DepartmentHash addresses a department by the SHA-256 hex digest of its
// label, keeping raw labels out of map keys and notifications.
func DepartmentHash(label string) string {
	sum := sha256.Sum256([]byte(label))
	return hex.EncodeToString(sum[:])
}

// State is the full ledger state. A single writer (the replicated apply
// loop) owns it; every method validates first and mutates only on success,
// so a failed call leaves the state untouched.
type State struct {
	NextID      uint64                          `json:"next_id"`
	Records     map[uint64]*EncryptedRecord     `json:"records"`
	Reveals     map[uint64]*RevealedRecord      `json:"reveals"`
	Aggregates  map[string]*DepartmentAggregate `json:"aggregates"`
	Departments []string                        `json:"departments"`
	Pending     map[uint64]*PendingRequest      `json:"pending"`
	Admin       string                          `json:"admin"`
}

// NewState returns an empty ledger with the id sequence at 1.
func NewState() *State {
	return &State{
		NextID:     1,
		Records:    make(map[uint64]*EncryptedRecord),
		Reveals:    make(map[uint64]*RevealedRecord),
		Aggregates: make(map[string]*DepartmentAggregate),
		Pending:    make(map[uint64]*PendingRequest),
	}
}

// Submit stores a new encrypted record together with its empty reveal slot
// and returns the assigned id. Ids are strictly increasing and never
// reused.
func (s *State) Submit(tag, body, embedding Handle, at time.Time) (uint64, error) {
	if len(tag) == 0 || len(body) == 0 || len(embedding) == 0 {
		return NoRecord, fmt.Errorf("submit: empty ciphertext handle: %w", ErrInvalidArgument)
	}
	id := s.NextID
	s.NextID++
	s.Records[id] = &EncryptedRecord{
		ID:           id,
		SubmitterTag: tag,
		Body:         body,
		Embedding:    embedding,
		CreatedAt:    at,
	}
	s.Reveals[id] = &RevealedRecord{ID: id}
	return id, nil
}

// RegisterRecordRequest parks a decryption request for a record. The
// record must exist and be unrevealed, and the request id must be unused.
func (s *State) RegisterRecordRequest(recordID, requestID uint64) error {
	rev := s.Reveals[recordID]
	if rev == nil {
		return fmt.Errorf("record %d: %w", recordID, ErrNotFound)
	}
	if rev.Revealed {
		return fmt.Errorf("record %d: %w", recordID, ErrDuplicateReveal)
	}
	if _, taken := s.Pending[requestID]; taken {
		return fmt.Errorf("request %d already pending: %w", requestID, ErrInvalidArgument)
	}
	s.Pending[requestID] = &PendingRequest{
		RequestID: requestID,
		Kind:      RequestRecord,
		RecordID:  recordID,
	}
	return nil
}

// RevealArgs carries everything a record reveal needs: the decoded payload
// plus precomputed aggregate handles, so applying it stays a pure
// transition. Folded is the department aggregate after this record's
// embedding has been folded in; Zero seeds the aggregate when the
// department is new.
type RevealArgs struct {
	RequestID uint64  `json:"request_id"`
	Payload   Payload `json:"payload"`
	Folded    Handle  `json:"folded"`
	Zero      Handle  `json:"zero,omitempty"`
}

// ApplyRecordReveal marks a record revealed with its decoded payload,
// consumes the pending request and folds the contribution into the
// department aggregate, creating aggregate and department entry on first
// sight. One atomic transition; returns the revealed record's id.
func (s *State) ApplyRecordReveal(args RevealArgs) (uint64, error) {
	p := s.Pending[args.RequestID]
	if p == nil || p.Kind != RequestRecord {
		return NoRecord, fmt.Errorf("request %d: %w", args.RequestID, ErrNotFound)
	}
	rev := s.Reveals[p.RecordID]
	if rev == nil {
		return NoRecord, fmt.Errorf("record %d: %w", p.RecordID, ErrNotFound)
	}
	if rev.Revealed {
		return NoRecord, fmt.Errorf("record %d: %w", p.RecordID, ErrDuplicateReveal)
	}
	if len(args.Folded) == 0 {
		return NoRecord, fmt.Errorf("reveal of record %d: empty folded handle: %w", p.RecordID, ErrInvalidArgument)
	}

	hash := DepartmentHash(args.Payload.Department)
	agg := s.Aggregates[hash]
	if agg == nil {
		if len(args.Zero) == 0 {
			return NoRecord, fmt.Errorf("new department %q without seed handle: %w", args.Payload.Department, ErrInvalidArgument)
		}
		agg = &DepartmentAggregate{Hash: hash, Label: args.Payload.Department, Handle: args.Zero}
		s.Aggregates[hash] = agg
		s.Departments = append(s.Departments, args.Payload.Department)
	}

	rev.SubmitterTag = args.Payload.SubmitterTag
	rev.Body = args.Payload.Body
	rev.Department = args.Payload.Department
	rev.Revealed = true
	delete(s.Pending, args.RequestID)

	agg.Handle = args.Folded
	agg.FoldCount++
	return p.RecordID, nil
}

// RegisterAggregateRequest parks a disclosure request for a department
// aggregate.
func (s *State) RegisterAggregateRequest(departmentHash string, requestID uint64) error {
	if _, ok := s.Aggregates[departmentHash]; !ok {
		return fmt.Errorf("department %s: %w", departmentHash, ErrUnknownDepartment)
	}
	if _, taken := s.Pending[requestID]; taken {
		return fmt.Errorf("request %d already pending: %w", requestID, ErrInvalidArgument)
	}
	s.Pending[requestID] = &PendingRequest{
		RequestID:      requestID,
		Kind:           RequestDepartment,
		DepartmentHash: departmentHash,
	}
	return nil
}

// ConsumeAggregateRequest consumes a department disclosure request and
// returns the department hash it targeted.
func (s *State) ConsumeAggregateRequest(requestID uint64) (string, error) {
	p := s.Pending[requestID]
	if p == nil || p.Kind != RequestDepartment {
		return "", fmt.Errorf("request %d: %w", requestID, ErrNotFound)
	}
	delete(s.Pending, requestID)
	return p.DepartmentHash, nil
}

// SetAdmin rotates the admin identity. An empty current admin accepts the
// first assignment so a fresh ledger can be bootstrapped.
func (s *State) SetAdmin(caller, admin string) error {
	if admin == "" {
		return fmt.Errorf("set admin: empty identity: %w", ErrInvalidArgument)
	}
	if s.Admin != "" && caller != s.Admin {
		return fmt.Errorf("set admin: caller %q: %w", caller, ErrNotAuthorized)
	}
	s.Admin = admin
	return nil
}

// IsAdmin reports whether caller is the current admin.
func (s *State) IsAdmin(caller string) bool {
	return s.Admin != "" && caller == s.Admin
}

// RecordByID returns the stored encrypted record.
func (s *State) RecordByID(id uint64) (EncryptedRecord, error) {
	rec := s.Records[id]
	if rec == nil {
		return EncryptedRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return *rec, nil
}

// RevealedRecordByID returns the reveal slot for id. An existing but
// unrevealed record comes back zero-valued with Revealed false; only an
// unknown id is an error.
func (s *State) RevealedRecordByID(id uint64) (RevealedRecord, error) {
	rev := s.Reveals[id]
	if rev == nil {
		return RevealedRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return *rev, nil
}

// AggregateByLabel returns the encrypted aggregate for a department label.
func (s *State) AggregateByLabel(label string) (DepartmentAggregate, error) {
	return s.AggregateByHash(DepartmentHash(label))
}

// AggregateByHash returns the encrypted aggregate for a department hash.
func (s *State) AggregateByHash(hash string) (DepartmentAggregate, error) {
	agg := s.Aggregates[hash]
	if agg == nil {
		return DepartmentAggregate{}, fmt.Errorf("department %s: %w", hash, ErrUnknownDepartment)
	}
	return *agg, nil
}

// ListDepartments returns the known labels in first-seen order.
func (s *State) ListDepartments() []string {
	out := make([]string, len(s.Departments))
	copy(out, s.Departments)
	return out
}

// Counts reports ledger sizes for status reporting.
func (s *State) Counts() (records, revealed, pending, departments int) {
	records = len(s.Records)
	for _, r := range s.Reveals {
		if r.Revealed {
			revealed++
		}
	}
	pending = len(s.Pending)
	departments = len(s.Departments)
	return records, revealed, pending, departments
}

// Clone deep-copies the state for snapshotting.
func (s *State) Clone() *State {
	c := &State{
		NextID:      s.NextID,
		Records:     make(map[uint64]*EncryptedRecord, len(s.Records)),
		Reveals:     make(map[uint64]*RevealedRecord, len(s.Reveals)),
		Aggregates:  make(map[string]*DepartmentAggregate, len(s.Aggregates)),
		Departments: append([]string(nil), s.Departments...),
		Pending:     make(map[uint64]*PendingRequest, len(s.Pending)),
		Admin:       s.Admin,
	}
	for id, r := range s.Records {
		rc := *r
		rc.SubmitterTag = append(Handle(nil), r.SubmitterTag...)
		rc.Body = append(Handle(nil), r.Body...)
		rc.Embedding = append(Handle(nil), r.Embedding...)
		c.Records[id] = &rc
	}
	for id, r := range s.Reveals {
		rc := *r
		c.Reveals[id] = &rc
	}
	for hash, a := range s.Aggregates {
		ac := *a
		ac.Handle = append(Handle(nil), a.Handle...)
		c.Aggregates[hash] = &ac
	}
	for id, p := range s.Pending {
		pc := *p
		c.Pending[id] = &pc
	}
	return c
}
