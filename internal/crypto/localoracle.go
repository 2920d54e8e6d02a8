package crypto

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

type handleKind uint8

const (
	kindBytes handleKind = iota + 1
	kindNumber
)

// handleEntry is the oracle's private view of one handle: the Paillier
// ciphertext, what its plaintext is (bytes or number), and for embedding
// handles the department label the primitive discloses for them.
type handleEntry struct {
	c     *big.Int
	kind  handleKind
	label string
}

// LocalOracle is an in-process decryption oracle. It mints opaque handles
// over a Paillier cryptosystem, serves the homomorphic helpers, and
// delivers decryption callbacks asynchronously to a registered sink. A
// single-process deployment embeds it next to the ledger; cmd/umbra-oracle
// runs the same code behind HTTP for split deployments.
type LocalOracle struct {
	mu       sync.Mutex
	key      *PaillierKey
	proofKey []byte
	handles  map[string]*handleEntry
	requests map[uint64][]ledger.Handle
	nextReq  uint64
	sink     func(Callback)
	logger   hclog.Logger
}

// NewLocalOracle wraps a keypair and proof key. The logger may be nil.
func NewLocalOracle(key *PaillierKey, proofKey []byte, logger hclog.Logger) *LocalOracle {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LocalOracle{
		key:      key,
		proofKey: proofKey,
		handles:  make(map[string]*handleEntry),
		requests: make(map[uint64][]ledger.Handle),
		nextReq:  1,
		logger:   logger.Named("oracle"),
	}
}

// SetSink registers the callback receiver. Completed decryptions are
// delivered from their own goroutine, preserving the external oracle's
// asynchrony: RequestDecryption has returned before the sink runs.
func (o *LocalOracle) SetSink(fn func(Callback)) {
	o.mu.Lock()
	o.sink = fn
	o.mu.Unlock()
}

// KeyBits reports the modulus size, for status endpoints.
func (o *LocalOracle) KeyBits() int { return o.key.N.BitLen() }

// Encrypt registers a review and mints its three handles. The embedding
// handle carries the department label as registration metadata; that label
// is what the primitive discloses for it in record callbacks.
func (o *LocalOracle) Encrypt(r Review) (EncryptedReview, error) {
	if r.Department == "" {
		return EncryptedReview{}, fmt.Errorf("oracle: review without department")
	}
	if r.Score < 0 {
		return EncryptedReview{}, fmt.Errorf("oracle: negative score %d", r.Score)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	tag, err := o.sealBytes([]byte(r.SubmitterTag))
	if err != nil {
		return EncryptedReview{}, err
	}
	body, err := o.sealBytes([]byte(r.Body))
	if err != nil {
		return EncryptedReview{}, err
	}
	embedding, err := o.sealNumber(big.NewInt(r.Score), r.Department)
	if err != nil {
		return EncryptedReview{}, err
	}
	return EncryptedReview{SubmitterTag: tag, Body: body, Embedding: embedding}, nil
}

// EncryptedZero mints a fresh encryption of zero.
func (o *LocalOracle) EncryptedZero() (ledger.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sealNumber(new(big.Int), "")
}

// AddEncrypted folds two numeric handles into a new one holding the sum
// of their plaintexts.
func (o *LocalOracle) AddEncrypted(a, b ledger.Handle) (ledger.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ea, err := o.lookup(a)
	if err != nil {
		return nil, err
	}
	eb, err := o.lookup(b)
	if err != nil {
		return nil, err
	}
	if ea.kind != kindNumber || eb.kind != kindNumber {
		return nil, ErrNotAdditive
	}
	sum, err := o.key.AddCiphertexts(ea.c, eb.c)
	if err != nil {
		return nil, err
	}
	return o.mint(&handleEntry{c: sum, kind: kindNumber})
}

// RequestDecryption registers a decryption request over the given handles
// and returns its id. When a sink is set the callback is built and
// delivered from a separate goroutine.
func (o *LocalOracle) RequestDecryption(handles []ledger.Handle) (uint64, error) {
	o.mu.Lock()
	if len(handles) == 0 {
		o.mu.Unlock()
		return 0, fmt.Errorf("oracle: decryption request without handles")
	}
	for _, h := range handles {
		if _, err := o.lookup(h); err != nil {
			o.mu.Unlock()
			return 0, err
		}
	}
	id := o.nextReq
	o.nextReq++
	kept := make([]ledger.Handle, len(handles))
	for i, h := range handles {
		kept[i] = append(ledger.Handle(nil), h...)
	}
	o.requests[id] = kept
	sink := o.sink
	o.mu.Unlock()

	o.logger.Debug("decryption requested", "request", id, "handles", len(handles))
	if sink != nil {
		go func() {
			cb, err := o.BuildCallback(id)
			if err != nil {
				o.logger.Error("building callback", "request", id, "error", err)
				return
			}
			sink(cb)
		}()
	}
	return id, nil
}

// BuildCallback produces the decryption result for a registered request:
// the disclosure of each requested handle as a JSON string array, plus the
// proof over (request id, cleartext). The request stays registered, so
// tests can rebuild and replay a callback.
func (o *LocalOracle) BuildCallback(requestID uint64) (Callback, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	handles, ok := o.requests[requestID]
	if !ok {
		return Callback{}, fmt.Errorf("request %d: %w", requestID, ErrUnknownRequest)
	}
	fields := make([]string, 0, len(handles))
	for _, h := range handles {
		e, err := o.lookup(h)
		if err != nil {
			return Callback{}, err
		}
		s, err := o.disclose(e)
		if err != nil {
			return Callback{}, err
		}
		fields = append(fields, s)
	}
	cleartext, err := json.Marshal(fields)
	if err != nil {
		return Callback{}, fmt.Errorf("oracle: encoding payload: %w", err)
	}
	return Callback{
		RequestID: requestID,
		Cleartext: cleartext,
		Proof:     SignDecryption(o.proofKey, requestID, cleartext),
	}, nil
}

// VerifyProof checks a callback proof against the shared key.
func (o *LocalOracle) VerifyProof(requestID uint64, cleartext, proof []byte) bool {
	return VerifyDecryption(o.proofKey, requestID, cleartext, proof)
}

// disclose projects one handle to its cleartext field: embedding handles
// disclose their department label, byte handles their decrypted string,
// numeric handles their decimal value. Callers hold o.mu.
func (o *LocalOracle) disclose(e *handleEntry) (string, error) {
	if e.label != "" {
		return e.label, nil
	}
	m, err := o.key.Decrypt(e.c)
	if err != nil {
		return "", err
	}
	if e.kind == kindBytes {
		return string(m.Bytes()), nil
	}
	return m.String(), nil
}

func (o *LocalOracle) sealBytes(b []byte) (ledger.Handle, error) {
	c, err := o.key.EncryptBytes(b)
	if err != nil {
		return nil, err
	}
	return o.mint(&handleEntry{c: c, kind: kindBytes})
}

func (o *LocalOracle) sealNumber(m *big.Int, label string) (ledger.Handle, error) {
	c, err := o.key.Encrypt(m)
	if err != nil {
		return nil, err
	}
	return o.mint(&handleEntry{c: c, kind: kindNumber, label: label})
}

// mint assigns a fresh 32-byte handle id. Callers hold o.mu.
func (o *LocalOracle) mint(e *handleEntry) (ledger.Handle, error) {
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("oracle: minting handle: %w", err)
	}
	o.handles[string(id)] = e
	return ledger.Handle(id), nil
}

// lookup resolves a handle. Callers hold o.mu.
func (o *LocalOracle) lookup(h ledger.Handle) (*handleEntry, error) {
	e, ok := o.handles[string(h)]
	if !ok {
		return nil, fmt.Errorf("handle %s: %w", h.Hex(), ErrUnknownHandle)
	}
	return e, nil
}
