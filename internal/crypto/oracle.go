// Package crypto implements the ledger's side of the encryption boundary:
// the decryption-oracle client interface, an in-process oracle backed by a
// Paillier cryptosystem, the HMAC proof scheme callbacks are verified
// with, and an HTTP client for oracle daemons running out of process.
package crypto

import (
	"errors"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

var (
	// ErrUnknownHandle means a handle was never minted by this oracle.
	ErrUnknownHandle = errors.New("crypto: unknown ciphertext handle")

	// ErrNotAdditive means a handle does not hold a numeric ciphertext and
	// cannot participate in homomorphic addition.
	ErrNotAdditive = errors.New("crypto: handle is not additive")

	// ErrUnknownRequest means a decryption request id was never issued.
	ErrUnknownRequest = errors.New("crypto: unknown decryption request")
)

// Review is one submission before encryption. Score is the opaque
// sentiment value that gets folded into the department aggregate; the
// ledger never sees any of these fields in the clear.
type Review struct {
	SubmitterTag string
	Body         string
	Department   string
	Score        int64
}

// EncryptedReview is the handle triple the oracle mints for a submission.
type EncryptedReview struct {
	SubmitterTag ledger.Handle
	Body         ledger.Handle
	Embedding    ledger.Handle
}

// Callback is a completed decryption as delivered to the ledger: the
// request id it answers, the cleartext payload and the oracle's proof
// over both. Cleartext and Proof travel base64-encoded in JSON.
type Callback struct {
	RequestID uint64 `json:"request_id"`
	Cleartext []byte `json:"cleartext"`
	Proof     []byte `json:"proof"`
}

// Oracle is the capability surface of the external homomorphic primitive.
// RequestDecryption returns as soon as the request is registered; the
// cleartext arrives later through a Callback. The ledger trusts the
// primitive's correctness and checks only the proof of origin.
type Oracle interface {
	// Encrypt registers a review with the primitive and returns its
	// ciphertext handles. Used by the presentation layer, never by the
	// ledger core.
	Encrypt(r Review) (EncryptedReview, error)

	// RequestDecryption asks for the disclosure of the given handles and
	// returns the oracle-assigned request id.
	RequestDecryption(handles []ledger.Handle) (uint64, error)

	// VerifyProof checks that cleartext for requestID was produced by the
	// oracle holding the shared proof key.
	VerifyProof(requestID uint64, cleartext, proof []byte) bool

	// EncryptedZero mints a fresh encryption of zero, the seed for a new
	// department aggregate.
	EncryptedZero() (ledger.Handle, error)

	// AddEncrypted returns a handle whose plaintext is the sum of the two
	// arguments' plaintexts. Neither input is consumed.
	AddEncrypted(a, b ledger.Handle) (ledger.Handle, error)
}
