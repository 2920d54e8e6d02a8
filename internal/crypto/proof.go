package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// Decryption proofs are HMAC-SHA256 over (request id ‖ cleartext) under a
// key shared between the oracle and the ledger. A forged payload, or a
// genuine payload replayed against a different request id, fails
// verification before the ledger touches any state.

// SignDecryption computes the proof the oracle attaches to a callback.
func SignDecryption(key []byte, requestID uint64, cleartext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], requestID)
	mac.Write(id[:])
	mac.Write(cleartext)
	return mac.Sum(nil)
}

// VerifyDecryption checks a callback proof in constant time.
func VerifyDecryption(key []byte, requestID uint64, cleartext, proof []byte) bool {
	want := SignDecryption(key, requestID, cleartext)
	return hmac.Equal(want, proof)
}
