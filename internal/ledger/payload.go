package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Payload is the decoded cleartext of a record decryption callback.
type Payload struct {
	SubmitterTag string `json:"submitter_tag"`
	Body         string `json:"body"`
	Department   string `json:"department"`
}

// recordPayloadFields is the wire arity of a record payload.
const recordPayloadFields = 3

// DecodePayload parses oracle cleartext into a record payload. The wire
// form is a JSON array of exactly three strings: submitter tag, body and
// department label. Anything else, including an empty department label, is
// ErrMalformedPayload.
func DecodePayload(cleartext []byte) (Payload, error) {
	var fields []string
	if err := json.Unmarshal(cleartext, &fields); err != nil {
		return Payload{}, fmt.Errorf("payload: %v: %w", err, ErrMalformedPayload)
	}
	if len(fields) != recordPayloadFields {
		return Payload{}, fmt.Errorf("payload: got %d fields, want %d: %w", len(fields), recordPayloadFields, ErrMalformedPayload)
	}
	if fields[2] == "" {
		return Payload{}, fmt.Errorf("payload: empty department label: %w", ErrMalformedPayload)
	}
	return Payload{SubmitterTag: fields[0], Body: fields[1], Department: fields[2]}, nil
}

// EncodePayload is the inverse of DecodePayload, used on the oracle side.
func EncodePayload(p Payload) []byte {
	b, _ := json.Marshal([]string{p.SubmitterTag, p.Body, p.Department})
	return b
}

// DecodeAggregateValue parses the cleartext of a department disclosure
// callback: a JSON array holding a single decimal value.
func DecodeAggregateValue(cleartext []byte) (int64, error) {
	var fields []string
	if err := json.Unmarshal(cleartext, &fields); err != nil {
		return 0, fmt.Errorf("aggregate payload: %v: %w", err, ErrMalformedPayload)
	}
	if len(fields) != 1 {
		return 0, fmt.Errorf("aggregate payload: got %d fields, want 1: %w", len(fields), ErrMalformedPayload)
	}
	v, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("aggregate payload: %v: %w", err, ErrMalformedPayload)
	}
	return v, nil
}
