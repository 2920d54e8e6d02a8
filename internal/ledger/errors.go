package ledger

import "errors"

// Failure taxonomy for ledger operations. Entry points return these
// (usually wrapped); callers branch with errors.Is.
var (
	// ErrNotFound covers unknown record ids and unknown request ids.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicateReveal means a reveal targeted a record whose revealed
	// flag is already set.
	ErrDuplicateReveal = errors.New("ledger: record already revealed")

	// ErrProofVerification means an oracle callback carried a proof that
	// does not verify against its request id and cleartext.
	ErrProofVerification = errors.New("ledger: proof verification failed")

	// ErrMalformedPayload means a decrypted payload did not decode into
	// exactly the expected fields.
	ErrMalformedPayload = errors.New("ledger: malformed payload")

	// ErrNotAuthorized means the caller is not the configured admin.
	ErrNotAuthorized = errors.New("ledger: not authorized")

	// ErrUnknownDepartment means no aggregate exists for the department.
	ErrUnknownDepartment = errors.New("ledger: unknown department")

	// ErrInvalidArgument covers structurally invalid identifiers and
	// parameters.
	ErrInvalidArgument = errors.New("ledger: invalid argument")
)
