// Package oracleserver exposes a LocalOracle over HTTP for split
// deployments. The ledger's RemoteOracle client speaks the other half
// of this wire protocol; completed decryptions are POSTed back to the
// callback URL named in each request.
package oracleserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

const maxBodyBytes = 1 << 20

// deliveryAttempts bounds callback redelivery on transport errors.
const deliveryAttempts = 3

// Daemon serves the oracle wire protocol over a LocalOracle.
type Daemon struct {
	oracle *crypto.LocalOracle
	client *http.Client
	logger hclog.Logger
}

// New wraps an oracle for serving. The logger may be nil.
func New(oracle *crypto.LocalOracle, logger hclog.Logger) *Daemon {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Daemon{
		oracle: oracle,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("oracled"),
	}
}

// Routes returns the daemon's HTTP handler.
func (d *Daemon) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oracle/reviews", d.handleEncryptReview)
	mux.HandleFunc("POST /oracle/zero", d.handleEncryptedZero)
	mux.HandleFunc("POST /oracle/add", d.handleAdd)
	mux.HandleFunc("POST /oracle/decryptions", d.handleRequestDecryption)
	mux.HandleFunc("GET /oracle/status", d.handleStatus)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crypto.ErrUnknownHandle):
		return http.StatusNotFound
	case errors.Is(err, crypto.ErrNotAdditive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func (d *Daemon) handleEncryptReview(w http.ResponseWriter, r *http.Request) {
	var req crypto.ReviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}

	encrypted, err := d.oracle.Encrypt(crypto.Review{
		SubmitterTag: req.SubmitterTag,
		Body:         req.Body,
		Department:   req.Department,
		Score:        req.Score,
	})
	if err != nil {
		badRequest(w, "%v", err)
		return
	}

	d.logger.Debug("review encrypted", "department_len", len(req.Department))
	writeJSON(w, http.StatusCreated, crypto.ReviewResponse{
		SubmitterTag: encrypted.SubmitterTag.Hex(),
		Body:         encrypted.Body.Hex(),
		Embedding:    encrypted.Embedding.Hex(),
	})
}

func (d *Daemon) handleEncryptedZero(w http.ResponseWriter, r *http.Request) {
	handle, err := d.oracle.EncryptedZero()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, crypto.HandleResponse{Handle: handle.Hex()})
}

func (d *Daemon) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req crypto.AddRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	a, err := ledger.ParseHandle(req.A)
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := ledger.ParseHandle(req.B)
	if err != nil {
		writeError(w, err)
		return
	}

	sum, err := d.oracle.AddEncrypted(a, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, crypto.HandleResponse{Handle: sum.Hex()})
}

func (d *Daemon) handleRequestDecryption(w http.ResponseWriter, r *http.Request) {
	var req crypto.DecryptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}

	if len(req.Handles) == 0 {
		badRequest(w, "decryption request without handles")
		return
	}
	handles := make([]ledger.Handle, 0, len(req.Handles))
	for i, hex := range req.Handles {
		handle, err := ledger.ParseHandle(hex)
		if err != nil {
			badRequest(w, "handle %d: %v", i, err)
			return
		}
		handles = append(handles, handle)
	}

	requestID, err := d.oracle.RequestDecryption(handles)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.CallbackURL != "" {
		go d.deliver(requestID, req.CallbackURL)
	}

	d.logger.Info("decryption requested", "request_id", requestID, "handles", len(handles))
	writeJSON(w, http.StatusCreated, crypto.DecryptionResponse{RequestID: requestID})
}

// deliver builds the callback for a request and POSTs it to the ledger.
// Transport failures and non-2xx answers are retried a few times; the
// request stays registered either way, so operators can trigger a
// rebuild if every attempt fails.
func (d *Daemon) deliver(requestID uint64, callbackURL string) {
	cb, err := d.oracle.BuildCallback(requestID)
	if err != nil {
		d.logger.Error("building callback", "request_id", requestID, "error", err)
		return
	}
	payload, err := json.Marshal(cb)
	if err != nil {
		d.logger.Error("encoding callback", "request_id", requestID, "error", err)
		return
	}

	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		resp, err := d.client.Post(callbackURL, "application/json", bytes.NewReader(payload))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusMultipleChoices {
				d.logger.Debug("callback delivered", "request_id", requestID, "attempt", attempt)
				return
			}
			err = fmt.Errorf("callback rejected: %s", resp.Status)
		}
		d.logger.Warn("callback delivery failed",
			"request_id", requestID, "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
}

type statusResponse struct {
	KeyBits int `json:"key_bits"`
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{KeyBits: d.oracle.KeyBits()})
}
