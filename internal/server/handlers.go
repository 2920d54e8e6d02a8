package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/mundrapranay/umbra-ledger/internal/blobstore"
	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/internal/ledger"
	"github.com/mundrapranay/umbra-ledger/internal/store"
)

// CallerHeader carries the pre-authenticated caller name. Authentication
// itself happens upstream; the ledger only compares names.
const CallerHeader = "X-Umbra-Caller"

const maxBodyBytes = 1 << 20
const maxBlobBytes = 10 << 20

// Routes returns the HTTP handler exposing the ledger API.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/records", s.handleSubmit)
	mux.HandleFunc("POST /v1/records/batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /v1/records/{id}", s.handleGetRecord)
	mux.HandleFunc("POST /v1/records/{id}/reveal-requests", s.handleRequestReveal)

	mux.HandleFunc("POST /v1/callbacks", s.handleCallback)
	mux.HandleFunc("POST /v1/callbacks/record", s.handleRecordCallback)
	mux.HandleFunc("POST /v1/callbacks/department", s.handleDepartmentCallback)

	mux.HandleFunc("GET /v1/departments", s.handleListDepartments)
	mux.HandleFunc("GET /v1/departments/{label}/aggregate", s.handleGetAggregate)
	mux.HandleFunc("POST /v1/departments/{label}/reveal-requests", s.handleRequestAggregateReveal)
	mux.HandleFunc("GET /v1/departments/{label}/disclosure", s.handleGetDisclosure)

	mux.HandleFunc("POST /v1/admin", s.handleSetAdmin)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("POST /v1/cluster/peers", s.handleAddPeer)
	mux.HandleFunc("DELETE /v1/cluster/peers/{id}", s.handleRemovePeer)

	mux.HandleFunc("GET /v1/blobs", s.handleListBlobs)
	mux.HandleFunc("PUT /v1/blobs/{key...}", s.handlePutBlob)
	mux.HandleFunc("GET /v1/blobs/{key...}", s.handleGetBlob)
	mux.HandleFunc("DELETE /v1/blobs/{key...}", s.handleDeleteBlob)

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
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// writeError maps ledger errors onto HTTP statuses. Not-leader answers
// carry the leader's raft address so clients can redirect.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	switch {
	case errors.Is(err, store.ErrNotLeader):
		status = http.StatusServiceUnavailable
		resp.Leader = s.store.Leader()
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownDepartment),
		errors.Is(err, blobstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrDuplicateReveal):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, ledger.ErrMalformedPayload):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrProofVerification):
		status = http.StatusUnprocessableEntity
	}

	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func caller(r *http.Request) string {
	return r.Header.Get(CallerHeader)
}

type submitRequest struct {
	SubmitterTag string `json:"submitter_tag"`
	Body         string `json:"body"`
	Embedding    string `json:"embedding"`
}

func (req *submitRequest) handles() (tag, body, embedding ledger.Handle, err error) {
	if tag, err = ledger.ParseHandle(req.SubmitterTag); err != nil {
		return nil, nil, nil, fmt.Errorf("submitter_tag: %w", err)
	}
	if body, err = ledger.ParseHandle(req.Body); err != nil {
		return nil, nil, nil, fmt.Errorf("body: %w", err)
	}
	if embedding, err = ledger.ParseHandle(req.Embedding); err != nil {
		return nil, nil, nil, fmt.Errorf("embedding: %w", err)
	}
	return tag, body, embedding, nil
}

type submitResponse struct {
	RecordID uint64 `json:"record_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	tag, body, embedding, err := req.handles()
	if err != nil {
		badRequest(w, "%v", err)
		return
	}

	id, err := s.Submit(tag, body, embedding)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{RecordID: id})
}

type submitBatchRequest struct {
	Records []submitRequest `json:"records"`
}

type submitBatchResponse struct {
	RecordIDs []uint64 `json:"record_ids"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}

	tags := make([]ledger.Handle, 0, len(req.Records))
	bodies := make([]ledger.Handle, 0, len(req.Records))
	embeddings := make([]ledger.Handle, 0, len(req.Records))
	for i := range req.Records {
		tag, body, embedding, err := req.Records[i].handles()
		if err != nil {
			badRequest(w, "record %d: %v", i, err)
			return
		}
		tags = append(tags, tag)
		bodies = append(bodies, body)
		embeddings = append(embeddings, embedding)
	}

	ids, err := s.SubmitBatch(tags, bodies, embeddings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitBatchResponse{RecordIDs: ids})
}

func recordID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.PathValue("id"), 10, 64)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		badRequest(w, "invalid record id: %v", err)
		return
	}

	record, err := s.RevealedRecord(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type revealRequestResponse struct {
	RequestID uint64 `json:"request_id"`
}

func (s *Server) handleRequestReveal(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		badRequest(w, "invalid record id: %v", err)
		return
	}

	requestID, err := s.RequestReveal(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, revealRequestResponse{RequestID: requestID})
}

// handleCallback accepts a decryption result without the caller knowing
// its kind. Oracle daemons deliver everything here; the pending table
// says whether the request targeted a record or a department.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb crypto.Callback
	if err := decodeJSON(w, r, &cb); err != nil {
		badRequest(w, "invalid callback body: %v", err)
		return
	}

	kind, err := s.pendingKind(cb.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if kind == ledger.RequestDepartment {
		disclosure, err := s.HandleDepartmentCallback(cb)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, departmentCallbackResponse{DepartmentHash: disclosure.DepartmentHash})
		return
	}

	id, err := s.HandleRecordCallback(cb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{RecordID: id})
}

func (s *Server) handleRecordCallback(w http.ResponseWriter, r *http.Request) {
	var cb crypto.Callback
	if err := decodeJSON(w, r, &cb); err != nil {
		badRequest(w, "invalid callback body: %v", err)
		return
	}

	id, err := s.HandleRecordCallback(cb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{RecordID: id})
}

type departmentCallbackResponse struct {
	DepartmentHash string `json:"department_hash"`
}

func (s *Server) handleDepartmentCallback(w http.ResponseWriter, r *http.Request) {
	var cb crypto.Callback
	if err := decodeJSON(w, r, &cb); err != nil {
		badRequest(w, "invalid callback body: %v", err)
		return
	}

	disclosure, err := s.HandleDepartmentCallback(cb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, departmentCallbackResponse{DepartmentHash: disclosure.DepartmentHash})
}

type departmentsResponse struct {
	Departments []string `json:"departments"`
}

func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	labels, err := s.Departments()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, departmentsResponse{Departments: labels})
}

type aggregateResponse struct {
	Hash      string `json:"hash"`
	Label     string `json:"label"`
	Handle    string `json:"handle"`
	FoldCount uint64 `json:"fold_count"`
}

func (s *Server) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	aggregate, err := s.Aggregate(r.PathValue("label"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		Hash:      aggregate.Hash,
		Label:     aggregate.Label,
		Handle:    aggregate.Handle.Hex(),
		FoldCount: aggregate.FoldCount,
	})
}

func (s *Server) handleRequestAggregateReveal(w http.ResponseWriter, r *http.Request) {
	requestID, err := s.RequestAggregateReveal(caller(r), r.PathValue("label"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, revealRequestResponse{RequestID: requestID})
}

func (s *Server) handleGetDisclosure(w http.ResponseWriter, r *http.Request) {
	disclosure, err := s.LatestDisclosure(caller(r), r.PathValue("label"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disclosure)
}

type setAdminRequest struct {
	Admin string `json:"admin"`
}

func (s *Server) handleSetAdmin(w http.ResponseWriter, r *http.Request) {
	var req setAdminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}

	if err := s.SetAdmin(caller(r), req.Admin); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	id, ch := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

type addPeerRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request body: %v", err)
		return
	}
	if req.NodeID == "" || req.Addr == "" {
		badRequest(w, "node_id and addr are required")
		return
	}

	if err := s.AddPeer(caller(r), req.NodeID, req.Addr); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	if err := s.RemovePeer(caller(r), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) blobStore(w http.ResponseWriter) (BlobStore, bool) {
	if s.blobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "blob store not configured"})
		return nil, false
	}
	return s.blobs, true
}

type blobKeysResponse struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	blobs, ok := s.blobStore(w)
	if !ok {
		return
	}

	keys, err := blobs.Keys(r.URL.Query().Get("prefix"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blobKeysResponse{Keys: keys})
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	blobs, ok := s.blobStore(w)
	if !ok {
		return
	}

	value, err := io.ReadAll(io.LimitReader(r.Body, maxBlobBytes))
	if err != nil {
		badRequest(w, "failed to read body: %v", err)
		return
	}

	if err := blobs.Set(r.PathValue("key"), value); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	blobs, ok := s.blobStore(w)
	if !ok {
		return
	}

	value, err := blobs.Get(r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	blobs, ok := s.blobStore(w)
	if !ok {
		return
	}

	if err := blobs.Delete(r.PathValue("key")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
