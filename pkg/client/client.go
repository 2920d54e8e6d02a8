// Package client provides a Go client library for the review ledger's
// HTTP API. Submitters use SubmitReview, which encrypts through the
// oracle before anything reaches the ledger; admins use the reveal,
// disclosure and cluster calls.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/internal/ledger"
	"github.com/mundrapranay/umbra-ledger/internal/server"
)

// APIError is a non-2xx answer from the ledger. Leader is set when the
// call hit a follower and names where to retry.
type APIError struct {
	StatusCode int
	Message    string
	Leader     string
}

func (e *APIError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("%s (leader at %s)", e.Message, e.Leader)
	}
	return e.Message
}

// IsNotLeader reports whether the server rejected the call because it is
// a follower.
func (e *APIError) IsNotLeader() bool {
	return e.StatusCode == http.StatusServiceUnavailable && e.Leader != ""
}

// Client talks to one ledger node. The oracle is used to encrypt
// reviews client-side; it may be nil for read-only or admin use.
type Client struct {
	base   string
	caller string
	oracle crypto.Oracle
	http   *http.Client
}

// NewClient creates a client for a ledger node. caller is sent as the
// caller header on every request.
func NewClient(serverAddr, caller string, oracle crypto.Oracle) *Client {
	return &Client{
		base:   strings.TrimRight(serverAddr, "/"),
		caller: caller,
		oracle: oracle,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Wire types mirroring the server's request and response bodies.

type submitRequest struct {
	SubmitterTag string `json:"submitter_tag"`
	Body         string `json:"body"`
	Embedding    string `json:"embedding"`
}

type submitBatchRequest struct {
	Records []submitRequest `json:"records"`
}

type recordIDResponse struct {
	RecordID uint64 `json:"record_id"`
}

type recordIDsResponse struct {
	RecordIDs []uint64 `json:"record_ids"`
}

type requestIDResponse struct {
	RequestID uint64 `json:"request_id"`
}

type departmentsResponse struct {
	Departments []string `json:"departments"`
}

// Aggregate is a department's encrypted running sum as served by the
// ledger. Handle is the ciphertext handle in hex.
type Aggregate struct {
	Hash      string `json:"hash"`
	Label     string `json:"label"`
	Handle    string `json:"handle"`
	FoldCount uint64 `json:"fold_count"`
}

type setAdminRequest struct {
	Admin string `json:"admin"`
}

type addPeerRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

type blobKeysResponse struct {
	Keys []string `json:"keys"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader"`
}

// SubmitReview encrypts a review through the oracle and submits the
// resulting handles. The cleartext never reaches the ledger.
func (c *Client) SubmitReview(ctx context.Context, review crypto.Review) (uint64, error) {
	if c.oracle == nil {
		return ledger.NoRecord, fmt.Errorf("client has no oracle configured")
	}
	encrypted, err := c.oracle.Encrypt(review)
	if err != nil {
		return ledger.NoRecord, fmt.Errorf("failed to encrypt review: %w", err)
	}
	return c.Submit(ctx, encrypted)
}

// Submit stores an already-encrypted review and returns its record id.
func (c *Client) Submit(ctx context.Context, encrypted crypto.EncryptedReview) (uint64, error) {
	var resp recordIDResponse
	err := c.do(ctx, http.MethodPost, "/v1/records", submitRequest{
		SubmitterTag: encrypted.SubmitterTag.Hex(),
		Body:         encrypted.Body.Hex(),
		Embedding:    encrypted.Embedding.Hex(),
	}, &resp)
	if err != nil {
		return ledger.NoRecord, fmt.Errorf("failed to submit record: %w", err)
	}
	return resp.RecordID, nil
}

// SubmitReviewBatch encrypts and submits a sequence of reviews,
// returning their record ids in order.
func (c *Client) SubmitReviewBatch(ctx context.Context, reviews []crypto.Review) ([]uint64, error) {
	if c.oracle == nil {
		return nil, fmt.Errorf("client has no oracle configured")
	}
	req := submitBatchRequest{Records: make([]submitRequest, 0, len(reviews))}
	for i, review := range reviews {
		encrypted, err := c.oracle.Encrypt(review)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt review %d: %w", i, err)
		}
		req.Records = append(req.Records, submitRequest{
			SubmitterTag: encrypted.SubmitterTag.Hex(),
			Body:         encrypted.Body.Hex(),
			Embedding:    encrypted.Embedding.Hex(),
		})
	}

	var resp recordIDsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/records/batch", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to submit batch: %w", err)
	}
	return resp.RecordIDs, nil
}

// Record returns a record's disclosure view.
func (c *Client) Record(ctx context.Context, id uint64) (ledger.RevealedRecord, error) {
	var record ledger.RevealedRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/records/%d", id), nil, &record)
	if err != nil {
		return ledger.RevealedRecord{}, fmt.Errorf("failed to get record %d: %w", id, err)
	}
	return record, nil
}

// RequestReveal asks the ledger to start a record's decryption and
// returns the oracle request id.
func (c *Client) RequestReveal(ctx context.Context, id uint64) (uint64, error) {
	var resp requestIDResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/records/%d/reveal-requests", id), nil, &resp)
	if err != nil {
		return 0, fmt.Errorf("failed to request reveal: %w", err)
	}
	return resp.RequestID, nil
}

// Departments lists known department labels in first-seen order.
func (c *Client) Departments(ctx context.Context) ([]string, error) {
	var resp departmentsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/departments", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	return resp.Departments, nil
}

// Aggregate returns a department's encrypted aggregate.
func (c *Client) Aggregate(ctx context.Context, label string) (Aggregate, error) {
	var resp Aggregate
	err := c.do(ctx, http.MethodGet, "/v1/departments/"+url.PathEscape(label)+"/aggregate", nil, &resp)
	if err != nil {
		return Aggregate{}, fmt.Errorf("failed to get aggregate: %w", err)
	}
	return resp, nil
}

// RequestAggregateReveal asks the ledger to disclose a department's
// aggregate sum. Admin only.
func (c *Client) RequestAggregateReveal(ctx context.Context, label string) (uint64, error) {
	var resp requestIDResponse
	err := c.do(ctx, http.MethodPost, "/v1/departments/"+url.PathEscape(label)+"/reveal-requests", nil, &resp)
	if err != nil {
		return 0, fmt.Errorf("failed to request aggregate reveal: %w", err)
	}
	return resp.RequestID, nil
}

// Disclosure returns the latest noised disclosure for a department.
// Admin only.
func (c *Client) Disclosure(ctx context.Context, label string) (server.Disclosure, error) {
	var resp server.Disclosure
	err := c.do(ctx, http.MethodGet, "/v1/departments/"+url.PathEscape(label)+"/disclosure", nil, &resp)
	if err != nil {
		return server.Disclosure{}, fmt.Errorf("failed to get disclosure: %w", err)
	}
	return resp, nil
}

// SetAdmin assigns the ledger's admin identity.
func (c *Client) SetAdmin(ctx context.Context, admin string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/admin", setAdminRequest{Admin: admin}, nil); err != nil {
		return fmt.Errorf("failed to set admin: %w", err)
	}
	return nil
}

// Status reports the node's role and ledger counters.
func (c *Client) Status(ctx context.Context) (server.Status, error) {
	var status server.Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		return server.Status{}, fmt.Errorf("failed to get status: %w", err)
	}
	return status, nil
}

// AddPeer joins a node to the raft cluster. Admin only.
func (c *Client) AddPeer(ctx context.Context, nodeID, addr string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/cluster/peers", addPeerRequest{NodeID: nodeID, Addr: addr}, nil); err != nil {
		return fmt.Errorf("failed to add peer: %w", err)
	}
	return nil
}

// RemovePeer removes a node from the raft cluster. Admin only.
func (c *Client) RemovePeer(ctx context.Context, nodeID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/cluster/peers/"+url.PathEscape(nodeID), nil, nil); err != nil {
		return fmt.Errorf("failed to remove peer: %w", err)
	}
	return nil
}

// PutBlob stores a presentation blob under key.
func (c *Client) PutBlob(ctx context.Context, key string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+"/v1/blobs/"+key, bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	return nil
}

// GetBlob fetches a presentation blob.
func (c *Client) GetBlob(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/blobs/"+key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

// DeleteBlob removes a presentation blob.
func (c *Client) DeleteBlob(ctx context.Context, key string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/blobs/"+key, nil, nil); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// ListBlobs lists stored blob keys under a prefix.
func (c *Client) ListBlobs(ctx context.Context, prefix string) ([]string, error) {
	path := "/v1/blobs"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var resp blobKeysResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return resp.Keys, nil
}

// Watch subscribes to the ledger's event stream. The returned channel
// closes when ctx is cancelled or the stream breaks.
func (c *Client) Watch(ctx context.Context) (<-chan server.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	// The stream outlives any request timeout; the context bounds it.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	events := make(chan server.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event server.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.caller != "" {
		req.Header.Set(server.CallerHeader, c.caller)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Leader = body.Leader
	}
	return apiErr
}
