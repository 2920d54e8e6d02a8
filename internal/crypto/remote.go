package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mundrapranay/umbra-ledger/internal/ledger"
)

// Wire types shared by the remote client and the oracle daemon.

type ReviewRequest struct {
	SubmitterTag string `json:"submitter_tag"`
	Body         string `json:"body"`
	Department   string `json:"department"`
	Score        int64  `json:"score"`
}

type ReviewResponse struct {
	SubmitterTag string `json:"submitter_tag"`
	Body         string `json:"body"`
	Embedding    string `json:"embedding"`
}

type AddRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

type HandleResponse struct {
	Handle string `json:"handle"`
}

type DecryptionRequest struct {
	Handles     []string `json:"handles"`
	CallbackURL string   `json:"callback_url"`
}

type DecryptionResponse struct {
	RequestID uint64 `json:"request_id"`
}

// RemoteOracle implements Oracle against an umbra-oracle daemon. Proof
// verification stays local: the ledger holds the shared proof key, so no
// round trip is needed to check a callback.
type RemoteOracle struct {
	base     string
	callback string
	proofKey []byte
	client   *http.Client
}

// NewRemoteOracle points at a daemon base URL. callbackURL is where the
// daemon should deliver decryption results, usually this node's
// /v1/callbacks endpoint prefix.
func NewRemoteOracle(base, callbackURL string, proofKey []byte) *RemoteOracle {
	return &RemoteOracle{
		base:     strings.TrimRight(base, "/"),
		callback: callbackURL,
		proofKey: proofKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *RemoteOracle) Encrypt(rv Review) (EncryptedReview, error) {
	var resp ReviewResponse
	err := r.post("/oracle/reviews", ReviewRequest{
		SubmitterTag: rv.SubmitterTag,
		Body:         rv.Body,
		Department:   rv.Department,
		Score:        rv.Score,
	}, &resp)
	if err != nil {
		return EncryptedReview{}, err
	}
	tag, err := ledger.ParseHandle(resp.SubmitterTag)
	if err != nil {
		return EncryptedReview{}, err
	}
	body, err := ledger.ParseHandle(resp.Body)
	if err != nil {
		return EncryptedReview{}, err
	}
	embedding, err := ledger.ParseHandle(resp.Embedding)
	if err != nil {
		return EncryptedReview{}, err
	}
	return EncryptedReview{SubmitterTag: tag, Body: body, Embedding: embedding}, nil
}

func (r *RemoteOracle) RequestDecryption(handles []ledger.Handle) (uint64, error) {
	req := DecryptionRequest{CallbackURL: r.callback}
	for _, h := range handles {
		req.Handles = append(req.Handles, h.Hex())
	}
	var resp DecryptionResponse
	if err := r.post("/oracle/decryptions", req, &resp); err != nil {
		return 0, err
	}
	return resp.RequestID, nil
}

func (r *RemoteOracle) VerifyProof(requestID uint64, cleartext, proof []byte) bool {
	return VerifyDecryption(r.proofKey, requestID, cleartext, proof)
}

func (r *RemoteOracle) EncryptedZero() (ledger.Handle, error) {
	var resp HandleResponse
	if err := r.post("/oracle/zero", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return ledger.ParseHandle(resp.Handle)
}

func (r *RemoteOracle) AddEncrypted(a, b ledger.Handle) (ledger.Handle, error) {
	var resp HandleResponse
	if err := r.post("/oracle/add", AddRequest{A: a.Hex(), B: b.Hex()}, &resp); err != nil {
		return nil, err
	}
	return ledger.ParseHandle(resp.Handle)
}

func (r *RemoteOracle) post(path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("oracle %s: encoding request: %w", path, err)
	}
	resp, err := r.client.Post(r.base+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("oracle %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oracle %s: decoding response: %w", path, err)
	}
	return nil
}
