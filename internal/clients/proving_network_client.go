package clients

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"
)

// Remote proof states reported by a proving network
const (
	NetworkProofPending   = "pending"
	NetworkProofRunning   = "running"
	NetworkProofSucceeded = "succeeded"
	NetworkProofFailed    = "failed"
	NetworkProofCancelled = "cancelled"
)

// ProvingNetworkClient remote zkVM proving network client. All calls share a
// token bucket so bursts of actors cannot exhaust the network's API quota.
type ProvingNetworkClient struct {
	BaseURL string
	Client  *http.Client
	apiKey  string
	limiter *rate.Limiter
}

// NewProvingNetworkClient create client; rps <= 0 disables rate limiting
func NewProvingNetworkClient(baseURL, apiKey string, timeout time.Duration, rps float64, burst int) *ProvingNetworkClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	log.Printf("🔧 [ProvingNetwork] Create client: BaseURL=%s, Timeout=%v, RPS=%v", baseURL, timeout, rps)
	return &ProvingNetworkClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		apiKey:  apiKey,
		limiter: limiter,
	}
}

// NetworkChildProof child proof forwarded for aggregation
type NetworkChildProof struct {
	Proof hexutil.Bytes `json:"proof"`
	Input common.Hash   `json:"input"`
}

// NetworkSubmitRequest POST /v1/proofs body
type NetworkSubmitRequest struct {
	Fingerprint     string                 `json:"fingerprint"`
	ProgramVKeyHash common.Hash            `json:"program_vkey_hash"`
	Aggregate       bool                   `json:"aggregate"`
	Request         interface{}            `json:"request,omitempty"`
	ProverArgs      map[string]interface{} `json:"prover_args,omitempty"`
	Proofs          []NetworkChildProof    `json:"proofs,omitempty"`
	BypassCache     bool                   `json:"bypass_cache,omitempty"`
}

// NetworkSubmitResponse POST /v1/proofs response
type NetworkSubmitResponse struct {
	ProofID string `json:"proof_id"`
}

// NetworkProofStatus GET /v1/proofs/{id} response
type NetworkProofStatus struct {
	ProofID  string        `json:"proof_id"`
	Status   string        `json:"status"`
	Proof    hexutil.Bytes `json:"proof,omitempty"`
	Input    common.Hash   `json:"input"`
	Checksum common.Hash   `json:"checksum"`
	VKeyHash common.Hash   `json:"vkey_hash"`
	Cached   bool          `json:"cached"`
	Error    string        `json:"error,omitempty"`
}

func (c *ProvingNetworkClient) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Submit create a remote proof
func (c *ProvingNetworkClient) Submit(ctx context.Context, req *NetworkSubmitRequest) (*NetworkSubmitResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp NetworkSubmitResponse
	if err := doJSON(ctx, c.Client, http.MethodPost, c.BaseURL+"/v1/proofs", c.headers(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status read a remote proof
func (c *ProvingNetworkClient) Status(ctx context.Context, proofID string) (*NetworkProofStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp NetworkProofStatus
	if err := doJSON(ctx, c.Client, http.MethodGet, c.BaseURL+"/v1/proofs/"+url.PathEscape(proofID), c.headers(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel DELETE a remote proof
func (c *ProvingNetworkClient) Cancel(ctx context.Context, proofID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return doJSON(ctx, c.Client, http.MethodDelete, c.BaseURL+"/v1/proofs/"+url.PathEscape(proofID), c.headers(), nil, nil)
}
