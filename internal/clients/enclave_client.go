package clients

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EnclaveClient enclave signing service client
type EnclaveClient struct {
	BaseURL string
	Client  *http.Client
}

// NewEnclaveClient create enclave client; timeout defaults to 200s
func NewEnclaveClient(baseURL string, timeout time.Duration) *EnclaveClient {
	if timeout <= 0 {
		timeout = 200 * time.Second
	}
	log.Printf("🔧 [SGX] Create client: BaseURL=%s, Timeout=%v", baseURL, timeout)
	return &EnclaveClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// EnclaveChildProof child proof forwarded for aggregation
type EnclaveChildProof struct {
	Proof hexutil.Bytes `json:"proof"`
	Input common.Hash   `json:"input"`
}

// EnclaveProveRequest prove request body
type EnclaveProveRequest struct {
	Fingerprint string                 `json:"fingerprint"`
	InstanceID  uint64                 `json:"instance_id"`
	Request     interface{}            `json:"request,omitempty"`
	ProverArgs  map[string]interface{} `json:"prover_args,omitempty"`
	Proofs      []EnclaveChildProof    `json:"proofs,omitempty"`
	BypassCache bool                   `json:"bypass_cache,omitempty"`
}

// EnclaveProof signed proof. Proof layout: 4 byte instance id, 20 byte
// instance address, 65 byte signature over Input.
type EnclaveProof struct {
	Proof hexutil.Bytes `json:"proof"`
	Quote hexutil.Bytes `json:"quote"`
	Input common.Hash   `json:"input"`
}

// EnclaveProveResponse prove response body
type EnclaveProveResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Proof   EnclaveProof `json:"proof"`
	Cached  bool         `json:"cached"`
}

// Prove POST /prove/{block|batch}
func (c *EnclaveClient) Prove(ctx context.Context, scope string, req *EnclaveProveRequest) (*EnclaveProveResponse, error) {
	return c.post(ctx, "/prove/"+scope, req)
}

// Aggregate POST /prove/aggregate
func (c *EnclaveClient) Aggregate(ctx context.Context, req *EnclaveProveRequest) (*EnclaveProveResponse, error) {
	return c.post(ctx, "/prove/aggregate", req)
}

func (c *EnclaveClient) post(ctx context.Context, path string, req *EnclaveProveRequest) (*EnclaveProveResponse, error) {
	var resp EnclaveProveResponse
	if err := doJSON(ctx, c.Client, http.MethodPost, c.BaseURL+path, nil, req, &resp); err != nil {
		log.Printf("❌ [SGX] %s failed: %v", path, err)
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("enclave prove failed: %s", resp.Message)
	}
	return &resp, nil
}
