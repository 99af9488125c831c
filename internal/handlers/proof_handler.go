package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/aggregation"
	"proof-orchestrator/internal/models"
	"proof-orchestrator/internal/services"
)

// ProofAPI orchestration operations exposed over HTTP
type ProofAPI interface {
	Submit(ctx context.Context, key models.RequestKey) (*services.SubmitResult, error)
	SubmitAggregate(ctx context.Context, children []models.RequestKey, p aggregation.Params) (*services.SubmitResult, error)
	Status(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error)
	Cancel(ctx context.Context, fp models.Fingerprint) (*services.CancelResult, error)
	List(ctx context.Context, q services.ListQuery) (*services.ListPage, error)
}

// ProofRequest one proof request body. Exactly one of block_number or
// batch_id selects the scope.
type ProofRequest struct {
	ProofKind       string                 `json:"proof_kind" binding:"required"`
	Network         string                 `json:"network" binding:"required"`
	L1Network       string                 `json:"l1_network" binding:"required"`
	BlockNumber     *uint64                `json:"block_number,omitempty"`
	BlockHash       string                 `json:"block_hash,omitempty"`
	BatchID         *uint64                `json:"batch_id,omitempty"`
	InclusionHeight uint64                 `json:"inclusion_height,omitempty"`
	Prover          string                 `json:"prover,omitempty"`
	Graffiti        string                 `json:"graffiti,omitempty"`
	BlobProofType   string                 `json:"blob_proof_type,omitempty"`
	ProverArgs      map[string]interface{} `json:"prover_args,omitempty"`
}

// AggregateRequest ordered aggregation set
type AggregateRequest struct {
	Proofs     []ProofRequest         `json:"proofs" binding:"required"`
	ProofKind  string                 `json:"proof_kind,omitempty"`
	Network    string                 `json:"network,omitempty"`
	L1Network  string                 `json:"l1_network,omitempty"`
	Prover     string                 `json:"prover,omitempty"`
	ProverArgs map[string]interface{} `json:"prover_args,omitempty"`
}

// ProofHandler proof request endpoints
type ProofHandler struct {
	api    ProofAPI
	logger *logrus.Logger
}

// NewProofHandler create proof handler
func NewProofHandler(api ProofAPI, logger *logrus.Logger) *ProofHandler {
	return &ProofHandler{api: api, logger: logger}
}

// ToRequestKey convert the body into a request key
func (r *ProofRequest) ToRequestKey() (models.RequestKey, error) {
	kind, err := models.ParseProofKind(r.ProofKind)
	if err != nil {
		return models.RequestKey{}, err
	}

	key := models.RequestKey{
		ProofKind:     kind,
		Network:       r.Network,
		L1Network:     r.L1Network,
		BlobProofType: models.BlobProofType(r.BlobProofType),
		ProverArgs:    r.ProverArgs,
	}

	switch {
	case r.BlockNumber != nil && r.BatchID != nil:
		return key, fmt.Errorf("%w: block_number and batch_id are mutually exclusive", models.ErrInvalidRequest)
	case r.BlockNumber != nil:
		hash, err := parseHash("block_hash", r.BlockHash)
		if err != nil {
			return key, err
		}
		key.Scope = models.BlockScope(*r.BlockNumber, hash)
	case r.BatchID != nil:
		key.Scope = models.BatchScope(*r.BatchID, r.InclusionHeight)
	default:
		return key, fmt.Errorf("%w: one of block_number or batch_id is required", models.ErrInvalidRequest)
	}

	if key.Prover, err = parseAddress("prover", r.Prover); err != nil {
		return key, err
	}
	if key.Graffiti, err = parseHash("graffiti", r.Graffiti); err != nil {
		return key, err
	}
	return key, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not a hex address", models.ErrInvalidRequest, field)
	}
	return common.HexToAddress(s), nil
}

// parseHash accepts up to 32 bytes of 0x-prefixed hex, left padded
func parseHash(field, s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %s: %v", models.ErrInvalidRequest, field, err)
	}
	if len(b) > common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s is longer than 32 bytes", models.ErrInvalidRequest, field)
	}
	return common.BytesToHash(b), nil
}

// SubmitProof POST /v1/proofs
func (h *ProofHandler) SubmitProof(c *gin.Context) {
	var req ProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}
	key, err := req.ToRequestKey()
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := h.api.Submit(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "data": res})
}

// SubmitAggregate POST /v1/proofs/aggregate
func (h *ProofHandler) SubmitAggregate(c *gin.Context) {
	var req AggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}

	children := make([]models.RequestKey, 0, len(req.Proofs))
	for i := range req.Proofs {
		key, err := req.Proofs[i].ToRequestKey()
		if err != nil {
			writeError(c, fmt.Errorf("proof %d: %w", i, err))
			return
		}
		children = append(children, key)
	}

	params := aggregation.Params{
		Network:    req.Network,
		L1Network:  req.L1Network,
		ProverArgs: req.ProverArgs,
	}
	if req.ProofKind != "" {
		kind, err := models.ParseProofKind(req.ProofKind)
		if err != nil {
			writeError(c, err)
			return
		}
		params.ProofKind = kind
	}
	prover, err := parseAddress("prover", req.Prover)
	if err != nil {
		writeError(c, err)
		return
	}
	params.Prover = prover

	res, err := h.api.SubmitAggregate(c.Request.Context(), children, params)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "data": res})
}

// GetProof GET /v1/proofs/:fingerprint
func (h *ProofHandler) GetProof(c *gin.Context) {
	rec, err := h.api.Status(c.Request.Context(), models.Fingerprint(c.Param("fingerprint")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

// CancelProof POST /v1/proofs/:fingerprint/cancel
func (h *ProofHandler) CancelProof(c *gin.Context) {
	res, err := h.api.Cancel(c.Request.Context(), models.Fingerprint(c.Param("fingerprint")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
}

// ListProofs GET /v1/proofs?status=&backend=&older_than=&cursor=&limit=
func (h *ProofHandler) ListProofs(c *gin.Context) {
	q, err := parseListQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := h.api.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": page})
}

func parseListQuery(c *gin.Context) (services.ListQuery, error) {
	var q services.ListQuery

	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := models.ParseTaskStatus(strings.TrimSpace(part))
			if err != nil {
				return q, err
			}
			q.Statuses = append(q.Statuses, status)
		}
	}
	if raw := c.Query("backend"); raw != "" {
		kind, err := models.ParseProofKind(raw)
		if err != nil {
			return q, err
		}
		q.Backend = kind
	}
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return q, fmt.Errorf("%w: older_than must be a non-negative duration like 24h", models.ErrInvalidRequest)
		}
		q.OlderThan = d
	}
	if raw := c.Query("cursor"); raw != "" {
		q.Cursor = models.Fingerprint(raw)
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: limit must be a non-negative integer", models.ErrInvalidRequest)
		}
		q.Limit = n
	}
	return q, nil
}

// writeError render err as the standard error body
func writeError(c *gin.Context, err error) {
	status, code, name := http.StatusInternalServerError, "INTERNAL_ERROR", "InternalError"
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		status, code, name = http.StatusBadRequest, "INVALID_REQUEST", "ValidationError"
	case errors.Is(err, models.ErrNotFound):
		status, code, name = http.StatusNotFound, "NOT_FOUND", "NotFound"
	case errors.Is(err, services.ErrBallotDisabled):
		status, code, name = http.StatusNotFound, "BALLOT_DISABLED", "NotFound"
	case errors.Is(err, models.ErrStoreUnavailable):
		status, code, name = http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "ServiceUnavailable"
	}

	if status >= http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"path":  c.Request.URL.Path,
			"error": err.Error(),
		}).Error("❌ Request failed")
	}

	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   name,
		"message": err.Error(),
		"code":    code,
	})
}
