package store

import (
	"encoding/json"
	"fmt"
	"time"

	"proof-orchestrator/internal/models"
)

// persistedRecord storage layout shared by every driver. The status payload is
// the proof for success, the error for failed, and empty otherwise.
type persistedRecord struct {
	Fingerprint        models.Fingerprint   `json:"fingerprint"`
	StatusTag          models.TaskStatus    `json:"status_tag"`
	StatusPayload      json.RawMessage      `json:"status_payload,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
	RetryCount         int                  `json:"retry_count"`
	Revision           uint64               `json:"revision"`
	AssignedBackend    models.ProofKind     `json:"assigned_backend,omitempty"`
	BackendHandle      string               `json:"backend_handle,omitempty"`
	Request            models.RequestKey    `json:"request"`
	AggregationMembers []models.Fingerprint `json:"aggregation_members,omitempty"`
}

func encodeRecord(rec *models.TaskRecord) ([]byte, error) {
	p := persistedRecord{
		Fingerprint:        rec.Fingerprint,
		StatusTag:          rec.Status,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
		RetryCount:         rec.RetryCount,
		Revision:           rec.Revision,
		AssignedBackend:    rec.AssignedBackend,
		BackendHandle:      rec.BackendHandle,
		Request:            rec.Request,
		AggregationMembers: rec.AggregationMembers,
	}

	var (
		payload []byte
		err     error
	)
	switch rec.Status {
	case models.TaskStatusSuccess:
		if rec.Result == nil {
			return nil, fmt.Errorf("success record %s has no result", rec.Fingerprint)
		}
		payload, err = json.Marshal(rec.Result)
	case models.TaskStatusFailed:
		if rec.Error == nil {
			return nil, fmt.Errorf("failed record %s has no error", rec.Fingerprint)
		}
		payload, err = json.Marshal(rec.Error)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode status payload: %w", err)
	}
	p.StatusPayload = payload

	data, err := json.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*models.TaskRecord, error) {
	var p persistedRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	rec := &models.TaskRecord{
		Fingerprint:        p.Fingerprint,
		Request:            p.Request,
		Status:             p.StatusTag,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		RetryCount:         p.RetryCount,
		Revision:           p.Revision,
		AssignedBackend:    p.AssignedBackend,
		BackendHandle:      p.BackendHandle,
		AggregationMembers: p.AggregationMembers,
	}

	if len(p.StatusPayload) > 0 {
		switch p.StatusTag {
		case models.TaskStatusSuccess:
			var proof models.Proof
			if err := json.Unmarshal(p.StatusPayload, &proof); err != nil {
				return nil, fmt.Errorf("failed to decode proof of %s: %w", p.Fingerprint, err)
			}
			rec.Result = &proof
		case models.TaskStatusFailed:
			var taskErr models.TaskError
			if err := json.Unmarshal(p.StatusPayload, &taskErr); err != nil {
				return nil, fmt.Errorf("failed to decode error of %s: %w", p.Fingerprint, err)
			}
			rec.Error = &taskErr
		}
	}
	return rec, nil
}
