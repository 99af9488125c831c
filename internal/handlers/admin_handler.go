package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/backends"
	"proof-orchestrator/internal/models"
)

// AdminAPI operational housekeeping
type AdminAPI interface {
	Prune(ctx context.Context, olderThan time.Duration, terminalOnly bool) (int, error)
	BallotEntries() (map[models.ProofKind]backends.BallotEntry, error)
	UpdateBallot(entries map[models.ProofKind]backends.BallotEntry) error
}

// PruneRequest prune body
type PruneRequest struct {
	OlderThan string `json:"older_than" binding:"required"` // Go duration, e.g. "168h"
	// TerminalOnly defaults to true
	TerminalOnly *bool `json:"terminal_only,omitempty"`
}

// BallotEntryView one auto-select ballot line
type BallotEntryView struct {
	Probability float64 `json:"probability"`
	PerDay      uint64  `json:"per_day"`
}

// AdminHandler admin endpoints
type AdminHandler struct {
	api    AdminAPI
	logger *logrus.Logger
}

// NewAdminHandler create admin handler
func NewAdminHandler(api AdminAPI, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{api: api, logger: logger}
}

// Prune POST /admin/prune
func (h *AdminHandler) Prune(c *gin.Context) {
	var req PruneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil {
		writeError(c, fmt.Errorf("%w: older_than: %v", models.ErrInvalidRequest, err))
		return
	}
	terminalOnly := true
	if req.TerminalOnly != nil {
		terminalOnly = *req.TerminalOnly
	}

	removed, err := h.api.Prune(c.Request.Context(), olderThan, terminalOnly)
	if err != nil {
		writeError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"admin":         c.GetString(ContextAdminUsername),
		"older_than":    olderThan.String(),
		"terminal_only": terminalOnly,
		"removed":       removed,
	}).Info("🧹 Admin prune")
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": removed})
}

// GetBallot GET /admin/ballot
func (h *AdminHandler) GetBallot(c *gin.Context) {
	entries, err := h.api.BallotEntries()
	if err != nil {
		writeError(c, err)
		return
	}
	view := make(map[string]BallotEntryView, len(entries))
	for kind, e := range entries {
		view[string(kind)] = BallotEntryView{Probability: e.Probability, PerDay: e.PerDay}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": view})
}

// UpdateBallot PUT /admin/ballot
func (h *AdminHandler) UpdateBallot(c *gin.Context) {
	var req map[string]BallotEntryView
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}

	entries := make(map[models.ProofKind]backends.BallotEntry, len(req))
	for name, e := range req {
		kind, err := models.ParseProofKind(name)
		if err != nil {
			writeError(c, err)
			return
		}
		entries[kind] = backends.BallotEntry{Probability: e.Probability, PerDay: e.PerDay}
	}

	if err := h.api.UpdateBallot(entries); err != nil {
		writeError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"admin":   c.GetString(ContextAdminUsername),
		"entries": len(entries),
	}).Info("🎲 Admin ballot update")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "ballot updated"})
}
