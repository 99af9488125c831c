package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"proof-orchestrator/internal/models"
)

// StatusEvent one applied status transition
type StatusEvent struct {
	Fingerprint models.Fingerprint `json:"fingerprint"`
	ProofKind   models.ProofKind   `json:"proof_kind"`
	From        models.TaskStatus  `json:"from"`
	To          models.TaskStatus  `json:"to"`
	At          time.Time          `json:"at"`
	Error       *models.TaskError  `json:"error,omitempty"`
}

// Publisher receives every applied transition. Publish must not block.
type Publisher interface {
	Publish(ev StatusEvent)
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(StatusEvent) {}

// Multi fans one event out to several publishers
type Multi []Publisher

func (m Multi) Publish(ev StatusEvent) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}

// Hub in-process fan-out. Slow subscribers lose events rather than stall the
// writer; consumers that need every state re-read the pool.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan StatusEvent
	logger *logrus.Logger
}

// NewHub create empty hub
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{subs: make(map[string]chan StatusEvent), logger: logger}
}

// Subscribe register a subscriber with the given buffer; call the returned
// function to unsubscribe
func (h *Hub) Subscribe(buffer int) (<-chan StatusEvent, func()) {
	id := uuid.NewString()
	ch := make(chan StatusEvent, buffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.WithFields(logrus.Fields{
				"subscriber":  id,
				"fingerprint": ev.Fingerprint,
				"to":          ev.To,
			}).Debug("[Events] subscriber buffer full, event dropped")
		}
	}
}

// Subscribers current subscriber count
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
