package backends

import (
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
)

const defaultBallotCacheSize = 8192

// Selector resolves an auto-select key to a concrete proof kind. ok is false
// when no backend is drawn.
type Selector interface {
	Select(key *models.RequestKey) (kind models.ProofKind, ok bool)
}

// BallotEntry draw probability and daily cap (0 = unlimited) for one kind
type BallotEntry struct {
	Probability float64 `json:"probability"`
	PerDay      uint64  `json:"per_day"`
}

var u128Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Ballot deterministic proof kind draw. The last 16 bytes of the draw seed,
// read little endian, are compared against cumulative probabilities scaled
// to the u128 range, so the same seed always draws the same kind. A per-kind
// daily cap spaces accepted draws at least 86400/per_day seconds apart, and
// results are cached per seed so a replayed seed returns the first answer.
type Ballot struct {
	mu        sync.Mutex
	entries   map[models.ProofKind]BallotEntry
	lastDraw  map[models.ProofKind]time.Time
	cache     *lru.Cache[common.Hash, models.ProofKind]
	cacheSize int
	now       func() time.Time
}

// NewBallot create ballot; probabilities must lie in [0,1] and sum to at most 1
func NewBallot(entries map[models.ProofKind]BallotEntry, cacheSize int) (*Ballot, error) {
	if cacheSize <= 0 {
		cacheSize = defaultBallotCacheSize
	}
	b := &Ballot{cacheSize: cacheSize, now: time.Now}
	if err := b.Update(entries); err != nil {
		return nil, err
	}
	return b, nil
}

// NewBallotFromConfig build ballot from the ballot section
func NewBallotFromConfig(cfg config.BallotConfig) (*Ballot, error) {
	entries := make(map[models.ProofKind]BallotEntry, len(cfg.Entries))
	for name, e := range cfg.Entries {
		kind, err := models.ParseProofKind(name)
		if err != nil {
			return nil, err
		}
		entries[kind] = BallotEntry{Probability: e.Probability, PerDay: e.PerDay}
	}
	return NewBallot(entries, cfg.CacheSize)
}

func validateEntries(entries map[models.ProofKind]BallotEntry) error {
	total := 0.0
	for kind, e := range entries {
		if !kind.IsConcrete() {
			return fmt.Errorf("ballot entry for non-concrete proof kind %q", kind)
		}
		if math.IsNaN(e.Probability) || e.Probability < 0 || e.Probability > 1 {
			return fmt.Errorf("invalid probability %v for %s, must be between 0 and 1", e.Probability, kind)
		}
		total += e.Probability
	}
	if total > 1.0 {
		return fmt.Errorf("total probability must be <= 1.0, got %v", total)
	}
	return nil
}

// Update replace the draw table; the replay cache and daily caps restart
func (b *Ballot) Update(entries map[models.ProofKind]BallotEntry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}
	cache, err := lru.New[common.Hash, models.ProofKind](b.cacheSize)
	if err != nil {
		return fmt.Errorf("failed to create ballot cache: %w", err)
	}

	copied := make(map[models.ProofKind]BallotEntry, len(entries))
	lastDraw := make(map[models.ProofKind]time.Time, len(entries))
	now := b.now()
	for kind, e := range entries {
		copied[kind] = e
		// the first draw of each kind is always admitted
		lastDraw[kind] = now.Add(-interval(e.PerDay))
	}

	b.mu.Lock()
	b.entries = copied
	b.lastDraw = lastDraw
	b.cache = cache
	b.mu.Unlock()
	return nil
}

// Entries copy of the current draw table
func (b *Ballot) Entries() map[models.ProofKind]BallotEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[models.ProofKind]BallotEntry, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

func interval(perDay uint64) time.Duration {
	if perDay == 0 {
		return 0
	}
	return time.Duration(math.Round(86400/float64(perDay))) * time.Second
}

// Select draw for key's seed
func (b *Ballot) Select(key *models.RequestKey) (models.ProofKind, bool) {
	return b.DrawSeed(key.DrawSeed())
}

// DrawSeed draw for a raw seed, consulting and filling the replay cache
func (b *Ballot) DrawSeed(seed common.Hash) (models.ProofKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kind, ok := b.cache.Get(seed); ok {
		return kind, kind != ""
	}

	kind, ok := b.draw(seed)
	if ok && !b.admit(kind) {
		kind, ok = "", false
	}
	b.cache.Add(seed, kind)
	if ok {
		metrics.BallotDraws.WithLabelValues(string(kind)).Inc()
	} else {
		metrics.BallotDraws.WithLabelValues("none").Inc()
	}
	return kind, ok
}

// draw pure cumulative-probability draw, no caps
func (b *Ballot) draw(seed common.Hash) (models.ProofKind, bool) {
	value := new(big.Int).SetBytes(reverse(seed[16:32]))

	cumulative := 0.0
	for _, kind := range models.AllProofKinds {
		e, ok := b.entries[kind]
		if !ok {
			continue
		}
		cumulative += e.Probability
		if value.Cmp(scaled(cumulative)) < 0 {
			return kind, true
		}
	}
	return "", false
}

// admit daily cap check; records the draw time when admitted
func (b *Ballot) admit(kind models.ProofKind) bool {
	e := b.entries[kind]
	if e.PerDay == 0 {
		return true
	}
	now := b.now()
	if now.Sub(b.lastDraw[kind]) < interval(e.PerDay) {
		return false
	}
	b.lastDraw[kind] = now
	return true
}

// scaled round(p * u128::MAX), clamped to the u128 range
func scaled(p float64) *big.Int {
	if p >= 1 {
		return new(big.Int).Set(u128Max)
	}
	f := new(big.Float).SetPrec(256).SetInt(u128Max)
	f.Mul(f, big.NewFloat(p))
	f.Add(f, big.NewFloat(0.5))
	out, _ := f.Int(nil)
	return out
}

func reverse(in []byte) []byte {
	out := make([]byte, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
