package backends

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proof-orchestrator/internal/clients"
	"proof-orchestrator/internal/config"
	"proof-orchestrator/internal/models"
)

type registryEntry struct {
	backend Backend
	options Options
}

// Registry proof kind -> backend, plus the auto-select policy
type Registry struct {
	mu       sync.RWMutex
	entries  map[models.ProofKind]registryEntry
	selector Selector
}

// NewRegistry empty registry; selector may be nil (auto-select never draws)
func NewRegistry(selector Selector) *Registry {
	return &Registry{entries: make(map[models.ProofKind]registryEntry), selector: selector}
}

// NewRegistryFromConfig register every enabled backend from configuration
func NewRegistryFromConfig(cfg config.BackendsConfig, selector Selector) (*Registry, error) {
	r := NewRegistry(selector)

	if cfg.Native.Enabled {
		r.Register(NewNativeBackend(), Options{})
	}

	if cfg.SGX.Enabled {
		if cfg.SGX.BaseURL == "" {
			return nil, fmt.Errorf("sgx backend enabled without base_url")
		}
		opts := Options{InstanceID: cfg.SGX.InstanceID}
		if cfg.SGX.InstanceAddress != "" {
			if !common.IsHexAddress(cfg.SGX.InstanceAddress) {
				return nil, fmt.Errorf("invalid sgx instance_address %q", cfg.SGX.InstanceAddress)
			}
			opts.InstanceAddress = common.HexToAddress(cfg.SGX.InstanceAddress)
		}
		client := clients.NewEnclaveClient(cfg.SGX.BaseURL, time.Duration(cfg.SGX.Timeout)*time.Second)
		r.Register(NewEnclaveBackend(client), opts)
	}

	for _, nc := range []struct {
		kind models.ProofKind
		cfg  config.NetworkConfig
	}{
		{models.ProofKindSP1, cfg.SP1},
		{models.ProofKindRisc0, cfg.Risc0},
	} {
		if !nc.cfg.Enabled {
			continue
		}
		if nc.cfg.BaseURL == "" {
			return nil, fmt.Errorf("%s backend enabled without base_url", nc.kind)
		}
		opts := Options{}
		if nc.cfg.ProgramVKeyHash != "" {
			opts.ProgramVKeyHash = common.HexToHash(nc.cfg.ProgramVKeyHash)
		}
		client := clients.NewProvingNetworkClient(nc.cfg.BaseURL, nc.cfg.APIKey,
			time.Duration(nc.cfg.Timeout)*time.Second, nc.cfg.RequestsPerSecond, nc.cfg.Burst)
		r.Register(NewNetworkBackend(nc.kind, client), opts)
	}

	log.Printf("✅ [Backends] Registered: %s", strings.Join(kindNames(r.Kinds()), ", "))
	return r, nil
}

// Register add or replace the backend for b.Kind()
func (r *Registry) Register(b Backend, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[b.Kind()] = registryEntry{backend: b, options: opts}
}

// Lookup backend and options for a concrete kind
func (r *Registry) Lookup(kind models.ProofKind) (Backend, Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	return e.backend, e.options, ok
}

// Kinds registered kinds, sorted
func (r *Registry) Kinds() []models.ProofKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProofKind, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve pick the concrete kind for key. drawn is false when auto-select
// opted out or drew a kind that is not registered; err is set only for a
// concrete kind with no backend.
func (r *Registry) Resolve(key *models.RequestKey) (kind models.ProofKind, drawn bool, err error) {
	if key.ProofKind != models.ProofKindAuto {
		if _, _, ok := r.Lookup(key.ProofKind); !ok {
			return "", false, fmt.Errorf("no backend registered for %s", key.ProofKind)
		}
		return key.ProofKind, true, nil
	}

	if r.selector == nil {
		return "", false, nil
	}
	kind, ok := r.selector.Select(key)
	if !ok {
		return "", false, nil
	}
	if _, _, registered := r.Lookup(kind); !registered {
		log.Printf("⚠️ [Backends] Ballot drew %s but it is not available", kind)
		return "", false, nil
	}
	return kind, true, nil
}

func kindNames(kinds []models.ProofKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
