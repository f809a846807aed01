package cluster

import (
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Well-known program addresses.
var (
	ExchangeProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

	MainnetOracleProgramID = solana.MustPublicKeyFromBase58("FsJ3A3u2vn5cTVofAjvy6y5kwABJAqYWpe4975bi2epH")
	DevnetOracleProgramID  = solana.MustPublicKeyFromBase58("gSbePebfvPy7tRqimPoVecS2UsBvYv46ynrzWocc92s")

	MainnetLookupTable = solana.MustPublicKeyFromBase58("D9cnvzswDikQDf53k4HpQ3KJ9y1Fv3HGGDFYMXnK5T6c")
	DevnetLookupTable  = solana.MustPublicKeyFromBase58("FaMS3U4uBojvGn5FSDEPimddcXsCfwkKsFgMVVnDdxGb")
)

// Registry holds registered cluster definitions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Cluster
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Cluster),
	}
}

// Register adds or updates a cluster definition.
func (r *Registry) Register(c *Cluster) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c.Name] = c
}

// Get retrieves a cluster by name. Returns nil if not found.
func (r *Registry) Get(name string) *Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered cluster names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry pre-populated with the built-in clusters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Localnet())
	r.Register(Devnet())
	return r
}

// Localnet is a local test validator started from a mainnet clone.
func Localnet() *Cluster {
	return &Cluster{
		Name:            "localnet",
		Env:             "mainnet",
		ProgramID:       ExchangeProgramID,
		OracleProgramID: MainnetOracleProgramID,
		LookupTable:     MainnetLookupTable,
		RPCURL:          "http://127.0.0.1:8899",
		WSURL:           "ws://127.0.0.1:8900",
		LocalClone:      true,
	}
}

// Devnet is the public devnet deployment.
func Devnet() *Cluster {
	return &Cluster{
		Name:            "devnet",
		Env:             "devnet",
		ProgramID:       ExchangeProgramID,
		OracleProgramID: DevnetOracleProgramID,
		LookupTable:     DevnetLookupTable,
		RPCURL:          "https://api.devnet.solana.com",
		WSURL:           "wss://api.devnet.solana.com",
	}
}
