// Package cluster provides the environments the simulator can target.
// Each environment pins the program addresses the harness needs, so
// workflows never branch on environment names directly.
package cluster

import (
	"github.com/gagliardetto/solana-go"
)

// Cluster describes one deployment of the exchange program.
type Cluster struct {
	// Name is the canonical identifier (e.g., "localnet", "devnet").
	Name string

	// Env is the environment name the gateway uses to select the client
	// library configuration ("mainnet" or "devnet").
	Env string

	// ProgramID is the exchange program address.
	ProgramID solana.PublicKey

	// OracleProgramID is the mock price-feed program that owns the oracles.
	OracleProgramID solana.PublicKey

	// LookupTable is the address lookup table used for versioned transactions.
	LookupTable solana.PublicKey

	// RPCURL and WSURL are the default ledger endpoints.
	RPCURL string
	WSURL  string

	// LocalClone is true when the cluster is a local validator cloned from
	// mainnet state, which allows airdrops and admin overrides.
	LocalClone bool
}

// String returns the canonical name of the cluster.
func (c *Cluster) String() string {
	if c == nil {
		return "unknown"
	}
	return c.Name
}
