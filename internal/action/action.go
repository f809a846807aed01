// Package action generates and executes randomized admin parameter changes.
package action

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// Kind is an admin action type.
type Kind string

// Action kinds.
const (
	UpdateCurve  Kind = "update_curve"
	UpdateK      Kind = "update_k"
	UpdateIMF    Kind = "update_imf"
	UpdateOracle Kind = "update_oracle"
)

// Kinds lists every action kind in selection order.
var Kinds = []Kind{UpdateCurve, UpdateK, UpdateIMF, UpdateOracle}

// Action is one admin parameter change on a perp market. Only the fields
// of its Kind are set.
type Action struct {
	Kind   Kind   `json:"kind"`
	Market uint16 `json:"market_index"`

	NewPeg *big.Int `json:"new_peg_candidate,omitempty"`
	SqrtK  *big.Int `json:"sqrt_k,omitempty"`

	IMFFactor              uint32 `json:"imf_factor,omitempty"`
	UnrealizedPnLIMFFactor uint32 `json:"upnl_imf_factor,omitempty"`

	Oracle      solana.PublicKey `json:"oracle,omitzero"`
	OraclePrice int64            `json:"oracle_price,omitempty"`
}

// String describes the action for logs.
func (a Action) String() string {
	switch a.Kind {
	case UpdateCurve:
		return fmt.Sprintf("%s market=%d peg=%s", a.Kind, a.Market, a.NewPeg)
	case UpdateK:
		return fmt.Sprintf("%s market=%d sqrt_k=%s", a.Kind, a.Market, a.SqrtK)
	case UpdateIMF:
		return fmt.Sprintf("%s market=%d imf=%d upnl_imf=%d", a.Kind, a.Market, a.IMFFactor, a.UnrealizedPnLIMFFactor)
	case UpdateOracle:
		return fmt.Sprintf("%s market=%d price=%d", a.Kind, a.Market, a.OraclePrice)
	}
	return fmt.Sprintf("%s market=%d", a.Kind, a.Market)
}

// Parameters returns the JSON encoded action.
func (a Action) Parameters() json.RawMessage {
	data, _ := json.Marshal(a)
	return data
}
