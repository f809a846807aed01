package action

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"

	"github.com/gateway-fm/perpsim/internal/exchange"
)

// DefaultMaxMarketIndex is the highest perp market index picked by default.
const DefaultMaxMarketIndex = 23

// DefaultMaxPctDelta bounds the relative perturbation of a value.
const DefaultMaxPctDelta = 0.1

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	MaxMarketIndex uint16
	MaxPctDelta    float64
	// Seed makes the sequence reproducible when non-zero.
	Seed uint64
}

// DefaultGeneratorConfig returns the default generator settings.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{MaxMarketIndex: DefaultMaxMarketIndex, MaxPctDelta: DefaultMaxPctDelta}
}

// Generator draws random actions from current market state.
type Generator struct {
	rng      *rand.Rand
	maxIndex uint16
	maxPct   float64
}

// NewGenerator creates a Generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	maxPct := cfg.MaxPctDelta
	if maxPct <= 0 {
		maxPct = DefaultMaxPctDelta
	}
	return &Generator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		maxIndex: cfg.MaxMarketIndex,
		maxPct:   maxPct,
	}
}

// Next picks a kind and a market uniformly and perturbs the current value
// by a uniform fraction in [-MaxPctDelta, MaxPctDelta).
func (g *Generator) Next(ctx context.Context, admin exchange.Reader) (Action, error) {
	kind := Kinds[g.rng.IntN(len(Kinds))]
	market := uint16(g.rng.IntN(int(g.maxIndex) + 1))
	pct := -g.maxPct + g.rng.Float64()*2*g.maxPct

	pm, err := admin.PerpMarket(ctx, market)
	if err != nil {
		return Action{}, fmt.Errorf("read perp market %d: %w", market, err)
	}

	a := Action{Kind: kind, Market: market}
	switch kind {
	case UpdateCurve:
		a.NewPeg = perturbBig(pm.AMM.PegMultiplier, pct)
	case UpdateK:
		a.SqrtK = perturbBig(pm.AMM.SqrtK, pct)
	case UpdateIMF:
		a.IMFFactor = uint32(perturb(int64(pm.IMFFactor), pct))
		a.UnrealizedPnLIMFFactor = uint32(perturb(int64(pm.UnrealizedPnLIMFFactor), pct))
	case UpdateOracle:
		price, err := admin.OraclePriceForPerp(ctx, market)
		if err != nil {
			return Action{}, fmt.Errorf("read perp market %d oracle: %w", market, err)
		}
		a.Oracle = pm.AMM.Oracle
		a.OraclePrice = perturb(price.Price, pct)
	}
	return a, nil
}

// perturb returns old + int(old * pct), truncating toward zero.
func perturb(old int64, pct float64) int64 {
	return old + int64(float64(old)*pct)
}

// perturbBig is perturb for 128-bit values.
func perturbBig(old *big.Int, pct float64) *big.Int {
	if old == nil {
		return new(big.Int)
	}
	delta, _ := new(big.Float).Mul(new(big.Float).SetInt(old), big.NewFloat(pct)).Int(nil)
	return delta.Add(delta, old)
}
