// Package exchangetest provides an in-memory exchange for workflow tests.
package exchangetest

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/perpsim/internal/cluster"
	"github.com/gateway-fm/perpsim/internal/exchange"
	"github.com/gateway-fm/perpsim/internal/keys"
	"github.com/gateway-fm/perpsim/internal/rpc"
)

// UserDataSize is the length of encoded user account data.
const UserDataSize = exchange.UserAccountDataOffsetIdle + 2

// ComputeLog is the log line attached to every successful transaction.
const ComputeLog = "Program dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH consumed 12000 of 200000 compute units"

type userKey struct {
	authority solana.PublicKey
	sub       uint16
}

// Call is a recorded exchange operation.
type Call struct {
	Method    string
	Authority solana.PublicKey
	Market    uint16
	Sub       uint16
	Value     int64
}

// Exchange is an in-memory exchange implementing the gateway surface.
type Exchange struct {
	mu sync.Mutex

	programID solana.PublicKey
	perps     map[uint16]*exchange.PerpMarket
	spots     map[uint16]*exchange.SpotMarket
	feeds     map[solana.PublicKey]*exchange.FeedData
	users     map[userKey]*exchange.UserAccount
	encoded   []userKey

	guardRails          exchange.OracleGuardRails
	auctionDuration     uint8
	lpCooldown          int64
	liquidationDuration uint8

	failures map[string][]error
	calls    []Call
	dialed   map[solana.PublicKey]exchange.DialOptions
}

// New creates an empty exchange.
func New() *Exchange {
	return &Exchange{
		programID:       cluster.ExchangeProgramID,
		perps:           make(map[uint16]*exchange.PerpMarket),
		spots:           make(map[uint16]*exchange.SpotMarket),
		feeds:           make(map[solana.PublicKey]*exchange.FeedData),
		users:           make(map[userKey]*exchange.UserAccount),
		failures:        make(map[string][]error),
		dialed:          make(map[solana.PublicKey]exchange.DialOptions),
		auctionDuration: 10,
		lpCooldown:      3600,
	}
}

// TxError builds the error the gateway returns for a failed transaction.
func TxError(message string) error {
	return &rpc.RPCError{
		Code:    -32002,
		Message: "transaction simulation failed",
		Logs:    []string{"Program log: AnchorError occurred. Error Message: " + message},
	}
}

// FailNext queues errors returned by the next calls of a gateway method
// (e.g. "exchange_settlePnl"), one per call.
func (e *Exchange) FailNext(method string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[method] = append(e.failures[method], errs...)
}

// Calls returns recorded calls of a gateway method.
func (e *Exchange) Calls(method string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Call
	for _, c := range e.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Dialed returns the options a wallet was dialed with.
func (e *Exchange) Dialed(authority solana.PublicKey) (exchange.DialOptions, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	opts, ok := e.dialed[authority]
	return opts, ok
}

// AddPerpMarket adds a perp market. A feed with exponent -6 is created for
// its oracle unless one exists.
func (e *Exchange) AddPerpMarket(m *exchange.PerpMarket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perps[m.MarketIndex] = m
	if _, ok := e.feeds[m.AMM.Oracle]; !ok {
		e.feeds[m.AMM.Oracle] = &exchange.FeedData{Price: m.AMM.HistoricalOracleData.LastOraclePrice, Exponent: -6}
	}
}

// AddSpotMarket adds a spot market. A feed with exponent -6 is created for
// its oracle unless one exists.
func (e *Exchange) AddSpotMarket(m *exchange.SpotMarket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spots[m.MarketIndex] = m
	if _, ok := e.feeds[m.Oracle]; !ok {
		e.feeds[m.Oracle] = &exchange.FeedData{Price: exchange.PricePrecision, Exponent: -6}
	}
}

// SetFeed replaces an oracle feed.
func (e *Exchange) SetFeed(oracle solana.PublicKey, feed exchange.FeedData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeds[oracle] = &feed
}

// AddUser adds or replaces a user account.
func (e *Exchange) AddUser(u *exchange.UserAccount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u.Pubkey.IsZero() {
		u.Pubkey, _ = keys.UserAccountAddress(e.programID, u.Authority, u.SubAccountID)
	}
	e.users[userKey{u.Authority, u.SubAccountID}] = u
}

// User returns a copy of a user account.
func (e *Exchange) User(authority solana.PublicKey, sub uint16) (*exchange.UserAccount, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.users[userKey{authority, sub}]
	if !ok {
		return nil, false
	}
	return copyUser(u), true
}

// EncodeUser returns account data that DecodeUser maps back to the user.
// The data carries the user discriminator and the idle flag at their offsets.
func (e *Exchange) EncodeUser(u *exchange.UserAccount) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := make([]byte, UserDataSize)
	copy(data, exchange.UserDiscriminator)
	binary.LittleEndian.PutUint32(data[8:], uint32(len(e.encoded)))
	if u.Idle {
		data[exchange.UserAccountDataOffsetIdle] = 1
	}
	e.encoded = append(e.encoded, userKey{u.Authority, u.SubAccountID})
	return data
}

// GuardRails returns the current oracle guard rails.
func (e *Exchange) GuardRails() exchange.OracleGuardRails {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guardRails
}

// Durations returns the auction duration, LP cooldown and liquidation duration.
func (e *Exchange) Durations() (auction uint8, lpCooldown int64, liquidation uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.auctionDuration, e.lpCooldown, e.liquidationDuration
}

// Client returns a client signed by authority.
func (e *Exchange) Client(authority solana.PublicKey) *Client {
	return &Client{ex: e, authority: authority, subAccounts: []uint16{0}}
}

// DialAdmin implements exchange.Dialer.
func (e *Exchange) DialAdmin(ctx context.Context, kp *keys.Keypair, opts exchange.DialOptions) (exchange.Admin, error) {
	if err := e.dial(kp, opts); err != nil {
		return nil, err
	}
	return e.Client(kp.PublicKey()), nil
}

// DialAgent implements exchange.Dialer.
func (e *Exchange) DialAgent(ctx context.Context, kp *keys.Keypair, opts exchange.DialOptions) (exchange.Agent, error) {
	if err := e.dial(kp, opts); err != nil {
		return nil, err
	}
	return e.Client(kp.PublicKey()), nil
}

func (e *Exchange) dial(kp *keys.Keypair, opts exchange.DialOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked("exchange_register"); err != nil {
		return err
	}
	e.dialed[kp.PublicKey()] = opts
	return nil
}

func (e *Exchange) failLocked(method string) error {
	q := e.failures[method]
	if len(q) == 0 {
		return nil
	}
	e.failures[method] = q[1:]
	return q[0]
}

// begin records a call and returns an injected failure, if any.
// The caller must hold e.mu.
func (e *Exchange) begin(c Call) error {
	e.calls = append(e.calls, c)
	return e.failLocked(c.Method)
}

func (e *Exchange) oraclePriceLocked(oracle solana.PublicKey) (exchange.OraclePriceData, error) {
	feed, ok := e.feeds[oracle]
	if !ok {
		return exchange.OraclePriceData{}, fmt.Errorf("no feed for oracle %s", oracle)
	}
	return exchange.OraclePriceData{
		Price:                           scaleToPrice(feed.Price, feed.Exponent),
		HasSufficientNumberOfDataPoints: true,
	}, nil
}

// scaleToPrice converts a raw feed value to price precision.
func scaleToPrice(raw int64, exponent int32) int64 {
	shift := int64(exponent) + int64(exchange.PriceExp)
	v := big.NewInt(raw)
	p := new(big.Int).Exp(big.NewInt(10), big.NewInt(abs(shift)), nil)
	if shift >= 0 {
		return v.Mul(v, p).Int64()
	}
	return v.Quo(v, p).Int64()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func okTx() exchange.TxResult {
	var sig solana.Signature
	rand.Read(sig[:])
	return exchange.TxResult{Signature: sig, Logs: []string{ComputeLog}}
}

func copyUser(u *exchange.UserAccount) *exchange.UserAccount {
	c := *u
	c.PerpPositions = slices.Clone(u.PerpPositions)
	c.Orders = slices.Clone(u.Orders)
	return &c
}

func copyPerp(m *exchange.PerpMarket) *exchange.PerpMarket {
	c := *m
	return &c
}

func copySpot(m *exchange.SpotMarket) *exchange.SpotMarket {
	c := *m
	return &c
}

func sub(a *big.Int, b uint64) *big.Int {
	if a == nil {
		a = new(big.Int)
	}
	return new(big.Int).Sub(a, new(big.Int).SetUint64(b))
}

var errUnknownUser = errors.New("user account not found")
