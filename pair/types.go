// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pair implements a constant-product swap pair with a liquidity
// rental extension. The pair holds reserves of two tokens, issues a
// pool-share token against them, executes fee-taking swaps under the
// constant-product invariant, and maintains a time-weighted price
// accumulator. Tenants may additionally rent a reserve-proportional slice
// of pool liquidity against posted margin, paying a utilization-priced
// rental fee and facing forced liquidation when margin runs out.
//
// All state lives in an injected key-value database; every mutating
// operation runs on a versioned overlay and commits atomically.
package pair

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// MinimumLiquidity is permanently minted to the burn address on the first
// deposit to stop share-price griefing at bootstrap.
// https://uniswap.org/docs/v2/protocol-overview/smart-contracts/#minimum-liquidity
const MinimumLiquidity int64 = 1000

// Pool-share token metadata (NEP-17-style surface)
const (
	ShareSymbol   = "SWP"
	ShareDecimals = 8
)

// Swap fee: 3 per mille on the inbound amount
const (
	feePerMille    = 3
	feeScale       = 1000
	invariantScale = 1_000_000 // feeScale squared
)

// Rental pricing constants
const (
	// utilizationScale is the resolution of the utilization rate:
	// 1000 == fully rented.
	utilizationScale = 1000

	// liquidityScale sharpens the per-tenant sqrt before the final
	// division (65536 squared under the sqrt, 65536 outside).
	liquidityScale = 65536

	// maxLiquidationScan bounds a single discovery pass.
	maxLiquidationScan = 500
)

// Fixed is the fixed-point scale of the price accumulators (1e17).
var Fixed = new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)

var minimumLiquidity = big.NewInt(MinimumLiquidity)

// burnAddress receives the permanently locked first-mint shares.
var burnAddress = common.Address{}

// Errors - core AMM
var (
	ErrReentrant                   = errors.New("reentrancy detected")
	ErrInvalidTo                   = errors.New("invalid to-address")
	ErrInvalidAmountOut            = errors.New("invalid amount out")
	ErrInsufficientLiquidity       = errors.New("insufficient liquidity")
	ErrInsufficientInput           = errors.New("insufficient input amount")
	ErrInvariantK                  = errors.New("constant product invariant violated")
	ErrInsufficientLiquidityMinted = errors.New("insufficient liquidity minted")
	ErrInsufficientLiquidityBurned = errors.New("insufficient liquidity burned")
	ErrIdenticalTokens             = errors.New("identical token addresses")
)

// Errors - rental subsystem
var (
	ErrInvalidRentAmount       = errors.New("exactly one rent leg must be set")
	ErrInsufficientReserve     = errors.New("insufficient unrented reserve")
	ErrInsufficientMargin      = errors.New("insufficient margin")
	ErrPositionNotLiquidatable = errors.New("position not liquidatable")
)

// Errors - token movement and authorization
var (
	ErrTransferFailed     = errors.New("token transfer failed")
	ErrShortDelivery      = errors.New("token delivery short of expected amount")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientShares = errors.New("insufficient share balance")
	ErrNoWitness          = errors.New("witness check failed")
)

// ReservesData is the pair's last-synced holding of both tokens.
type ReservesData struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// PriceCumulative carries the time-weighted price integrals and the
// timestamp (truncated 32-bit epoch seconds) of the last accumulation.
type PriceCumulative struct {
	Price0CumulativeLast *big.Int
	Price1CumulativeLast *big.Int
	BlockTimestampLast   uint64
}

// TenantPosition is the full rental record of one tenant.
// A position whose amounts are all zero is not stored.
type TenantPosition struct {
	Rented0       *big.Int
	Rented1       *big.Int
	Margin0       *big.Int
	Margin1       *big.Int
	FeeCheckpoint *big.Int // global fee accumulation at last settlement
}

// RentalState is the aggregate rental ledger.
type RentalState struct {
	TotalRented0 *big.Int
	TotalRented1 *big.Int
	Price        *big.Int // fee rate per unit rented liquidity per tick
	Accumulation *big.Int // running integral of Price over time
	UpdateTime   uint64
}

// Clock supplies the chain clock in milliseconds since the epoch.
type Clock interface {
	Time() uint64
}

// WitnessChecker reports whether the current invocation proves control of
// an account. Withdrawal of rental margin and share transfers require it.
type WitnessChecker interface {
	CheckWitness(account common.Address) bool
}

// pairID derives the stable identifier of a token pair.
func pairID(token0, token1 common.Address) [32]byte {
	h := blake3.New()
	h.Write(token0.Bytes())
	h.Write(token1.Bytes())

	var id [32]byte
	h.Digest().Read(id[:])
	return id
}

// floorSqrt returns the integer square root of x, zero for non-positive x.
func floorSqrt(x *big.Int) *big.Int {
	if x.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sqrt(x)
}

// nz maps a nil big.Int to zero so callers may pass nil for "no amount".
func nz(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
