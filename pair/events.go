// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"math/big"

	"github.com/luxfi/geth/common"
)

// Event is a notification record kept by the pair. Concrete event types
// carry the payloads an indexer would consume.
type Event interface{ isEvent() }

// Deployed marks pair construction.
type Deployed struct {
	ID     [32]byte
	Token0 common.Address
	Token1 common.Address
}

// Synced records reserve updates after any balance-changing operation.
type Synced struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// Minted records a liquidity deposit.
type Minted struct {
	To        common.Address
	Amount0   *big.Int
	Amount1   *big.Int
	Liquidity *big.Int
}

// Burned records a liquidity withdrawal.
type Burned struct {
	To        common.Address
	Amount0   *big.Int
	Amount1   *big.Int
	Liquidity *big.Int
}

// Swapped records a trade against the pool or against rented liquidity.
type Swapped struct {
	Caller     common.Address
	To         common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
	Rented     bool
}

// SharesTransferred records a pool-share transfer, including mints
// (zero from) and burns (zero to).
type SharesTransferred struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Liquidated records a forced or settlement-triggered liquidation of a
// tenant's rental position.
type Liquidated struct {
	Tenant  common.Address
	Rented0 *big.Int
	Rented1 *big.Int
	Margin0 *big.Int
	Margin1 *big.Int
	Forced  bool
}

func (Deployed) isEvent()          {}
func (Synced) isEvent()            {}
func (Minted) isEvent()            {}
func (Burned) isEvent()            {}
func (Swapped) isEvent()           {}
func (SharesTransferred) isEvent() {}
func (Liquidated) isEvent()        {}

func (p *Pair) emit(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a snapshot of all notifications emitted so far.
func (p *Pair) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
