// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// TokenBackend moves and reports balances of the two pooled tokens.
// Transfer returns false for a rejected transfer; it must not leave
// partial state behind on rejection.
type TokenBackend interface {
	Transfer(s *Store, asset, from, to common.Address, amount *big.Int, data []byte) bool
	BalanceOf(s *Store, asset, account common.Address) *big.Int
}

// StoreLedger is a TokenBackend keeping fungible-token balances in the
// pair's own keyspace. Balances are encoded as 32-byte uint256 words.
type StoreLedger struct{}

func ledgerKey(asset, account common.Address) []byte {
	k := make([]byte, 0, len(assetPrefix)+2*common.AddressLength)
	k = append(k, assetPrefix...)
	k = append(k, asset.Bytes()...)
	return append(k, account.Bytes()...)
}

func (StoreLedger) BalanceOf(s *Store, asset, account common.Address) *big.Int {
	raw, err := s.db.Get(ledgerKey(asset, account))
	if err != nil {
		return new(big.Int)
	}
	var v uint256.Int
	v.SetBytes(raw)
	return v.ToBig()
}

func (l StoreLedger) Transfer(s *Store, asset, from, to common.Address, amount *big.Int, data []byte) bool {
	if amount.Sign() < 0 {
		return false
	}
	if amount.Sign() == 0 || from == to {
		return true
	}
	fromBal := l.BalanceOf(s, asset, from)
	if fromBal.Cmp(amount) < 0 {
		return false
	}
	fromBal.Sub(fromBal, amount)
	toBal := l.BalanceOf(s, asset, to)
	toBal.Add(toBal, amount)
	if err := l.setBalance(s, asset, from, fromBal); err != nil {
		return false
	}
	if err := l.setBalance(s, asset, to, toBal); err != nil {
		return false
	}
	return true
}

// Mint credits an account out of thin air. Genesis and test fixtures
// fund accounts with it.
func (l StoreLedger) Mint(db database.Database, asset, account common.Address, amount *big.Int) error {
	s := NewStore(db)
	bal := l.BalanceOf(s, asset, account)
	bal.Add(bal, amount)
	return l.setBalance(s, asset, account, bal)
}

func (StoreLedger) setBalance(s *Store, asset, account common.Address, v *big.Int) error {
	if v.Sign() <= 0 {
		err := s.db.Delete(ledgerKey(asset, account))
		if err == database.ErrNotFound {
			return nil
		}
		return err
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return ErrInvalidAmount
	}
	return s.db.Put(ledgerKey(asset, account), word.Bytes())
}

// safeMove transfers amount of asset and verifies delivery by the
// recipient's balance delta, so a lying backend cannot fake a payout.
func (p *Pair) safeMove(s *Store, asset, from, to common.Address, amount *big.Int, data []byte) error {
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	before := p.tokens.BalanceOf(s, asset, to)
	if !p.tokens.Transfer(s, asset, from, to, amount, data) {
		return ErrTransferFailed
	}
	after := p.tokens.BalanceOf(s, asset, to)
	if new(big.Int).Sub(after, before).Cmp(amount) < 0 {
		return ErrShortDelivery
	}
	return nil
}

// safeTransfer pays out of the pair's own holdings.
func (p *Pair) safeTransfer(s *Store, asset, to common.Address, amount *big.Int, data []byte) error {
	return p.safeMove(s, asset, p.self, to, amount, data)
}
