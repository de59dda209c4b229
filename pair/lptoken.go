// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// The pool-share token. Shares follow a NEP-17-style surface: supply,
// balance, and witness-checked transfer. Mint and Burn move shares
// internally without witness checks.

// TotalSupply reports the outstanding pool shares, including the
// permanently locked first-mint amount.
func (p *Pair) TotalSupply(db database.Database) (*big.Int, error) {
	return NewStore(db).ShareSupply()
}

// BalanceOf reports an account's pool-share balance.
func (p *Pair) BalanceOf(db database.Database, account common.Address) (*big.Int, error) {
	return NewStore(db).ShareBalance(account)
}

// TransferShares moves pool shares between accounts. The sender must pass
// the witness check. Burning liquidity starts with a transfer to the
// pair's own address.
func (p *Pair) TransferShares(db database.Database, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return p.run(db, func(s *Store) error {
		if !p.witness.CheckWitness(from) {
			return ErrNoWitness
		}
		fromBal, err := s.ShareBalance(from)
		if err != nil {
			return err
		}
		if fromBal.Cmp(amount) < 0 {
			return ErrInsufficientShares
		}
		if from != to {
			if err := s.SetShareBalance(from, new(big.Int).Sub(fromBal, amount)); err != nil {
				return err
			}
			toBal, err := s.ShareBalance(to)
			if err != nil {
				return err
			}
			if err := s.SetShareBalance(to, toBal.Add(toBal, amount)); err != nil {
				return err
			}
		}
		p.emit(SharesTransferred{From: from, To: to, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

func (p *Pair) mintShares(s *Store, to common.Address, amount *big.Int) error {
	supply, err := s.ShareSupply()
	if err != nil {
		return err
	}
	if err := s.SetShareSupply(supply.Add(supply, amount)); err != nil {
		return err
	}
	bal, err := s.ShareBalance(to)
	if err != nil {
		return err
	}
	if err := s.SetShareBalance(to, bal.Add(bal, amount)); err != nil {
		return err
	}
	p.emit(SharesTransferred{From: burnAddress, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

func (p *Pair) burnShares(s *Store, from common.Address, amount *big.Int) error {
	bal, err := s.ShareBalance(from)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientShares
	}
	if err := s.SetShareBalance(from, bal.Sub(bal, amount)); err != nil {
		return err
	}
	supply, err := s.ShareSupply()
	if err != nil {
		return err
	}
	if err := s.SetShareSupply(supply.Sub(supply, amount)); err != nil {
		return err
	}
	p.emit(SharesTransferred{From: from, To: burnAddress, Amount: new(big.Int).Set(amount)})
	return nil
}
