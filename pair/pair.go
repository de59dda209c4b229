// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"bytes"
	"math/big"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
)

// Pair is a constant-product liquidity pair over two tokens, with a
// pool-share token, a cumulative price oracle, and a liquidity rental
// ledger. It is stateless apart from its event history: all pool state
// lives in the database handed to each operation.
type Pair struct {
	log log.Logger

	token0 common.Address
	token1 common.Address
	self   common.Address
	id     [32]byte

	tokens  TokenBackend
	witness WitnessChecker
	clock   Clock

	mu     sync.Mutex
	events []Event
}

// Config assembles a Pair. TokenA and TokenB may arrive in either order;
// the pair sorts them into its canonical token0/token1 slots.
type Config struct {
	TokenA  common.Address
	TokenB  common.Address
	Address common.Address // the pair's own account, holder of reserves
	Tokens  TokenBackend
	Witness WitnessChecker
	Clock   Clock
	Log     log.Logger
}

func New(cfg Config) (*Pair, error) {
	if cfg.TokenA == cfg.TokenB {
		return nil, ErrIdenticalTokens
	}
	token0, token1 := cfg.TokenA, cfg.TokenB
	if bytes.Compare(token1.Bytes(), token0.Bytes()) < 0 {
		token0, token1 = token1, token0
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.NewTestLogger(log.InfoLevel)
	}
	p := &Pair{
		log:     logger,
		token0:  token0,
		token1:  token1,
		self:    cfg.Address,
		id:      pairID(token0, token1),
		tokens:  cfg.Tokens,
		witness: cfg.Witness,
		clock:   cfg.Clock,
	}
	p.emit(Deployed{ID: p.id, Token0: token0, Token1: token1})
	return p, nil
}

func (p *Pair) ID() [32]byte           { return p.id }
func (p *Pair) Token0() common.Address { return p.token0 }
func (p *Pair) Token1() common.Address { return p.token1 }

// run executes fn against a versioned overlay of db, committing on nil
// error and unwinding every write otherwise.
func (p *Pair) run(db database.Database, fn func(s *Store) error) error {
	vdb := versiondb.New(db)
	if err := fn(NewStore(vdb)); err != nil {
		vdb.Abort()
		return err
	}
	return vdb.Commit()
}

// guarded is run plus the persisted reentrancy flag. Every mutating
// entry point goes through it; a nested entry observes the flag through
// the overlay and fails.
func (p *Pair) guarded(db database.Database, fn func(s *Store) error) error {
	return p.run(db, func(s *Store) error {
		if err := s.enter(); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		return s.exit()
	})
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (p *Pair) Reserves(db database.Database) (ReservesData, error) {
	s := NewStore(db)
	r0, err := s.Reserve0()
	if err != nil {
		return ReservesData{}, err
	}
	r1, err := s.Reserve1()
	if err != nil {
		return ReservesData{}, err
	}
	return ReservesData{Reserve0: r0, Reserve1: r1}, nil
}

func (p *Pair) PriceOracle(db database.Database) (PriceCumulative, error) {
	s := NewStore(db)
	p0, err := s.Price0Cumulative()
	if err != nil {
		return PriceCumulative{}, err
	}
	p1, err := s.Price1Cumulative()
	if err != nil {
		return PriceCumulative{}, err
	}
	ts, err := s.BlockTimestampLast()
	if err != nil {
		return PriceCumulative{}, err
	}
	return PriceCumulative{
		Price0CumulativeLast: p0,
		Price1CumulativeLast: p1,
		BlockTimestampLast:   ts,
	}, nil
}

// ---------------------------------------------------------------------------
// Oracle update
// ---------------------------------------------------------------------------

// update syncs the stored reserves to the observed balances and folds the
// elapsed time into the price accumulators. Accumulation is skipped when
// no time passed or when the previous reserves were empty; the oracle
// timestamp only advances when accumulation happens.
func (p *Pair) update(s *Store, balance0, balance1, reserve0, reserve1 *big.Int) error {
	ts := uint64(uint32(p.clock.Time() / 1000))
	last, err := s.BlockTimestampLast()
	if err != nil {
		return err
	}
	elapsed := uint64(uint32(ts) - uint32(last))

	if elapsed > 0 && reserve0.Sign() > 0 && reserve1.Sign() > 0 {
		e := new(big.Int).SetUint64(elapsed)

		price0 := new(big.Int).Mul(reserve1, Fixed)
		price0.Div(price0, reserve0)
		price1 := new(big.Int).Mul(reserve0, Fixed)
		price1.Div(price1, reserve1)

		p0cum, err := s.Price0Cumulative()
		if err != nil {
			return err
		}
		p1cum, err := s.Price1Cumulative()
		if err != nil {
			return err
		}
		p0cum.Add(p0cum, price0.Mul(price0, e))
		p1cum.Add(p1cum, price1.Mul(price1, e))
		if err := s.SetPriceCumulative(p0cum, p1cum); err != nil {
			return err
		}
		if err := s.SetBlockTimestampLast(ts); err != nil {
			return err
		}
	}

	if err := s.SetReserves(balance0, balance1); err != nil {
		return err
	}
	p.emit(Synced{
		Reserve0: new(big.Int).Set(balance0),
		Reserve1: new(big.Int).Set(balance1),
	})
	return nil
}

// ---------------------------------------------------------------------------
// Mint / Burn
// ---------------------------------------------------------------------------

// Mint issues pool shares for tokens already transferred to the pair.
// The first deposit permanently locks MinimumLiquidity shares at the
// burn address.
func (p *Pair) Mint(db database.Database, to common.Address) (*big.Int, error) {
	var liquidity *big.Int
	err := p.guarded(db, func(s *Store) error {
		reserve0, err := s.Reserve0()
		if err != nil {
			return err
		}
		reserve1, err := s.Reserve1()
		if err != nil {
			return err
		}
		balance0 := p.tokens.BalanceOf(s, p.token0, p.self)
		balance1 := p.tokens.BalanceOf(s, p.token1, p.self)
		amount0 := new(big.Int).Sub(balance0, reserve0)
		amount1 := new(big.Int).Sub(balance1, reserve1)

		supply, err := s.ShareSupply()
		if err != nil {
			return err
		}
		if supply.Sign() == 0 {
			liquidity = floorSqrt(new(big.Int).Mul(amount0, amount1))
			liquidity.Sub(liquidity, minimumLiquidity)
			if liquidity.Sign() <= 0 {
				return ErrInsufficientLiquidityMinted
			}
			if err := p.mintShares(s, burnAddress, minimumLiquidity); err != nil {
				return err
			}
		} else {
			if reserve0.Sign() == 0 || reserve1.Sign() == 0 {
				return ErrInsufficientLiquidity
			}
			l0 := new(big.Int).Mul(amount0, supply)
			l0.Div(l0, reserve0)
			l1 := new(big.Int).Mul(amount1, supply)
			l1.Div(l1, reserve1)
			liquidity = l0
			if l1.Cmp(l0) < 0 {
				liquidity = l1
			}
			if liquidity.Sign() <= 0 {
				return ErrInsufficientLiquidityMinted
			}
		}
		if err := p.mintShares(s, to, liquidity); err != nil {
			return err
		}
		if err := p.update(s, balance0, balance1, reserve0, reserve1); err != nil {
			return err
		}
		p.emit(Minted{To: to, Amount0: amount0, Amount1: amount1, Liquidity: new(big.Int).Set(liquidity)})
		p.log.Info("liquidity minted", "to", to, "amount0", amount0, "amount1", amount1, "liquidity", liquidity)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return liquidity, nil
}

// Burn redeems pool shares previously transferred to the pair, paying out
// the proportional slice of both reserves.
func (p *Pair) Burn(db database.Database, to common.Address) (*big.Int, *big.Int, error) {
	var amount0, amount1 *big.Int
	err := p.guarded(db, func(s *Store) error {
		reserve0, err := s.Reserve0()
		if err != nil {
			return err
		}
		reserve1, err := s.Reserve1()
		if err != nil {
			return err
		}
		balance0 := p.tokens.BalanceOf(s, p.token0, p.self)
		balance1 := p.tokens.BalanceOf(s, p.token1, p.self)
		liquidity, err := s.ShareBalance(p.self)
		if err != nil {
			return err
		}
		supply, err := s.ShareSupply()
		if err != nil {
			return err
		}
		if supply.Sign() == 0 {
			return ErrInsufficientLiquidityBurned
		}
		amount0 = new(big.Int).Mul(liquidity, balance0)
		amount0.Div(amount0, supply)
		amount1 = new(big.Int).Mul(liquidity, balance1)
		amount1.Div(amount1, supply)
		if amount0.Sign() <= 0 || amount1.Sign() <= 0 {
			return ErrInsufficientLiquidityBurned
		}
		if err := p.burnShares(s, p.self, liquidity); err != nil {
			return err
		}
		if err := p.safeTransfer(s, p.token0, to, amount0, nil); err != nil {
			return err
		}
		if err := p.safeTransfer(s, p.token1, to, amount1, nil); err != nil {
			return err
		}
		balance0 = p.tokens.BalanceOf(s, p.token0, p.self)
		balance1 = p.tokens.BalanceOf(s, p.token1, p.self)
		if err := p.update(s, balance0, balance1, reserve0, reserve1); err != nil {
			return err
		}
		p.emit(Burned{To: to, Amount0: amount0, Amount1: amount1, Liquidity: liquidity})
		p.log.Info("liquidity burned", "to", to, "amount0", amount0, "amount1", amount1, "liquidity", liquidity)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

// ---------------------------------------------------------------------------
// Swap
// ---------------------------------------------------------------------------

// Swap trades against the pool reserves. The caller transfers the input
// tokens first, then names the outputs; the pair enforces the fee-adjusted
// constant-product invariant over what it actually received. Outputs may
// not dip into the rented portion of either reserve.
func (p *Pair) Swap(db database.Database, caller common.Address, amount0Out, amount1Out *big.Int, to common.Address, data []byte) error {
	amount0Out = nz(amount0Out)
	amount1Out = nz(amount1Out)
	return p.guarded(db, func(s *Store) error {
		if amount0Out.Sign() < 0 || amount1Out.Sign() < 0 {
			return ErrInvalidAmountOut
		}
		if (amount0Out.Sign() > 0) == (amount1Out.Sign() > 0) {
			// exactly one side leaves the pool
			return ErrInvalidAmountOut
		}
		if to == p.token0 || to == p.token1 || to == p.self {
			return ErrInvalidTo
		}
		reserve0, err := s.Reserve0()
		if err != nil {
			return err
		}
		reserve1, err := s.Reserve1()
		if err != nil {
			return err
		}
		totalRented0, err := s.TotalRented0()
		if err != nil {
			return err
		}
		totalRented1, err := s.TotalRented1()
		if err != nil {
			return err
		}
		if amount0Out.Cmp(new(big.Int).Sub(reserve0, totalRented0)) >= 0 ||
			amount1Out.Cmp(new(big.Int).Sub(reserve1, totalRented1)) >= 0 {
			return ErrInsufficientLiquidity
		}

		if err := p.safeTransfer(s, p.token0, to, amount0Out, data); err != nil {
			return err
		}
		if err := p.safeTransfer(s, p.token1, to, amount1Out, data); err != nil {
			return err
		}

		balance0 := p.tokens.BalanceOf(s, p.token0, p.self)
		balance1 := p.tokens.BalanceOf(s, p.token1, p.self)
		amount0In := amountIn(balance0, reserve0, amount0Out)
		amount1In := amountIn(balance1, reserve1, amount1Out)
		if amount0In.Sign() == 0 && amount1In.Sign() == 0 {
			return ErrInsufficientInput
		}

		adjusted0 := feeAdjusted(balance0, amount0In)
		adjusted1 := feeAdjusted(balance1, amount1In)
		k := new(big.Int).Mul(reserve0, reserve1)
		k.Mul(k, big.NewInt(invariantScale))
		if new(big.Int).Mul(adjusted0, adjusted1).Cmp(k) < 0 {
			return ErrInvariantK
		}

		if err := p.update(s, balance0, balance1, reserve0, reserve1); err != nil {
			return err
		}
		p.emit(Swapped{
			Caller:     caller,
			To:         to,
			Amount0In:  amount0In,
			Amount1In:  amount1In,
			Amount0Out: amount0Out,
			Amount1Out: amount1Out,
		})
		return nil
	})
}

// amountIn recovers the received input from the post-payout balance:
// anything above reserve-amountOut must have been sent in.
func amountIn(balance, reserve, amountOut *big.Int) *big.Int {
	floor := new(big.Int).Sub(reserve, amountOut)
	if balance.Cmp(floor) > 0 {
		return new(big.Int).Sub(balance, floor)
	}
	return new(big.Int)
}

// feeAdjusted is balance*1000 - amountIn*3, the fee-discounted balance
// used in the invariant check.
func feeAdjusted(balance, in *big.Int) *big.Int {
	adj := new(big.Int).Mul(balance, big.NewInt(feeScale))
	return adj.Sub(adj, new(big.Int).Mul(in, big.NewInt(feePerMille)))
}
