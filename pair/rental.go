// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// The rental subsystem lets a tenant borrow a reserve-proportional slice
// of pool liquidity against posted margin. Rental is priced by pool
// utilization; fees accrue via a global price-time accumulator and are
// deducted from margin at settlement. A tenant whose margin can no
// longer cover the accrued fee is liquidated: the position is closed and
// the margin forfeited to the pool.

var liquidityScaleSq = new(big.Int).Mul(
	big.NewInt(liquidityScale), big.NewInt(liquidityScale))

// ---------------------------------------------------------------------------
// Pricing
// ---------------------------------------------------------------------------

// utilizationRate measures how much of the pool's liquidity is rented,
// on a 0..1000 scale.
func (p *Pair) utilizationRate(s *Store) (*big.Int, error) {
	sum := new(big.Int)
	err := s.ForEachTenant(func(tenant common.Address) (bool, error) {
		rent0, err := s.Rented0(tenant)
		if err != nil {
			return false, err
		}
		rent1, err := s.Rented1(tenant)
		if err != nil {
			return false, err
		}
		liq := new(big.Int).Mul(rent0, rent1)
		sum.Add(sum, floorSqrt(liq.Mul(liq, liquidityScaleSq)))
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if sum.Sign() == 0 {
		return sum, nil
	}
	r0, err := s.Reserve0()
	if err != nil {
		return nil, err
	}
	r1, err := s.Reserve1()
	if err != nil {
		return nil, err
	}
	denom := floorSqrt(new(big.Int).Mul(r0, r1))
	if denom.Sign() == 0 {
		return big.NewInt(utilizationScale), nil
	}
	denom.Mul(denom, big.NewInt(liquidityScale))
	return sum.Mul(sum, big.NewInt(utilizationScale)).Div(sum, denom), nil
}

// rentalPrice is the fee rate per unit of rented liquidity per
// millisecond: the square of the utilization rate.
func (p *Pair) rentalPrice(s *Store, upperBound bool) (*big.Int, error) {
	util := big.NewInt(utilizationScale)
	if !upperBound {
		var err error
		util, err = p.utilizationRate(s)
		if err != nil {
			return nil, err
		}
	}
	return util.Mul(util, util), nil
}

// feeAccumulator folds the time since the last update into the global
// price integral, without storing it.
func (p *Pair) feeAccumulator(s *Store) (now uint64, accum *big.Int, err error) {
	price, err := s.RentalPrice()
	if err != nil {
		return 0, nil, err
	}
	accum, err = s.RentalAccumulation()
	if err != nil {
		return 0, nil, err
	}
	last, err := s.RentalUpdateTime()
	if err != nil {
		return 0, nil, err
	}
	now = p.clock.Time()
	elapsed := new(big.Int).SetUint64(now - last)
	accum.Add(accum, price.Mul(price, elapsed))
	return now, accum, nil
}

// RentalFeeAccumulator reports the current time and the up-to-date global
// fee accumulation without mutating state.
func (p *Pair) RentalFeeAccumulator(db database.Database) (uint64, *big.Int, error) {
	return p.feeAccumulator(NewStore(db))
}

// RentalPriceQuote returns the current rental fee rate. With upperBound
// set it returns the saturation-rate maximum without scanning tenants.
func (p *Pair) RentalPriceQuote(db database.Database, upperBound bool) (*big.Int, error) {
	return p.rentalPrice(NewStore(db), upperBound)
}

// ---------------------------------------------------------------------------
// Settlement
// ---------------------------------------------------------------------------

// settle charges a tenant the rental fee accrued since their last
// settlement. It returns true when the margin covered the fee and false
// when the position was liquidated instead. The global accumulation and
// its update time advance either way.
func (p *Pair) settle(s *Store, tenant common.Address) (bool, error) {
	now, accum, err := p.feeAccumulator(s)
	if err != nil {
		return false, err
	}
	if err := s.SetRentalAccumulation(accum); err != nil {
		return false, err
	}
	if err := s.SetRentalUpdateTime(now); err != nil {
		return false, err
	}

	checkpoint, err := s.TenantCheckpoint(tenant)
	if err != nil {
		return false, err
	}
	rent0, err := s.Rented0(tenant)
	if err != nil {
		return false, err
	}
	rent1, err := s.Rented1(tenant)
	if err != nil {
		return false, err
	}
	rentedLiquidity := floorSqrt(new(big.Int).Mul(rent0, rent1))
	owed := new(big.Int).Sub(accum, checkpoint)
	owed.Mul(owed, rentedLiquidity)

	margin0, err := s.Margin0(tenant)
	if err != nil {
		return false, err
	}
	margin1, err := s.Margin1(tenant)
	if err != nil {
		return false, err
	}
	totalMargin := floorSqrt(new(big.Int).Mul(margin0, margin1))

	// A tenant with no position settles trivially.
	if rentedLiquidity.Sign() == 0 && totalMargin.Sign() == 0 && owed.Sign() == 0 {
		return true, s.SetTenantCheckpoint(tenant, accum)
	}

	if new(big.Int).Add(owed, rentedLiquidity).Cmp(totalMargin) < 0 {
		if err := s.SetTenantCheckpoint(tenant, accum); err != nil {
			return false, err
		}
		// Deduct the fee by scaling both margin legs down together.
		// The deducted tokens stay with the pair and accrue to the
		// pool at the next reserve sync.
		remaining := new(big.Int).Sub(totalMargin, owed)
		newMargin0 := new(big.Int).Mul(margin0, remaining)
		newMargin0.Div(newMargin0, totalMargin)
		newMargin1 := new(big.Int).Mul(margin1, remaining)
		newMargin1.Div(newMargin1, totalMargin)
		if err := s.SetMargin0(tenant, newMargin0); err != nil {
			return false, err
		}
		if err := s.SetMargin1(tenant, newMargin1); err != nil {
			return false, err
		}
		return true, nil
	}

	// Margin exhausted: the whole margin is forfeited to the pool and
	// the position is closed.
	if err := p.zeroPosition(s, tenant); err != nil {
		return false, err
	}
	p.emit(Liquidated{
		Tenant:  tenant,
		Rented0: rent0,
		Rented1: rent1,
		Margin0: margin0,
		Margin1: margin1,
	})
	p.log.Warn("rental position liquidated at settlement",
		"tenant", tenant, "rented0", rent0, "rented1", rent1,
		"margin0", margin0, "margin1", margin1)
	return false, nil
}

// zeroPosition deletes a tenant's rental record, releasing the rented
// amounts back to the pool.
func (p *Pair) zeroPosition(s *Store, tenant common.Address) error {
	if err := s.SetMargin0(tenant, nil); err != nil {
		return err
	}
	if err := s.SetMargin1(tenant, nil); err != nil {
		return err
	}
	if err := s.SetRented0(tenant, nil); err != nil {
		return err
	}
	return s.SetRented1(tenant, nil)
}

// closePosition zeroes a tenant's rental record and refunds the given
// margin amounts to them.
func (p *Pair) closePosition(s *Store, tenant common.Address, margin0, margin1 *big.Int) error {
	if err := p.zeroPosition(s, tenant); err != nil {
		return err
	}
	if err := p.safeTransfer(s, p.token0, tenant, margin0, nil); err != nil {
		return err
	}
	return p.safeTransfer(s, p.token1, tenant, margin1, nil)
}

// SettleRentalFee settles a single tenant on demand. Anyone may call it;
// it returns false when the settlement liquidated the position.
func (p *Pair) SettleRentalFee(db database.Database, tenant common.Address) (bool, error) {
	var settled bool
	err := p.guarded(db, func(s *Store) error {
		var err error
		settled, err = p.settle(s, tenant)
		if err != nil {
			return err
		}
		return p.storeRentalPrice(s)
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

func (p *Pair) storeRentalPrice(s *Store) error {
	price, err := p.rentalPrice(s, false)
	if err != nil {
		return err
	}
	return s.SetRentalPrice(price)
}

// ---------------------------------------------------------------------------
// Rent / margin
// ---------------------------------------------------------------------------

// Rent opens or extends a rental. Exactly one rent leg is named; the
// other is derived at the current reserve ratio so the rented slice
// matches the pool's shape. Both margin legs are pulled from the tenant.
// Returns the derived leg amount.
func (p *Pair) Rent(db database.Database, tenant common.Address, rentToken0, rentToken1, marginToken0, marginToken1 *big.Int) (*big.Int, error) {
	rentToken0 = nz(rentToken0)
	rentToken1 = nz(rentToken1)
	marginToken0 = nz(marginToken0)
	marginToken1 = nz(marginToken1)
	var derived *big.Int
	err := p.guarded(db, func(s *Store) error {
		if rentToken0.Sign() < 0 || rentToken1.Sign() < 0 ||
			marginToken0.Sign() < 0 || marginToken1.Sign() < 0 {
			return ErrInvalidAmount
		}
		if _, err := p.settle(s, tenant); err != nil {
			return err
		}

		reserve0, err := s.Reserve0()
		if err != nil {
			return err
		}
		reserve1, err := s.Reserve1()
		if err != nil {
			return err
		}
		rent0 := new(big.Int).Set(rentToken0)
		rent1 := new(big.Int).Set(rentToken1)
		switch {
		case rent0.Sign() > 0 && rent1.Sign() == 0:
			if reserve0.Sign() == 0 {
				return ErrInsufficientReserve
			}
			rent1.Mul(rent0, reserve1).Div(rent1, reserve0)
			derived = rent1
		case rent1.Sign() > 0 && rent0.Sign() == 0:
			if reserve1.Sign() == 0 {
				return ErrInsufficientReserve
			}
			rent0.Mul(rent1, reserve0).Div(rent0, reserve1)
			derived = rent0
		default:
			return ErrInvalidRentAmount
		}

		total0, err := s.TotalRented0()
		if err != nil {
			return err
		}
		total1, err := s.TotalRented1()
		if err != nil {
			return err
		}
		if new(big.Int).Add(total0, rent0).Cmp(reserve0) > 0 ||
			new(big.Int).Add(total1, rent1).Cmp(reserve1) > 0 {
			return ErrInsufficientReserve
		}

		margin0, err := s.Margin0(tenant)
		if err != nil {
			return err
		}
		margin1, err := s.Margin1(tenant)
		if err != nil {
			return err
		}
		rented0, err := s.Rented0(tenant)
		if err != nil {
			return err
		}
		rented1, err := s.Rented1(tenant)
		if err != nil {
			return err
		}
		willMargin0 := new(big.Int).Add(margin0, marginToken0)
		willMargin1 := new(big.Int).Add(margin1, marginToken1)
		willRent0 := new(big.Int).Add(rented0, rent0)
		willRent1 := new(big.Int).Add(rented1, rent1)
		marginProduct := new(big.Int).Mul(willMargin0, willMargin1)
		if marginProduct.Cmp(new(big.Int).Mul(willRent0, willRent1)) <= 0 {
			return ErrInsufficientMargin
		}

		if err := p.safeMove(s, p.token0, tenant, p.self, marginToken0, nil); err != nil {
			return err
		}
		if err := p.safeMove(s, p.token1, tenant, p.self, marginToken1, nil); err != nil {
			return err
		}
		if err := s.SetMargin0(tenant, willMargin0); err != nil {
			return err
		}
		if err := s.SetMargin1(tenant, willMargin1); err != nil {
			return err
		}
		if err := s.SetRented0(tenant, willRent0); err != nil {
			return err
		}
		if err := s.SetRented1(tenant, willRent1); err != nil {
			return err
		}
		if err := p.storeRentalPrice(s); err != nil {
			return err
		}
		p.log.Info("liquidity rented", "tenant", tenant,
			"rent0", rent0, "rent1", rent1,
			"margin0", marginToken0, "margin1", marginToken1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return derived, nil
}

// AddMargin tops up a tenant's margin. The position is settled first; if
// the settlement liquidated it there is nothing to top up and the call
// becomes a no-op beyond the settlement itself.
func (p *Pair) AddMargin(db database.Database, tenant common.Address, marginToken0, marginToken1 *big.Int) error {
	marginToken0 = nz(marginToken0)
	marginToken1 = nz(marginToken1)
	return p.guarded(db, func(s *Store) error {
		if marginToken0.Sign() < 0 || marginToken1.Sign() < 0 {
			return ErrInvalidAmount
		}
		alive, err := p.settle(s, tenant)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}
		if err := p.safeMove(s, p.token0, tenant, p.self, marginToken0, nil); err != nil {
			return err
		}
		if err := p.safeMove(s, p.token1, tenant, p.self, marginToken1, nil); err != nil {
			return err
		}
		margin0, err := s.Margin0(tenant)
		if err != nil {
			return err
		}
		margin1, err := s.Margin1(tenant)
		if err != nil {
			return err
		}
		if err := s.SetMargin0(tenant, margin0.Add(margin0, marginToken0)); err != nil {
			return err
		}
		return s.SetMargin1(tenant, margin1.Add(margin1, marginToken1))
	})
}

// WithdrawMargin closes a tenant's position voluntarily: after a
// successful settlement the tenant (witness required) gets both margin
// legs back and the rented amounts return to the pool. When the
// settlement liquidates instead, that outcome stands and the withdrawal
// is moot.
func (p *Pair) WithdrawMargin(db database.Database, tenant common.Address) error {
	return p.guarded(db, func(s *Store) error {
		alive, err := p.settle(s, tenant)
		if err != nil {
			return err
		}
		if alive {
			if !p.witness.CheckWitness(tenant) {
				return ErrNoWitness
			}
			margin0, err := s.Margin0(tenant)
			if err != nil {
				return err
			}
			margin1, err := s.Margin1(tenant)
			if err != nil {
				return err
			}
			if err := p.closePosition(s, tenant, margin0, margin1); err != nil {
				return err
			}
			p.log.Info("margin withdrawn", "tenant", tenant,
				"margin0", margin0, "margin1", margin1)
		}
		return p.storeRentalPrice(s)
	})
}

// ---------------------------------------------------------------------------
// Rental-scoped swap
// ---------------------------------------------------------------------------

// SwapRented trades against a tenant's rented slice of the reserves,
// under the same fee-adjusted invariant as Swap but bounded by the
// rented amounts. The position is settled first; if the settlement
// liquidates it the swap is skipped and (false, nil) is returned with
// the settlement committed.
func (p *Pair) SwapRented(db database.Database, caller, tenant common.Address, amount0Out, amount1Out *big.Int, to common.Address, data []byte) (bool, error) {
	amount0Out = nz(amount0Out)
	amount1Out = nz(amount1Out)
	swapped := false
	err := p.guarded(db, func(s *Store) error {
		alive, err := p.settle(s, tenant)
		if err != nil {
			return err
		}
		if !alive {
			return nil
		}

		if amount0Out.Sign() < 0 || amount1Out.Sign() < 0 {
			return ErrInvalidAmountOut
		}
		if amount0Out.Sign() == 0 && amount1Out.Sign() == 0 {
			return ErrInvalidAmountOut
		}
		if to == p.token0 || to == p.token1 || to == p.self {
			return ErrInvalidTo
		}

		poolReserve0, err := s.Reserve0()
		if err != nil {
			return err
		}
		poolReserve1, err := s.Reserve1()
		if err != nil {
			return err
		}
		rented0, err := s.Rented0(tenant)
		if err != nil {
			return err
		}
		rented1, err := s.Rented1(tenant)
		if err != nil {
			return err
		}
		if amount0Out.Cmp(rented0) >= 0 || amount1Out.Cmp(rented1) >= 0 {
			return ErrInsufficientLiquidity
		}

		if amount0Out.Sign() > 0 {
			if err := s.SetRented0(tenant, new(big.Int).Sub(rented0, amount0Out)); err != nil {
				return err
			}
			if err := p.safeTransfer(s, p.token0, to, amount0Out, data); err != nil {
				return err
			}
		}
		if amount1Out.Sign() > 0 {
			if err := s.SetRented1(tenant, new(big.Int).Sub(rented1, amount1Out)); err != nil {
				return err
			}
			if err := p.safeTransfer(s, p.token1, to, amount1Out, data); err != nil {
				return err
			}
		}

		balance0 := p.tokens.BalanceOf(s, p.token0, p.self)
		balance1 := p.tokens.BalanceOf(s, p.token1, p.self)
		amount0In := amountIn(balance0, rented0, amount0Out)
		amount1In := amountIn(balance1, rented1, amount1Out)
		if amount0In.Sign() == 0 && amount1In.Sign() == 0 {
			return ErrInsufficientInput
		}

		adjusted0 := feeAdjusted(balance0, amount0In)
		adjusted1 := feeAdjusted(balance1, amount1In)
		k := new(big.Int).Mul(rented0, rented1)
		k.Mul(k, big.NewInt(invariantScale))
		if new(big.Int).Mul(adjusted0, adjusted1).Cmp(k) < 0 {
			return ErrInvariantK
		}

		if err := p.update(s, balance0, balance1, poolReserve0, poolReserve1); err != nil {
			return err
		}
		p.emit(Swapped{
			Caller:     caller,
			To:         to,
			Amount0In:  amount0In,
			Amount1In:  amount1In,
			Amount0Out: amount0Out,
			Amount1Out: amount1Out,
			Rented:     true,
		})
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}
