// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// FindForcedLiquidations scans the active tenants and returns those whose
// rented product exceeds their margin product, up to the scan cap. The
// scan is read-only; callers follow up with ForceLiquidation per tenant.
func (p *Pair) FindForcedLiquidations(db database.Database) ([]common.Address, error) {
	s := NewStore(db)
	var insolvent []common.Address
	err := s.ForEachTenant(func(tenant common.Address) (bool, error) {
		under, err := p.underMargined(s, tenant)
		if err != nil {
			return false, err
		}
		if under {
			insolvent = append(insolvent, tenant)
		}
		return len(insolvent) < maxLiquidationScan, nil
	})
	if err != nil {
		return nil, err
	}
	return insolvent, nil
}

// ForceLiquidation closes an under-margined tenant's position. Anyone may
// call it; the check is re-run against current state and the remaining
// margin is returned to the tenant.
func (p *Pair) ForceLiquidation(db database.Database, tenant common.Address) error {
	return p.guarded(db, func(s *Store) error {
		under, err := p.underMargined(s, tenant)
		if err != nil {
			return err
		}
		if !under {
			return ErrPositionNotLiquidatable
		}
		rent0, err := s.Rented0(tenant)
		if err != nil {
			return err
		}
		rent1, err := s.Rented1(tenant)
		if err != nil {
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
		if err := p.closePosition(s, tenant, margin0, margin1); err != nil {
			return err
		}
		if err := p.storeRentalPrice(s); err != nil {
			return err
		}
		p.emit(Liquidated{
			Tenant:  tenant,
			Rented0: rent0,
			Rented1: rent1,
			Margin0: margin0,
			Margin1: margin1,
			Forced:  true,
		})
		p.log.Warn("rental position force-liquidated",
			"tenant", tenant, "rented0", rent0, "rented1", rent1,
			"margin0", margin0, "margin1", margin1)
		return nil
	})
}

func (p *Pair) underMargined(s *Store, tenant common.Address) (bool, error) {
	rent0, err := s.Rented0(tenant)
	if err != nil {
		return false, err
	}
	rent1, err := s.Rented1(tenant)
	if err != nil {
		return false, err
	}
	margin0, err := s.Margin0(tenant)
	if err != nil {
		return false, err
	}
	margin1, err := s.Margin1(tenant)
	if err != nil {
		return false, err
	}
	rentedProduct := new(big.Int).Mul(rent0, rent1)
	marginProduct := new(big.Int).Mul(margin0, margin1)
	return rentedProduct.Cmp(marginProduct) > 0, nil
}

// ---------------------------------------------------------------------------
// Rental queries
// ---------------------------------------------------------------------------

// Position returns a tenant's full rental record.
func (p *Pair) Position(db database.Database, tenant common.Address) (TenantPosition, error) {
	s := NewStore(db)
	rent0, err := s.Rented0(tenant)
	if err != nil {
		return TenantPosition{}, err
	}
	rent1, err := s.Rented1(tenant)
	if err != nil {
		return TenantPosition{}, err
	}
	margin0, err := s.Margin0(tenant)
	if err != nil {
		return TenantPosition{}, err
	}
	margin1, err := s.Margin1(tenant)
	if err != nil {
		return TenantPosition{}, err
	}
	checkpoint, err := s.TenantCheckpoint(tenant)
	if err != nil {
		return TenantPosition{}, err
	}
	return TenantPosition{
		Rented0:       rent0,
		Rented1:       rent1,
		Margin0:       margin0,
		Margin1:       margin1,
		FeeCheckpoint: checkpoint,
	}, nil
}

// RentedLiquidity is the liquidity measure of a tenant's rented slice.
func (p *Pair) RentedLiquidity(db database.Database, tenant common.Address) (*big.Int, error) {
	pos, err := p.Position(db, tenant)
	if err != nil {
		return nil, err
	}
	return floorSqrt(new(big.Int).Mul(pos.Rented0, pos.Rented1)), nil
}

// RentalLedger returns the aggregate rental state.
func (p *Pair) RentalLedger(db database.Database) (RentalState, error) {
	s := NewStore(db)
	total0, err := s.TotalRented0()
	if err != nil {
		return RentalState{}, err
	}
	total1, err := s.TotalRented1()
	if err != nil {
		return RentalState{}, err
	}
	price, err := s.RentalPrice()
	if err != nil {
		return RentalState{}, err
	}
	accum, err := s.RentalAccumulation()
	if err != nil {
		return RentalState{}, err
	}
	ts, err := s.RentalUpdateTime()
	if err != nil {
		return RentalState{}, err
	}
	return RentalState{
		TotalRented0: total0,
		TotalRented1: total1,
		Price:        price,
		Accumulation: accum,
		UpdateTime:   ts,
	}, nil
}

// UtilizationRate reports the current 0..1000 utilization of the pool.
func (p *Pair) UtilizationRate(db database.Database) (*big.Int, error) {
	return p.utilizationRate(NewStore(db))
}
