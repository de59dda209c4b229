// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"encoding/binary"
	"math/big"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// Storage key layout. Scalar keys hold one value; prefixed keys are
// extended with an account address.
var (
	reserve0Key  = []byte("reserve0")
	reserve1Key  = []byte("reserve1")
	price0CumKey = []byte("price0cum")
	price1CumKey = []byte("price1cum")
	blockTsKey   = []byte("blockts")
	enteredKey   = []byte("entered")

	shareSupplyKey     = []byte("lp/supply")
	shareBalancePrefix = []byte("lp/bal/")

	rented0Prefix     = []byte("rent0/")
	rented1Prefix     = []byte("rent1/")
	margin0Prefix     = []byte("margin0/")
	margin1Prefix     = []byte("margin1/")
	tenantAccumPrefix = []byte("taccum/")

	totalRented0Key = []byte("totalrent0")
	totalRented1Key = []byte("totalrent1")
	rentalPriceKey  = []byte("rentprice")
	rentalAccumKey  = []byte("rentaccum")
	rentalTimeKey   = []byte("renttime")

	assetPrefix = []byte("asset/")
)

// Store wraps the pair's keyspace in a key-value database. Operations
// construct one per call over a versioned overlay so that any error
// unwinds every write.
type Store struct {
	db database.Database
}

func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// Database exposes the backing database, for token backends that keep
// their ledgers in the same keyspace.
func (s *Store) Database() database.Database { return s.db }

func (s *Store) getBig(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if err == database.ErrNotFound {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// putBig stores v under key, deleting the key when v is not positive so
// that emptied records leave no residue.
func (s *Store) putBig(key []byte, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		err := s.db.Delete(key)
		if err == database.ErrNotFound {
			return nil
		}
		return err
	}
	return s.db.Put(key, v.Bytes())
}

func (s *Store) getUint64(key []byte) (uint64, error) {
	raw, err := s.db.Get(key)
	if err == database.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) putUint64(key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return s.db.Put(key, buf[:])
}

func addrKey(prefix []byte, account common.Address) []byte {
	k := make([]byte, 0, len(prefix)+common.AddressLength)
	k = append(k, prefix...)
	return append(k, account.Bytes()...)
}

// ---------------------------------------------------------------------------
// Reentrancy guard
// ---------------------------------------------------------------------------

// enter sets the persisted reentrancy flag, failing if already set.
func (s *Store) enter() error {
	_, err := s.db.Get(enteredKey)
	if err == nil {
		return ErrReentrant
	}
	if err != database.ErrNotFound {
		return err
	}
	return s.db.Put(enteredKey, []byte{1})
}

func (s *Store) exit() error {
	return s.db.Delete(enteredKey)
}

// ---------------------------------------------------------------------------
// Reserves and oracle
// ---------------------------------------------------------------------------

func (s *Store) Reserve0() (*big.Int, error) { return s.getBig(reserve0Key) }
func (s *Store) Reserve1() (*big.Int, error) { return s.getBig(reserve1Key) }

func (s *Store) SetReserves(r0, r1 *big.Int) error {
	if err := s.putBig(reserve0Key, r0); err != nil {
		return err
	}
	return s.putBig(reserve1Key, r1)
}

func (s *Store) Price0Cumulative() (*big.Int, error) { return s.getBig(price0CumKey) }
func (s *Store) Price1Cumulative() (*big.Int, error) { return s.getBig(price1CumKey) }

func (s *Store) SetPriceCumulative(p0, p1 *big.Int) error {
	if err := s.putBig(price0CumKey, p0); err != nil {
		return err
	}
	return s.putBig(price1CumKey, p1)
}

func (s *Store) BlockTimestampLast() (uint64, error) { return s.getUint64(blockTsKey) }
func (s *Store) SetBlockTimestampLast(ts uint64) error {
	return s.putUint64(blockTsKey, ts)
}

// ---------------------------------------------------------------------------
// Pool shares
// ---------------------------------------------------------------------------

func (s *Store) ShareSupply() (*big.Int, error) { return s.getBig(shareSupplyKey) }
func (s *Store) SetShareSupply(v *big.Int) error {
	return s.putBig(shareSupplyKey, v)
}

func (s *Store) ShareBalance(account common.Address) (*big.Int, error) {
	return s.getBig(addrKey(shareBalancePrefix, account))
}

func (s *Store) SetShareBalance(account common.Address, v *big.Int) error {
	return s.putBig(addrKey(shareBalancePrefix, account), v)
}

// ---------------------------------------------------------------------------
// Rental ledger
// ---------------------------------------------------------------------------

func (s *Store) Rented0(tenant common.Address) (*big.Int, error) {
	return s.getBig(addrKey(rented0Prefix, tenant))
}

func (s *Store) Rented1(tenant common.Address) (*big.Int, error) {
	return s.getBig(addrKey(rented1Prefix, tenant))
}

// SetRented0 writes a tenant's rented token0 amount and keeps the
// aggregate total in step.
func (s *Store) SetRented0(tenant common.Address, v *big.Int) error {
	old, err := s.Rented0(tenant)
	if err != nil {
		return err
	}
	total, err := s.getBig(totalRented0Key)
	if err != nil {
		return err
	}
	total.Sub(total.Add(total, nz(v)), old)
	if err := s.putBig(totalRented0Key, total); err != nil {
		return err
	}
	return s.putBig(addrKey(rented0Prefix, tenant), v)
}

func (s *Store) SetRented1(tenant common.Address, v *big.Int) error {
	old, err := s.Rented1(tenant)
	if err != nil {
		return err
	}
	total, err := s.getBig(totalRented1Key)
	if err != nil {
		return err
	}
	total.Sub(total.Add(total, nz(v)), old)
	if err := s.putBig(totalRented1Key, total); err != nil {
		return err
	}
	return s.putBig(addrKey(rented1Prefix, tenant), v)
}

func (s *Store) TotalRented0() (*big.Int, error) { return s.getBig(totalRented0Key) }
func (s *Store) TotalRented1() (*big.Int, error) { return s.getBig(totalRented1Key) }

func (s *Store) Margin0(tenant common.Address) (*big.Int, error) {
	return s.getBig(addrKey(margin0Prefix, tenant))
}

func (s *Store) Margin1(tenant common.Address) (*big.Int, error) {
	return s.getBig(addrKey(margin1Prefix, tenant))
}

func (s *Store) SetMargin0(tenant common.Address, v *big.Int) error {
	return s.putBig(addrKey(margin0Prefix, tenant), v)
}

func (s *Store) SetMargin1(tenant common.Address, v *big.Int) error {
	return s.putBig(addrKey(margin1Prefix, tenant), v)
}

func (s *Store) TenantCheckpoint(tenant common.Address) (*big.Int, error) {
	return s.getBig(addrKey(tenantAccumPrefix, tenant))
}

func (s *Store) SetTenantCheckpoint(tenant common.Address, v *big.Int) error {
	return s.putBig(addrKey(tenantAccumPrefix, tenant), v)
}

func (s *Store) RentalPrice() (*big.Int, error) { return s.getBig(rentalPriceKey) }
func (s *Store) SetRentalPrice(v *big.Int) error {
	return s.putBig(rentalPriceKey, v)
}

func (s *Store) RentalAccumulation() (*big.Int, error) { return s.getBig(rentalAccumKey) }
func (s *Store) SetRentalAccumulation(v *big.Int) error {
	return s.putBig(rentalAccumKey, v)
}

func (s *Store) RentalUpdateTime() (uint64, error) { return s.getUint64(rentalTimeKey) }
func (s *Store) SetRentalUpdateTime(ts uint64) error {
	return s.putUint64(rentalTimeKey, ts)
}

// ForEachTenant visits every account with a rented token0 record, in key
// order, until fn returns false or an error.
func (s *Store) ForEachTenant(fn func(tenant common.Address) (bool, error)) error {
	it := s.db.NewIteratorWithPrefix(rented0Prefix)
	defer it.Release()

	for it.Next() {
		key := it.Key()
		if len(key) != len(rented0Prefix)+common.AddressLength {
			continue
		}
		tenant := common.BytesToAddress(key[len(rented0Prefix):])
		cont, err := fn(tenant)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return it.Error()
}
