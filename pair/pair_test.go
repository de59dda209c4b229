// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pair

import (
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
)

// Test addresses
var (
	testTokenA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testTokenB = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPair   = common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff")
	testAlice  = common.HexToAddress("0x5555555555555555555555555555555555555555")
	testBob    = common.HexToAddress("0x6666666666666666666666666666666666666666")
	testTenant = common.HexToAddress("0x7777777777777777777777777777777777777777")
)

func bigInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad bigInt literal: " + s)
	}
	return v
}

type testClock struct {
	ms uint64
}

func (c *testClock) Time() uint64 { return c.ms }

type witnessSet map[common.Address]bool

func (w witnessSet) CheckWitness(a common.Address) bool { return w[a] }

type fixture struct {
	pair    *Pair
	db      database.Database
	ledger  StoreLedger
	clock   *testClock
	witness witnessSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:      memdb.New(),
		clock:   &testClock{},
		witness: witnessSet{},
	}
	p, err := New(Config{
		TokenA:  testTokenA,
		TokenB:  testTokenB,
		Address: testPair,
		Tokens:  f.ledger,
		Witness: f.witness,
		Clock:   f.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.pair = p
	return f
}

func (f *fixture) fund(t *testing.T, asset, account common.Address, amount int64) {
	t.Helper()
	if err := f.ledger.Mint(f.db, asset, account, big.NewInt(amount)); err != nil {
		t.Fatalf("fund %v: %v", account, err)
	}
}

func (f *fixture) send(t *testing.T, asset, from common.Address, amount int64) {
	t.Helper()
	if !f.ledger.Transfer(NewStore(f.db), asset, from, testPair, big.NewInt(amount), nil) {
		t.Fatalf("transfer of %d to pair failed", amount)
	}
}

func (f *fixture) balance(asset, account common.Address) *big.Int {
	return f.ledger.BalanceOf(NewStore(f.db), asset, account)
}

// deposit sends both tokens from alice and mints liquidity to her.
func (f *fixture) deposit(t *testing.T, amount0, amount1 int64) *big.Int {
	t.Helper()
	f.fund(t, testTokenA, testAlice, amount0)
	f.fund(t, testTokenB, testAlice, amount1)
	f.send(t, testTokenA, testAlice, amount0)
	f.send(t, testTokenB, testAlice, amount1)
	liquidity, err := f.pair.Mint(f.db, testAlice)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return liquidity
}

// =========================================================================
// Construction
// =========================================================================

func TestNew_SortsTokens(t *testing.T) {
	p, err := New(Config{
		TokenA:  testTokenB, // reversed on purpose
		TokenB:  testTokenA,
		Address: testPair,
		Tokens:  StoreLedger{},
		Witness: witnessSet{},
		Clock:   &testClock{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Token0() != testTokenA || p.Token1() != testTokenB {
		t.Errorf("tokens not sorted: %v %v", p.Token0(), p.Token1())
	}
	if p.ID() != pairID(testTokenA, testTokenB) {
		t.Errorf("pair id not derived from sorted tokens")
	}
}

func TestNew_RejectsIdenticalTokens(t *testing.T) {
	_, err := New(Config{TokenA: testTokenA, TokenB: testTokenA})
	if !errors.Is(err, ErrIdenticalTokens) {
		t.Errorf("expected ErrIdenticalTokens, got %v", err)
	}
}

// =========================================================================
// Mint
// =========================================================================

func TestMint_Bootstrap(t *testing.T) {
	f := newFixture(t)

	// sqrt(1000 * 1_000_000) = 31622; 1000 locked at the burn address
	liquidity := f.deposit(t, 1000, 1_000_000)
	if liquidity.Cmp(big.NewInt(30622)) != 0 {
		t.Errorf("expected bootstrap liquidity 30622, got %v", liquidity)
	}

	supply, err := f.pair.TotalSupply(f.db)
	if err != nil {
		t.Fatalf("TotalSupply: %v", err)
	}
	if supply.Cmp(big.NewInt(31622)) != 0 {
		t.Errorf("expected supply 31622, got %v", supply)
	}
	locked, err := f.pair.BalanceOf(f.db, burnAddress)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if locked.Cmp(big.NewInt(MinimumLiquidity)) != 0 {
		t.Errorf("expected %d locked shares, got %v", MinimumLiquidity, locked)
	}

	r, err := f.pair.Reserves(f.db)
	if err != nil {
		t.Fatalf("Reserves: %v", err)
	}
	if r.Reserve0.Cmp(big.NewInt(1000)) != 0 || r.Reserve1.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("reserves not synced: %v %v", r.Reserve0, r.Reserve1)
	}
}

func TestMint_BootstrapTooSmall(t *testing.T) {
	f := newFixture(t)
	f.fund(t, testTokenA, testAlice, 30)
	f.fund(t, testTokenB, testAlice, 30)
	f.send(t, testTokenA, testAlice, 30)
	f.send(t, testTokenB, testAlice, 30)

	// sqrt(900) = 30 <= MinimumLiquidity
	_, err := f.pair.Mint(f.db, testAlice)
	if !errors.Is(err, ErrInsufficientLiquidityMinted) {
		t.Errorf("expected ErrInsufficientLiquidityMinted, got %v", err)
	}
}

func TestMint_Proportional(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	// A second 1:1 deposit mints pro-rata shares.
	f.fund(t, testTokenA, testBob, 5000)
	f.fund(t, testTokenB, testBob, 5000)
	f.send(t, testTokenA, testBob, 5000)
	f.send(t, testTokenB, testBob, 5000)
	liquidity, err := f.pair.Mint(f.db, testBob)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// 5000 * 10000 / 10000 = 5000
	if liquidity.Cmp(big.NewInt(5000)) != 0 {
		t.Errorf("expected 5000 shares, got %v", liquidity)
	}
}

func TestMint_LopsidedDepositTakesMin(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	f.fund(t, testTokenA, testBob, 5000)
	f.fund(t, testTokenB, testBob, 1000)
	f.send(t, testTokenA, testBob, 5000)
	f.send(t, testTokenB, testBob, 1000)
	liquidity, err := f.pair.Mint(f.db, testBob)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	// min(5000, 1000) * 10000 / 10000
	if liquidity.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("expected 1000 shares, got %v", liquidity)
	}
}

// =========================================================================
// Burn
// =========================================================================

func TestBurn_Proportional(t *testing.T) {
	f := newFixture(t)
	liquidity := f.deposit(t, 1000, 1_000_000)

	f.witness[testAlice] = true
	if err := f.pair.TransferShares(f.db, testAlice, testPair, liquidity); err != nil {
		t.Fatalf("TransferShares: %v", err)
	}
	amount0, amount1, err := f.pair.Burn(f.db, testAlice)
	if err != nil {
		t.Fatalf("Burn: %v", err)
	}
	// 30622/31622 of each reserve, floored
	if amount0.Cmp(big.NewInt(968)) != 0 {
		t.Errorf("expected amount0 968, got %v", amount0)
	}
	if amount1.Cmp(big.NewInt(968376)) != 0 {
		t.Errorf("expected amount1 968376, got %v", amount1)
	}
	if got := f.balance(testTokenA, testAlice); got.Cmp(big.NewInt(968)) != 0 {
		t.Errorf("alice token0 balance: %v", got)
	}

	supply, err := f.pair.TotalSupply(f.db)
	if err != nil {
		t.Fatalf("TotalSupply: %v", err)
	}
	if supply.Cmp(big.NewInt(MinimumLiquidity)) != 0 {
		t.Errorf("expected only locked shares to remain, got %v", supply)
	}
}

func TestBurn_NothingToBurn(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	// No shares at the pair address.
	_, _, err := f.pair.Burn(f.db, testAlice)
	if !errors.Is(err, ErrInsufficientLiquidityBurned) {
		t.Errorf("expected ErrInsufficientLiquidityBurned, got %v", err)
	}
}

// =========================================================================
// Swap
// =========================================================================

func TestSwap_HonorsInvariant(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	f.fund(t, testTokenA, testBob, 1000)
	f.send(t, testTokenA, testBob, 1000)

	// 1000 in at 0.3% fee buys at most 906 out.
	err := f.pair.Swap(f.db, testBob, nil, big.NewInt(906), testBob, nil)
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if got := f.balance(testTokenB, testBob); got.Cmp(big.NewInt(906)) != 0 {
		t.Errorf("bob token1 balance: %v", got)
	}
	r, err := f.pair.Reserves(f.db)
	if err != nil {
		t.Fatalf("Reserves: %v", err)
	}
	if r.Reserve0.Cmp(big.NewInt(11000)) != 0 || r.Reserve1.Cmp(big.NewInt(9094)) != 0 {
		t.Errorf("reserves after swap: %v %v", r.Reserve0, r.Reserve1)
	}
}

func TestSwap_RejectsExcessOutput(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	f.fund(t, testTokenA, testBob, 1000)
	f.send(t, testTokenA, testBob, 1000)

	err := f.pair.Swap(f.db, testBob, nil, big.NewInt(907), testBob, nil)
	if !errors.Is(err, ErrInvariantK) {
		t.Errorf("expected ErrInvariantK, got %v", err)
	}
	// The failed swap must leave no trace: input balance still at the
	// pair, nothing paid out.
	if got := f.balance(testTokenB, testBob); got.Sign() != 0 {
		t.Errorf("bob received tokens from failed swap: %v", got)
	}
	if got := f.balance(testTokenA, testPair); got.Cmp(big.NewInt(11000)) != 0 {
		t.Errorf("pair token0 balance after abort: %v", got)
	}
	r, err := f.pair.Reserves(f.db)
	if err != nil {
		t.Fatalf("Reserves: %v", err)
	}
	if r.Reserve0.Cmp(big.NewInt(10000)) != 0 {
		t.Errorf("reserves mutated by failed swap: %v", r.Reserve0)
	}
}

func TestSwap_RequiresInput(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	err := f.pair.Swap(f.db, testBob, nil, big.NewInt(906), testBob, nil)
	if !errors.Is(err, ErrInsufficientInput) {
		t.Errorf("expected ErrInsufficientInput, got %v", err)
	}
}

func TestSwap_ExactlyOneOutput(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	err := f.pair.Swap(f.db, testBob, big.NewInt(10), big.NewInt(10), testBob, nil)
	if !errors.Is(err, ErrInvalidAmountOut) {
		t.Errorf("expected ErrInvalidAmountOut for two outputs, got %v", err)
	}
	err = f.pair.Swap(f.db, testBob, nil, nil, testBob, nil)
	if !errors.Is(err, ErrInvalidAmountOut) {
		t.Errorf("expected ErrInvalidAmountOut for no outputs, got %v", err)
	}
	err = f.pair.Swap(f.db, testBob, big.NewInt(-1), big.NewInt(10), testBob, nil)
	if !errors.Is(err, ErrInvalidAmountOut) {
		t.Errorf("expected ErrInvalidAmountOut for negative output, got %v", err)
	}
}

func TestSwap_RejectsTokenAddresses(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	for _, to := range []common.Address{testTokenA, testTokenB, testPair} {
		err := f.pair.Swap(f.db, testBob, nil, big.NewInt(10), to, nil)
		if !errors.Is(err, ErrInvalidTo) {
			t.Errorf("expected ErrInvalidTo for %v, got %v", to, err)
		}
	}
}

func TestSwap_CannotDipIntoRentedReserves(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)
	f.rentForTenant(t, 2500, 6000)

	f.fund(t, testTokenA, testBob, 100_000)
	f.send(t, testTokenA, testBob, 100_000)

	// 7500 >= 10000 - 2500 rented
	err := f.pair.Swap(f.db, testBob, nil, big.NewInt(7500), testBob, nil)
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

// =========================================================================
// Price oracle
// =========================================================================

func TestOracle_AccumulatesOverTime(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	cum, err := f.pair.PriceOracle(f.db)
	if err != nil {
		t.Fatalf("PriceOracle: %v", err)
	}
	if cum.Price0CumulativeLast.Sign() != 0 || cum.BlockTimestampLast != 0 {
		t.Fatalf("oracle should be empty after bootstrap: %+v", cum)
	}

	// Three seconds later a swap folds 3 * (reserve1/reserve0) into the
	// accumulators at the pre-swap reserves.
	f.clock.ms = 3000
	f.fund(t, testTokenA, testBob, 1000)
	f.send(t, testTokenA, testBob, 1000)
	if err := f.pair.Swap(f.db, testBob, nil, big.NewInt(900), testBob, nil); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	cum, err = f.pair.PriceOracle(f.db)
	if err != nil {
		t.Fatalf("PriceOracle: %v", err)
	}
	expected := new(big.Int).Mul(Fixed, big.NewInt(3))
	if cum.Price0CumulativeLast.Cmp(expected) != 0 {
		t.Errorf("price0 accumulation: expected %v, got %v", expected, cum.Price0CumulativeLast)
	}
	if cum.Price1CumulativeLast.Cmp(expected) != 0 {
		t.Errorf("price1 accumulation: expected %v, got %v", expected, cum.Price1CumulativeLast)
	}
	if cum.BlockTimestampLast != 3 {
		t.Errorf("expected timestamp 3, got %d", cum.BlockTimestampLast)
	}
}

func TestOracle_SkipsZeroElapsed(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	// Same second: no accumulation, no timestamp advance.
	f.fund(t, testTokenA, testBob, 1000)
	f.send(t, testTokenA, testBob, 1000)
	if err := f.pair.Swap(f.db, testBob, nil, big.NewInt(900), testBob, nil); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	cum, err := f.pair.PriceOracle(f.db)
	if err != nil {
		t.Fatalf("PriceOracle: %v", err)
	}
	if cum.Price0CumulativeLast.Sign() != 0 || cum.BlockTimestampLast != 0 {
		t.Errorf("unexpected accumulation at zero elapsed: %+v", cum)
	}
}

// =========================================================================
// Pool shares
// =========================================================================

func TestTransferShares_RequiresWitness(t *testing.T) {
	f := newFixture(t)
	liquidity := f.deposit(t, 10000, 10000)

	err := f.pair.TransferShares(f.db, testAlice, testBob, liquidity)
	if !errors.Is(err, ErrNoWitness) {
		t.Errorf("expected ErrNoWitness, got %v", err)
	}

	f.witness[testAlice] = true
	if err := f.pair.TransferShares(f.db, testAlice, testBob, liquidity); err != nil {
		t.Fatalf("TransferShares: %v", err)
	}
	got, err := f.pair.BalanceOf(f.db, testBob)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if got.Cmp(liquidity) != 0 {
		t.Errorf("bob shares: expected %v, got %v", liquidity, got)
	}
}

func TestTransferShares_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 10000, 10000)

	f.witness[testBob] = true
	err := f.pair.TransferShares(f.db, testBob, testAlice, big.NewInt(1))
	if !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

// =========================================================================
// Reentrancy
// =========================================================================

// reentrantLedger re-enters the pair from inside a payout transfer once
// armed, recording the inner error.
type reentrantLedger struct {
	StoreLedger
	pair  *Pair
	armed bool
	inner error
}

func (l *reentrantLedger) Transfer(s *Store, asset, from, to common.Address, amount *big.Int, data []byte) bool {
	if l.armed {
		l.armed = false
		_, l.inner = l.pair.Mint(s.Database(), to)
	}
	return l.StoreLedger.Transfer(s, asset, from, to, amount, data)
}

func TestSwap_ReentrancyBlocked(t *testing.T) {
	f := newFixture(t)
	ledger := &reentrantLedger{}
	p, err := New(Config{
		TokenA:  testTokenA,
		TokenB:  testTokenB,
		Address: testPair,
		Tokens:  ledger,
		Witness: f.witness,
		Clock:   f.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ledger.pair = p
	f.pair = p

	f.deposit(t, 10000, 10000)
	f.fund(t, testTokenA, testBob, 1000)
	f.send(t, testTokenA, testBob, 1000)

	ledger.armed = true
	if err := p.Swap(f.db, testBob, nil, big.NewInt(900), testBob, nil); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if !errors.Is(ledger.inner, ErrReentrant) {
		t.Errorf("expected inner ErrReentrant, got %v", ledger.inner)
	}
}
