package ledger

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/registry"
	"github.com/alanyoungcy/vaultd/internal/tvl"
)

var (
	baseAsset = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	underlying = common.HexToAddress("0x00000000000000000000000000000000000000c0")

	governor  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	manager   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	emergency = common.HexToAddress("0x0000000000000000000000000000000000000003")
	alice     = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob       = common.HexToAddress("0x000000000000000000000000000000000000000b")
	feeRecv   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	mgmtRecv  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	stubAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e0")
)

func testPolicy() domain.AccessPolicy {
	return domain.NewRoleTable(map[common.Address]domain.Role{
		governor:  domain.RoleGovernor,
		manager:   domain.RoleManager,
		emergency: domain.RoleEmergency,
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubConnector is a scripted connector for engine tests: it reports a fixed
// position value, grows it on AcceptFunds, and returns funds up to an
// optional liquidity cap.
type stubConnector struct {
	mu        sync.Mutex
	addr      common.Address
	value     *big.Int
	returnCap *big.Int // nil = unbounded
	credit    func(*big.Int)
	acceptErr error
	returnErr error
}

func newStubConnector() *stubConnector {
	return &stubConnector{addr: stubAddr, value: new(big.Int)}
}

func (s *stubConnector) Address() common.Address { return s.addr }

func (s *stubConnector) ReportValue(ctx context.Context, pos domain.HoldingPosition, base common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Clone(s.value), nil
}

func (s *stubConnector) AcceptFunds(ctx context.Context, asset common.Address, amount *big.Int, routing []byte) (*big.Int, error) {
	if s.acceptErr != nil {
		return nil, s.acceptErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value.Add(s.value, amount)
	return domain.Clone(amount), nil
}

func (s *stubConnector) ReturnFunds(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	if s.returnErr != nil {
		return nil, s.returnErr
	}
	s.mu.Lock()
	returned := domain.Clone(amount)
	if s.value.Cmp(returned) < 0 {
		returned.Set(s.value)
	}
	if s.returnCap != nil && returned.Cmp(s.returnCap) > 0 {
		returned.Set(s.returnCap)
	}
	s.value.Sub(s.value, returned)
	credit := s.credit
	s.mu.Unlock()

	if credit != nil {
		credit(domain.Clone(returned))
	}
	return returned, nil
}

// setValue overrides the reported position value, simulating gains or
// losses.
func (s *stubConnector) setValue(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = big.NewInt(v)
}

// testClock is a manual clock for the engine's now func.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testVault bundles a fully wired engine with its collaborators.
type testVault struct {
	engine      *Engine
	registry    *registry.Registry
	connector   *stubConnector
	clock       *testClock
	blueprintID common.Hash
	holdingData []byte
}

func defaultConfig() Config {
	return Config{
		BaseAsset:               baseAsset,
		DepositCapPerTx:         big.NewInt(1_000_000),
		DepositCapTotal:         big.NewInt(10_000_000),
		DepositDelay:            time.Hour,
		WithdrawDelay:           time.Hour,
		WithdrawFeeRate:         10_000,  // 1%
		PerformanceFeeRate:      200_000, // 20%
		ManagementFeeRate:       20_000,  // 2% annual
		FeeReceiver:             feeRecv,
		ManagementFeeReceiver:   mgmtRecv,
		ManagementAccrualPeriod: 24 * time.Hour,
		MinDistributionWait:     24 * time.Hour,
		MaxDistributionWait:     30 * 24 * time.Hour,
		MinOracleSources:        1,
	}
}

// newTestVault wires a registry with one stub connector holding one open
// position, an aggregator over it, and an engine with the default config.
func newTestVault(cfg Config) *testVault {
	policy := testPolicy()
	logger := testLogger()
	clock := newTestClock()

	reg := registry.New(policy)
	conn := newStubConnector()
	if err := reg.EnableConnector(governor, conn); err != nil {
		panic(err)
	}
	if err := reg.TrustToken(governor, underlying); err != nil {
		panic(err)
	}
	bpID, err := reg.RegisterBlueprint(governor, domain.PositionBlueprint{
		CalculatorConnector: stubAddr,
		PositionTypeID:      1,
		Underlyings:         []common.Address{underlying},
	})
	if err != nil {
		panic(err)
	}

	data := []byte("pool-0")
	if _, err := reg.UpsertHolding(stubAddr, bpID, data, nil, false, clock.Now()); err != nil {
		panic(err)
	}

	agg := tvl.NewAggregator(reg)
	engine := NewEngine(cfg, policy, reg, agg, nil, logger)
	engine.now = clock.Now
	conn.credit = engine.CreditLiquid

	return &testVault{
		engine:      engine,
		registry:    reg,
		connector:   conn,
		clock:       clock,
		blueprintID: bpID,
		holdingData: data,
	}
}

// refreshHolding restamps the connector's holding so the fairness anchor
// catches up to the current clock.
func (v *testVault) refreshHolding() {
	if _, err := v.registry.UpsertHolding(stubAddr, v.blueprintID, v.holdingData, nil, false, v.clock.Now()); err != nil {
		panic(err)
	}
}
