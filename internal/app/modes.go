package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/vaultd/internal/config"
	"github.com/alanyoungcy/vaultd/internal/connector/sim"
	"github.com/alanyoungcy/vaultd/internal/crypto"
	"github.com/alanyoungcy/vaultd/internal/domain"
	"github.com/alanyoungcy/vaultd/internal/ledger"
	"github.com/alanyoungcy/vaultd/internal/oracle"
	"github.com/alanyoungcy/vaultd/internal/registry"
	"github.com/alanyoungcy/vaultd/internal/scheduler"
	"github.com/alanyoungcy/vaultd/internal/server"
	"github.com/alanyoungcy/vaultd/internal/server/handler"
	"github.com/alanyoungcy/vaultd/internal/server/ws"
	"github.com/alanyoungcy/vaultd/internal/service"
	"github.com/alanyoungcy/vaultd/internal/tvl"
)

// core bundles the in-memory settlement stack shared by every mode: the
// access policy, the position registry, the oracle, the engine, and the
// services layered on top.
type core struct {
	registry *registry.Registry
	engine   *ledger.Engine
	oracle   *oracle.Oracle

	governor  common.Address
	manager   common.Address
	emergency common.Address
	baseAsset common.Address

	vaultSvc    *service.VaultService
	settleSvc   *service.SettlementService
	registrySvc *service.RegistryService
}

// buildCore constructs the settlement stack from configuration. Config has
// been validated, so address fields parse without further checking.
func (a *App) buildCore(deps *Dependencies) (*core, error) {
	c := &core{
		governor:  common.HexToAddress(a.cfg.Roles.Governor),
		manager:   common.HexToAddress(a.cfg.Roles.Manager),
		emergency: common.HexToAddress(a.cfg.Roles.Emergency),
		baseAsset: common.HexToAddress(a.cfg.Vault.BaseAsset),
	}

	policy := domain.NewRoleTable(map[common.Address]domain.Role{
		c.governor:  domain.RoleGovernor,
		c.manager:   domain.RoleManager,
		c.emergency: domain.RoleEmergency,
	})

	c.registry = registry.New(policy)
	agg := tvl.NewAggregator(c.registry)

	c.oracle = oracle.New(a.cfg.Oracle.MaxDeviationBps, a.logger)
	for pair, bps := range a.cfg.Oracle.PairDeviationBps {
		parts := strings.Split(pair, "/")
		c.oracle.SetPairDeviation(common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), bps)
	}
	if err := a.wirePriceSources(c, deps); err != nil {
		return nil, err
	}

	engCfg, err := a.engineConfig()
	if err != nil {
		return nil, err
	}
	c.engine = ledger.NewEngine(engCfg, policy, c.registry, agg, c.oracle, a.logger)

	c.vaultSvc = service.NewVaultService(
		c.engine, deps.RequestStore, deps.SignalBus, deps.AuditStore, a.logger,
	)
	c.settleSvc = service.NewSettlementService(
		c.engine, c.registry, c.manager,
		deps.RequestStore, deps.SettlementStore, deps.FeeEventStore,
		deps.SignalBus, deps.AuditStore, a.logger,
	)
	c.registrySvc = service.NewRegistryService(c.registry, deps.AuditStore, a.logger)

	return c, nil
}

// wirePriceSources registers the fixed-rate source for the configured
// underlying/base pair, wrapped in the Redis quote cache when available. It
// covers both the default list for the base currency and the underlying's
// own list.
func (a *App) wirePriceSources(c *core, deps *Dependencies) error {
	rate, err := config.ParseAmount(a.cfg.Paper.RateScaled)
	if err != nil {
		return fmt.Errorf("app: paper rate: %w", err)
	}
	if rate == nil || !common.IsHexAddress(a.cfg.Paper.Underlying) {
		return nil
	}
	underlying := common.HexToAddress(a.cfg.Paper.Underlying)

	src := sim.NewSource()
	src.SetRate(underlying, c.baseAsset, rate)

	var leaf domain.PriceSource = src
	if deps.QuoteCache != nil {
		leaf = oracle.NewCachedSource(src, deps.QuoteCache, a.cfg.Oracle.QuoteTTL.Duration)
	}
	c.oracle.AddSource(underlying, leaf)
	c.oracle.AddDefaultSource(c.baseAsset, leaf)
	return nil
}

// engineConfig translates the validated VaultConfig into engine parameters.
func (a *App) engineConfig() (ledger.Config, error) {
	capPerTx, err := config.ParseAmount(a.cfg.Vault.DepositCapPerTx)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("app: deposit_cap_per_tx: %w", err)
	}
	capTotal, err := config.ParseAmount(a.cfg.Vault.DepositCapTotal)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("app: deposit_cap_total: %w", err)
	}

	return ledger.Config{
		BaseAsset:               common.HexToAddress(a.cfg.Vault.BaseAsset),
		DepositCapPerTx:         capPerTx,
		DepositCapTotal:         capTotal,
		DepositDelay:            a.cfg.Vault.DepositDelay.Duration,
		WithdrawDelay:           a.cfg.Vault.WithdrawDelay.Duration,
		WithdrawFeeRate:         a.cfg.Vault.WithdrawFeePpm,
		PerformanceFeeRate:      a.cfg.Vault.PerformanceFeePpm,
		ManagementFeeRate:       a.cfg.Vault.ManagementFeePpm,
		FeeReceiver:             common.HexToAddress(a.cfg.Vault.FeeReceiver),
		ManagementFeeReceiver:   common.HexToAddress(a.cfg.Vault.ManagementFeeReceiver),
		ManagementAccrualPeriod: a.cfg.Vault.ManagementAccrualPeriod.Duration,
		MinDistributionWait:     a.cfg.Vault.MinDistributionWait.Duration,
		MaxDistributionWait:     a.cfg.Vault.MaxDistributionWait.Duration,
		MinOracleSources:        a.cfg.Oracle.MinSources,
	}, nil
}

// ServeMode runs the HTTP API and WebSocket hub without any settlement
// loops. Valuation and execution can still be triggered through the admin
// endpoints.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startHTTPServer(ctx, g, deps, c); err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}
	return g.Wait()
}

// SettleMode runs only the settlement scheduler: valuation, execution, fee,
// and archive loops. The HTTP server stays down.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("settle mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps, c, common.Address{})
	return g.Wait()
}

// PaperMode runs the full settlement cycle against a simulated connector
// with no external infrastructure: stores, bus, and blob storage are absent
// and the corresponding side effects are skipped.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	connAddr, err := a.setupPaperConnector(c)
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps, c, connAddr)
	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps, c); err != nil {
			return fmt.Errorf("paper mode: %w", err)
		}
	}
	return g.Wait()
}

// FullMode runs the HTTP API and the settlement scheduler in one process.
// Executed deposits stay in the engine's liquid balance until an external
// connector is registered and targeted through the admin API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, deps, c, common.Address{})
	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps, c); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	}
	return g.Wait()
}

// setupPaperConnector registers the simulated connector, its underlying
// token, a blueprint, and one holding so that TVL and retrieval have a live
// position to work against. Returns the connector address for deposit
// forwarding.
func (a *App) setupPaperConnector(c *core) (common.Address, error) {
	connAddr := common.HexToAddress(a.cfg.Paper.ConnectorAddress)
	underlying := common.HexToAddress(a.cfg.Paper.Underlying)

	conn := sim.NewConnector(connAddr, underlying, c.oracle, a.cfg.Oracle.MinSources, a.logger)
	conn.SetCredit(c.engine.CreditLiquid)

	if err := c.registry.TrustToken(c.governor, underlying); err != nil {
		return common.Address{}, fmt.Errorf("trust underlying: %w", err)
	}
	if err := c.registry.EnableConnector(c.governor, conn); err != nil {
		return common.Address{}, fmt.Errorf("enable connector: %w", err)
	}

	blueprintID, err := c.registry.RegisterBlueprint(c.governor, domain.PositionBlueprint{
		CalculatorConnector: connAddr,
		PositionTypeID:      1,
		Underlyings:         []common.Address{underlying},
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("register blueprint: %w", err)
	}

	if _, err := c.registry.UpsertHolding(
		connAddr, blueprintID, []byte("paper"), nil, false, time.Now().UTC(),
	); err != nil {
		return common.Address{}, fmt.Errorf("seed holding: %w", err)
	}

	a.logger.Info("paper connector registered",
		slog.String("connector", connAddr.Hex()),
		slog.String("underlying", underlying.Hex()),
	)
	return connAddr, nil
}

// startScheduler adds the settlement scheduler to the errgroup. forwardTo
// receives executed deposit batches; the zero address keeps them liquid.
func (a *App) startScheduler(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	c *core,
	forwardTo common.Address,
) {
	if !a.cfg.Scheduler.Enabled {
		a.logger.WarnContext(ctx, "scheduler.enabled is false; settlement will not progress automatically")
		return
	}

	sched := scheduler.New(
		c.settleSvc,
		deps.Archiver,
		deps.LockManager,
		deps.Notifier,
		a.cfg.Scheduler,
		forwardTo,
		a.logger,
	)
	g.Go(func() error {
		err := sched.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// startHTTPServer adds the HTTP server (and WebSocket hub, when the signal
// bus is wired) to the errgroup. The server shuts down gracefully when the
// context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	c *core,
) error {
	apiKey, err := a.resolveAPIKey()
	if err != nil {
		return err
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.logger),
		Vault:      handler.NewVaultHandler(c.vaultSvc, a.logger),
		Settlement: handler.NewSettlementHandler(c.settleSvc, a.logger),
		Positions:  handler.NewPositionHandler(c.registrySvc, a.logger),
		Admin: handler.NewAdminHandler(
			c.vaultSvc, c.settleSvc, c.governor, c.emergency,
			a.cfg.Scheduler.BatchSize, a.logger,
		),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			err := hub.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          apiKey,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       120,
		RateLimitWindow: time.Minute,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return nil
}

// resolveAPIKey loads the API key from plain config or the encrypted
// keystore. An empty result disables API authentication.
func (a *App) resolveAPIKey() (string, error) {
	if a.cfg.Server.APIKey == "" && a.cfg.Keystore.EncryptedKeyPath == "" {
		return "", nil
	}
	key, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     a.cfg.Server.APIKey,
		EncryptedPath: a.cfg.Keystore.EncryptedKeyPath,
		Password:      a.cfg.Keystore.KeyPassword,
	})
	if err != nil {
		return "", fmt.Errorf("app: load api key: %w", err)
	}
	return key, nil
}
