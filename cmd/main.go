package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/parallaxfi/basket-engine/amm"
	"github.com/parallaxfi/basket-engine/amm/memamm"
	"github.com/parallaxfi/basket-engine/basket"
	"github.com/parallaxfi/basket-engine/config"
	"github.com/parallaxfi/basket-engine/governance"
	"github.com/parallaxfi/basket-engine/rebalance"
	"github.com/parallaxfi/basket-engine/router"
	routerquery "github.com/parallaxfi/basket-engine/router_query"
	"github.com/parallaxfi/basket-engine/rpc"
)

var log zerolog.Logger

func init() {
	// Initialize zerolog with console writer
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Logger()

	// Share the logger with the RPC package
	rpc.SetLogger(log)
}

func main() {
	configEngine := flag.String("config-engine", "./engine-config.toml", "config file for the basket and parameters")
	configServer := flag.String("config-server", "", "config file for the server, env vars when empty")
	flag.Parse()

	log.Info().
		Str("engine_config", *configEngine).
		Str("server_config", *configServer).
		Msg("Starting Basket Engine")

	engineCfg, err := config.LoadEngineFile(*configEngine)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load engine config")
	}

	var serverCfgPath *string
	if *configServer != "" {
		serverCfgPath = configServer
	}
	serverCfg, err := config.LoadServerConfig(serverCfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load server config")
	}

	bkt, err := engineCfg.BuildBasket()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build basket")
	}
	params, err := engineCfg.BuildParams()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build params")
	}
	reference, err := engineCfg.ReferenceAmount()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse reference amount")
	}
	delay, err := engineCfg.GovernanceDelay()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse governance delay")
	}

	log.Info().
		Int("assets", bkt.Len()).
		Str("settlement", bkt.Settlement()).
		Str("mode", serverCfg.Mode).
		Msg("Loaded basket")

	tokens, exchangeRouter, routerAddr, quoteClient := buildExchange(engineCfg, serverCfg, bkt)

	planner := router.NewPlanner(bkt)
	selector := router.NewSelector(bkt, planner, reference)
	metrics := rebalance.NewMetrics(prometheus.DefaultRegisterer)

	engine, err := rebalance.NewEngine(rebalance.Deps{
		Basket:         bkt,
		Planner:        planner,
		Selector:       selector,
		Tokens:         tokens,
		Router:         exchangeRouter,
		RouterAddress:  routerAddr,
		Params:         params,
		Owner:          engineCfg.Engine.Owner,
		Account:        engineCfg.Engine.Account,
		ProbeExpansion: engineCfg.Engine.ProbeExpansion,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	governor := governance.NewGovernor(engineCfg.Engine.Owner, params, delay, engine.BasketValue)

	server, err := rpc.NewServer(buildServerConfig(serverCfg), engine, governor)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			sigCh <- syscall.SIGTERM
		}
	}()

	// Start the profit-gated scheduler when configured
	if serverCfg.SchedulerInterval != "" {
		interval, err := time.ParseDuration(serverCfg.SchedulerInterval)
		if err != nil {
			log.Fatal().Err(err).Str("interval", serverCfg.SchedulerInterval).Msg("Invalid scheduler interval")
		}
		floor := uint256.NewInt(0)
		if serverCfg.ProfitFloor != "" {
			floor, err = uint256.FromDecimal(serverCfg.ProfitFloor)
			if err != nil {
				log.Fatal().Err(err).Str("floor", serverCfg.ProfitFloor).Msg("Invalid profit floor")
			}
		}
		go runScheduler(ctx, engine, interval, floor, serverCfg.ExecutorRecipient)
	}

	// Wait for shutdown signal
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	if quoteClient != nil {
		quoteClient.Close()
		log.Info().Msg("Closed quote client")
	}
}

// runScheduler periodically checks whether a round would be profitable and
// triggers one when the expected gain clears the floor.
func runScheduler(ctx context.Context, engine *rebalance.Engine, interval time.Duration, floor *uint256.Int, recipient string) {
	log.Info().
		Dur("interval", interval).
		Str("floor", floor.Dec()).
		Msg("Scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
		}

		if remaining := engine.CooldownRemaining(); remaining > 0 {
			log.Debug().Dur("remaining", remaining).Msg("Cooldown active, skipping tick")
			continue
		}

		expected, err := engine.ExpectedProfit(ctx, false)
		if err != nil {
			log.Warn().Err(err).Msg("Profit estimate failed, skipping tick")
			continue
		}
		if expected.Lt(floor) {
			log.Debug().Str("expected", expected.Dec()).Msg("Expected gain below floor")
			continue
		}

		report, err := engine.Rebalance(ctx, recipient)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled rebalance failed")
			continue
		}
		log.Info().
			Str("target", report.TargetToken).
			Int("trades", report.Trades).
			Str("gain", report.Gain.Dec()).
			Bool("distributed", report.Distributed).
			Msg("Scheduled rebalance complete")
	}
}

// buildExchange wires the exchange backend. Sim mode runs fully in memory
// against a seeded exchange; quote mode fetches quotes from remote router
// endpoints and refuses execution. Both modes hold token balances in the
// in-memory ledger, funded from the config's per-asset balance entries, so a
// quote-mode deployment without balance entries estimates over an empty book.
func buildExchange(
	engineCfg *config.EngineConfig,
	serverCfg *config.ServerConfig,
	bkt *basket.Basket,
) (amm.TokenClient, amm.Router, string, *routerquery.QuoteClient) {
	exchange := memamm.NewExchange()
	seedSimExchange(exchange, engineCfg, bkt)

	account := engineCfg.Engine.Account
	if serverCfg.Mode == "quote" {
		primary := serverCfg.QuoteURLs[0]
		backups := serverCfg.QuoteURLs[1:]
		quoteClient, err := routerquery.NewQuoteClientWithFailover(primary, backups, routerquery.DefaultFailoverConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create quote client")
		}
		// In quote mode swap allowances are granted to the remote router's
		// configured identity rather than the in-memory spender.
		routerAddr := engineCfg.Engine.RouterAddress
		if routerAddr == "" {
			routerAddr = memamm.RouterAddress
		}
		log.Info().
			Str("primary", primary).
			Int("backups", len(backups)).
			Str("router", routerAddr).
			Msg("Remote quote client initialized")
		return exchange.TokensFor(account), &quoteOnlyRouter{quoteClient}, routerAddr, quoteClient
	}

	if addr := engineCfg.Engine.RouterAddress; addr != "" && addr != memamm.RouterAddress {
		// The in-memory router only honors allowances granted to its own
		// spender identity.
		log.Warn().Str("router_address", addr).Msg("Sim mode overrides the configured router address")
	}
	return exchange.TokensFor(account), exchange.RouterFor(account), memamm.RouterAddress, nil
}

// seedSimExchange registers every basket token, seeds parity liquidity so
// sim mode has pools to trade against, and funds the engine account with the
// configured initial holdings.
func seedSimExchange(exchange *memamm.Exchange, engineCfg *config.EngineConfig, bkt *basket.Basket) {
	exchange.RegisterToken(bkt.Settlement(), bkt.SettlementDecimals())
	for _, asset := range bkt.Assets() {
		exchange.RegisterToken(asset.Token, asset.Decimals)
		exchange.RegisterToken(asset.Paired, asset.PairedDecimals)
	}

	reserve := func(decimals uint8) *uint256.Int {
		r := uint256.NewInt(1_000_000)
		return r.Mul(r, basket.Pow10(decimals))
	}
	for _, asset := range bkt.Assets() {
		exchange.AddLiquidity(asset.Token, asset.Paired,
			reserve(asset.Decimals), reserve(asset.PairedDecimals))
		exchange.AddLiquidity(asset.Paired, bkt.Settlement(),
			reserve(asset.PairedDecimals), reserve(bkt.SettlementDecimals()))
	}

	holdings, err := engineCfg.InitialHoldings()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid initial holdings")
	}
	if len(holdings) == 0 {
		log.Warn().Msg("No initial holdings configured; the engine starts empty")
	}
	for token, amount := range holdings {
		exchange.Mint(token, engineCfg.Engine.Account, amount)
	}

	log.Info().Int("funded_assets", len(holdings)).Msg("Seeded in-memory exchange")
}

// quoteOnlyRouter serves quotes from the remote router but has no execution
// path. Swaps must go through a signing executor, which is out of reach here.
type quoteOnlyRouter struct {
	*routerquery.QuoteClient
}

func (q *quoteOnlyRouter) SwapExactTokensForTokens(
	ctx context.Context,
	amountIn, minAmountOut *uint256.Int,
	route []string,
	recipient string,
	deadline time.Time,
) ([]*uint256.Int, error) {
	return nil, fmt.Errorf("%w: quote mode cannot execute swaps", amm.ErrExternalCall)
}

// buildServerConfig converts the loaded ServerConfig to rpc.ServerConfig
func buildServerConfig(cfg *config.ServerConfig) *rpc.ServerConfig {
	serverConfig := &rpc.ServerConfig{
		Address:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		AllowedOrigins: cfg.AllowedOrigins,
		EnableMetrics:  true,
	}

	// Set rate limiting if configured
	if cfg.RatePerMinute > 0 {
		serverConfig.RatePerMinute = &cfg.RatePerMinute
	}
	if cfg.MaxConcurrentRequests > 0 {
		serverConfig.MaxConcurrentRequests = &cfg.MaxConcurrentRequests
	}

	return serverConfig
}
