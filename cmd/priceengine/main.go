// Command priceengine is the composition root: it constructs Config,
// storage, the Multiplexer, Cache, Fuser, HTTP Price Adapters and Oracle
// exactly once and wires them into an Engine, then blocks until an
// interrupt signal asks it to shut down gracefully. No component below
// this file imports another's concrete state; every dependency is
// constructed here and passed down, per the spec's explicit-composition-
// root design note.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/berkode/priceengine/internal/adapters"
	"github.com/berkode/priceengine/internal/cache"
	"github.com/berkode/priceengine/internal/config"
	"github.com/berkode/priceengine/internal/engine"
	"github.com/berkode/priceengine/internal/fuser"
	"github.com/berkode/priceengine/internal/jupiter"
	"github.com/berkode/priceengine/internal/oracle"
	"github.com/berkode/priceengine/internal/registry"
	"github.com/berkode/priceengine/internal/storage"
	"github.com/berkode/priceengine/internal/websocket"
)

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML config file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	mgr, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	db, err := storage.NewDB(mgr.SQLitePath())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open pool catalog")
	}
	defer db.Close()

	mux := websocket.New(mgr.BuildWebSocketConfig())

	reg, err := registry.New(mgr.BuildRegistryConfig(), mux, db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to warm-load subscription registry")
	}

	poolCache := cache.New()

	httpBase := mgr.BuildHTTPAdapterConfig()

	solRefCfg := adapters.DefaultReferenceSOLPriceConfig()
	solRefCfg.Infra = httpBase
	solRefCfg.Infra.CacheTTL = 5 * time.Minute // SOL/USD is a long-TTL reference value, independent of the generic HTTP cache TTL.
	solRef := adapters.NewReferenceSOLPriceAdapter(solRefCfg)

	quoteRef := engine.NewStablecoinQuoteReference(solRef)
	f := fuser.New(mgr.BuildFuserConfig(), poolCache, reg, quoteRef, solRef)

	jupiterCfg := jupiter.DefaultConfig()
	jupiterCfg.Infra = httpBase
	quoteAdapter := jupiter.New(jupiterCfg)

	pairCfg := adapters.DefaultPairMetadataConfig()
	pairCfg.Infra = httpBase
	pairAdapter := adapters.NewPairMetadataAdapter(pairCfg)

	orc := oracle.New(mgr.BuildOracleConfig(), f, quoteAdapter, pairAdapter, reg)

	eng := engine.New(engine.DefaultConfig(), mux, poolCache, reg, f, orc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("config", *configPath).Msg("price-discovery engine starting")
	eng.Run(ctx)
	log.Info().Msg("price-discovery engine stopped")
}
