// Command chappsd is the CHAPPS policy delegation daemon. One process
// image serves any of the four policies, or a composed multi-policy
// pipeline, selected by the config file's [CHAPPS] pipeline key
// ("oqp", "sda", "grl", "spf", "outbound" = SDA->OQP, "inbound" =
// SPF->GRL). A deployment runs one process per policy service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/config"
	"github.com/chapps-project/chappsd/internal/dbadapter"
	"github.com/chapps-project/chappsd/internal/handler"
	"github.com/chapps-project/chappsd/internal/logger"
	"github.com/chapps-project/chappsd/internal/policy/grl"
	"github.com/chapps-project/chappsd/internal/policy/oqp"
	"github.com/chapps-project/chappsd/internal/policy/sda"
	spfpolicy "github.com/chapps-project/chappsd/internal/policy/spf"
	"github.com/chapps-project/chappsd/internal/redisclient"
	"github.com/chapps-project/chappsd/internal/spfeval"
	"github.com/chapps-project/chappsd/internal/tcpserver"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to chapps.ini (defaults to CHAPPS_CONFIG or /etc/chapps/chapps.ini)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chappsd: fatal: loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: "info", Pretty: os.Getenv("ENV") != "production"})
	log.Info().Str("pipeline", cfg.CHAPPS.Pipeline).Str("config", cfg.Path).Msg("chappsd starting")

	rdb, err := redisclient.New(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("chappsd: fatal: connecting to redis")
	}
	defer rdb.Close()

	db, err := dbadapter.Open(cfg.PolicyConfigAdapter)
	if err != nil {
		log.Fatal().Err(err).Msg("chappsd: fatal: opening policy-config store")
	}
	db = dbadapter.WithRetry(db, 250*time.Millisecond, log)
	defer db.Close()

	evaluator := spfeval.New()

	h, addr := buildPipeline(cfg, rdb, db, evaluator, log)
	srv := tcpserver.New(tcpserver.Options{
		Addr:            addr,
		PoolSize:        cfg.CHAPPS.WorkerPoolSize,
		MaxRequestBytes: cfg.CHAPPS.MaxRequestBytes,
		FallbackAction:  cfg.CHAPPS.FallbackAction,
		RequestBudget:   cfg.CHAPPS.RequestBudget,
	}, h, log)

	ctx, cancel := context.WithCancel(context.Background())

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info().Msg("chappsd: SIGHUP received, reloading configuration")
			newCfg, err := config.Load(cfg.Path)
			if err != nil {
				log.Error().Err(err).Msg("chappsd: config reload failed, keeping previous configuration")
				continue
			}
			cfg = newCfg
			newHandler, _ := buildPipeline(cfg, rdb, db, evaluator, log)
			srv.SetHandler(newHandler)
			log.Info().Msg("chappsd: configuration reloaded")
		}
	}()

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigterm
		log.Info().Msg("chappsd: shutdown signal received, draining connections")
		cancel()
	}()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error().Err(err).Msg("chappsd: server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("chappsd: stopped")
}

// buildPipeline constructs the handler (and the listen address it binds
// to) for cfg's selected pipeline.
func buildPipeline(cfg *config.Config, rdb *redisclient.Client, db dbadapter.Adapter, evaluator spfeval.Evaluator, log zerolog.Logger) (*handler.Handler, string) {
	oqpPolicy := oqp.New(cfg.OutboundQuotaPolicy, rdb, db, log)
	sdaPolicy := sda.New(cfg.SenderDomainAuthPolicy, rdb, db, log)
	grlPolicy := grl.New(cfg.GreylistingPolicy, rdb, db, log)
	spfPolicy := spfpolicy.New(cfg.SPFEnforcementPolicy, cfg.PostfixSPFActions, rdb, db, evaluator, log)

	switch cfg.CHAPPS.Pipeline {
	case "oqp":
		return handler.New("oqp", cfg.CHAPPS, rdb, log, oqpPolicy), listenAddr(cfg.OutboundQuotaPolicy.ListenAddress, cfg.OutboundQuotaPolicy.ListenPort)
	case "sda":
		return handler.New("sda", cfg.CHAPPS, rdb, log, sdaPolicy), listenAddr(cfg.SenderDomainAuthPolicy.ListenAddress, cfg.SenderDomainAuthPolicy.ListenPort)
	case "grl":
		return handler.New("grl", cfg.CHAPPS, rdb, log, grlPolicy), listenAddr(cfg.GreylistingPolicy.ListenAddress, cfg.GreylistingPolicy.ListenPort)
	case "spf":
		return handler.New("spf", cfg.CHAPPS, rdb, log, spfPolicy), listenAddr(cfg.SPFEnforcementPolicy.ListenAddress, cfg.SPFEnforcementPolicy.ListenPort)
	case "inbound":
		return handler.New("inbound", cfg.CHAPPS, rdb, log, spfPolicy, grlPolicy), listenAddr(cfg.SPFEnforcementPolicy.ListenAddress, cfg.SPFEnforcementPolicy.ListenPort)
	default: // "outbound" and any unrecognised value fall back to SDA->OQP
		return handler.New("outbound", cfg.CHAPPS, rdb, log, sdaPolicy, oqpPolicy), listenAddr(cfg.OutboundQuotaPolicy.ListenAddress, cfg.OutboundQuotaPolicy.ListenPort)
	}
}

func listenAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
