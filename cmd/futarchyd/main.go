package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/term"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"futarchyd/core/futarchyamm"
	"futarchyd/core/futarchyvault"
	"futarchyd/crypto"
	"futarchyd/native/futarchy"
	"futarchyd/observability/logging"
	telemetry "futarchyd/observability/otel"
	"futarchyd/services/futarchyd/config"
	"futarchyd/services/futarchyd/httpapi"
	"futarchyd/services/futarchyd/router"
	"futarchyd/services/futarchyd/scheduler"
	"futarchyd/services/futarchyd/store"
	"futarchyd/services/futarchyd/withdraw"
)

// envKeyResolver reads MANAGER_PRIVATE_KEY_<TICKER> for a pool authority
// ticker, the only place in this daemon that touches private key material.
// When the variable is unset and the process is attached to a terminal, the
// key is prompted for interactively instead (echo suppressed), so an
// operator can run the daemon without leaving key material in the shell
// environment.
type envKeyResolver struct{}

func (envKeyResolver) Resolve(ticker string) (crypto.SigningKey, error) {
	envVar := config.SigningKeyEnvVar(ticker)
	raw := os.Getenv(envVar)
	if raw == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "%s not set, enter signing key for %s: ", envVar, ticker)
		entered, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return crypto.SigningKey{}, fmt.Errorf("futarchyd: read signing key for %s: %w", ticker, err)
		}
		raw = strings.TrimSpace(string(entered))
	}
	if raw == "" {
		return crypto.SigningKey{}, fmt.Errorf("futarchyd: %s is not set", envVar)
	}
	key, err := crypto.SigningKeyFromBase58(raw)
	if err != nil {
		return crypto.SigningKey{}, err
	}
	slog.Debug("resolved signing authority",
		"ticker", ticker,
		"env_var", envVar,
		logging.MaskField("private_key", raw),
	)
	return key, nil
}

// routerHandle lets the Scheduler resolve Moderators through the Router,
// breaking the construction cycle between the two: the Router is built
// first with no Scheduler, the Scheduler is built around this handle, and
// the Router then receives it through SetScheduler.
type routerHandle struct {
	router *router.Router
}

func (h *routerHandle) ResolveModerator(moderatorID int64) (*futarchy.Moderator, bool) {
	return h.router.ResolveModerator(moderatorID)
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/futarchyd/config.yaml", "path to futarchyd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FUTARCHYD_ENV"))
	logger := logging.Setup("futarchyd", env, logging.ParseLevel(os.Getenv("LOG_LEVEL")))

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "futarchyd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("futarchyd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("futarchyd: load config: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("futarchyd: open database: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatalf("futarchyd: auto migrate: %v", err)
	}

	withdrawClient := withdraw.New(cfg.DammAPIURL, cfg.DammPoolType, cfg.RPCTimeout.Duration)
	persistence := store.New(db, cfg.RPCEndpoint, futarchyamm.Factories(), futarchyamm.KindOf, futarchyvault.SplitMergeVaultFactory{}, futarchyvault.KindOf)

	for _, mod := range cfg.Moderators {
		authorities := make(map[string]futarchy.SigningKeyRef, len(mod.PoolAuthorities))
		for pool, ticker := range mod.PoolAuthorities {
			authorities[pool] = futarchy.SigningKeyRef{Ticker: ticker}
		}
		rec := futarchy.ModeratorRecord{
			ID:                   mod.ID,
			ProtocolName:         mod.ProtocolName,
			BaseMint:             mod.BaseMint,
			QuoteMint:            mod.QuoteMint,
			BaseDecimals:         mod.BaseDecimals,
			QuoteDecimals:        mod.QuoteDecimals,
			RPCEndpoint:          mod.RPCEndpoint,
			PoolAuthorities:      authorities,
			WithdrawalPercentage: mod.WithdrawalPct,
		}
		if err := persistence.UpsertModerator(context.Background(), rec); err != nil {
			log.Fatalf("futarchyd: bootstrap moderator %d: %v", mod.ID, err)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rtr := router.New(persistence, persistence, nil, withdrawClient, logger)
	sched := scheduler.New(&routerHandle{router: rtr}, envKeyResolver{}, logger, nil)
	rtr.SetScheduler(sched)

	if err := rtr.LoadModerators(rootCtx); err != nil {
		log.Fatalf("futarchyd: load moderators: %v", err)
	}
	if err := rtr.RecoverPendingProposals(rootCtx, time.Now().UnixMilli(), envKeyResolver{}); err != nil {
		log.Fatalf("futarchyd: recover pending proposals: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics server listening", "address", cfg.MetricsAddress)
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
			logger.Error("metrics server exited", "err", err)
		}
	}()

	go func() {
		accessLog := httpapi.NewAccessLogWriter("futarchyd-access.log", 50, 5)
		defer accessLog.Close()

		status := httpapi.New(persistence, persistence.Feed(), logger, nil)
		limiter := httpapi.NewRateLimiter(10, 20)
		handler := otelhttp.NewHandler(
			httpapi.AccessLog(accessLog)(status.Routes(limiter)),
			"futarchyd-status",
		)

		logger.Info("status api listening", "address", cfg.StatusAddress)
		if err := http.ListenAndServe(cfg.StatusAddress, handler); err != nil {
			logger.Error("status api exited", "err", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("futarchyd shutting down")
}
