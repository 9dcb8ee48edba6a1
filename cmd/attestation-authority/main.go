package main

import (
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/tee-enclave-bootstrap/attestation"
	"github.com/ruteri/tee-enclave-bootstrap/authority"
	"github.com/ruteri/tee-enclave-bootstrap/cmd/flags"
	"github.com/ruteri/tee-enclave-bootstrap/httpserver"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
)

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8085",
	Usage: "address to listen on for the attestation API",
}

var rootCertFlag = &cli.StringFlag{
	Name:  "root-cert",
	Usage: "PEM root certificate; an ephemeral root is generated when unset (requires --dev)",
}

var signingCertFlag = &cli.StringFlag{
	Name:  "signing-cert",
	Usage: "PEM report signing certificate issued by the root",
}

var signingKeyFlag = &cli.StringFlag{
	Name:  "signing-key",
	Usage: "PKCS#8 PEM report signing key",
}

var accessKeysFlag = &cli.StringSliceFlag{
	Name:    "access-key",
	EnvVars: []string{"ATTESTATION_ACCESS_KEYS"},
	Usage:   "access keys admitted by the authority; any key is admitted when unset",
}

var devFlag = &cli.BoolFlag{
	Name:  "dev",
	Usage: "endorse unprotected dev quotes",
}

var devStatusFlag = &cli.StringFlag{
	Name:  "dev-status",
	Value: attestation.StatusOK,
	Usage: "report status issued for dev quotes",
}

func main() {
	app := &cli.App{
		Name:  "attestation-authority",
		Usage: "Endorse enclave quotes with signed attestation reports",
		Flags: append([]cli.Flag{
			listenAddrFlag,
			rootCertFlag,
			signingCertFlag,
			signingKeyFlag,
			accessKeysFlag,
			devFlag,
			devStatusFlag,
			flags.LogServiceFlagFn("attestation-authority"),
		}, flags.CommonFlags...),
		Action: runAuthority,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAuthority(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg := authority.Config{
		AccessKeys: cCtx.StringSlice(accessKeysFlag.Name),
		DevMode:    cCtx.Bool(devFlag.Name),
		DevStatus:  cCtx.String(devStatusFlag.Name),
	}

	var a *authority.Authority
	var err error
	if rootPath := cCtx.String(rootCertFlag.Name); rootPath != "" {
		a, err = loadAuthority(logger, cfg, rootPath, cCtx.String(signingCertFlag.Name), cCtx.String(signingKeyFlag.Name))
	} else if cfg.DevMode {
		cfg.Validity = 365 * 24 * time.Hour
		a, err = authority.NewDevAuthority(logger, cfg)
		if err == nil {
			logger.Warn("Using an ephemeral root of trust", "root", strings.TrimSpace(string(a.RootPEM())))
		}
	} else {
		err = errors.New("--root-cert is required outside of --dev")
	}
	if err != nil {
		logger.Error("Failed to set up attestation authority", "err", err)
		return err
	}

	if len(cfg.AccessKeys) == 0 {
		logger.Warn("No access keys configured, admitting all clients")
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(logger, next)
	})
	authority.NewHandler(a, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         cCtx.String(listenAddrFlag.Name),
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ready := atomic.NewBool(true)
	opsCfg := flags.ConfigureOpsServer(cCtx, logger)
	if opsCfg.ListenAddr != "" {
		ops, err := httpserver.New(opsCfg, ready, nil)
		if err != nil {
			return err
		}
		if err := ops.RunInBackground(); err != nil {
			logger.Error("Failed to start ops server", "err", err)
			return err
		}
		defer ops.Shutdown()
	}

	go func() {
		logger.Info("Starting attestation authority", "listenAddress", srv.Addr, "dev", cfg.DevMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "err", err)
		}
		ready.Store(false)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	ready.Store(false)
	if err := srv.Close(); err != nil {
		logger.Error("HTTP server shutdown failed", "err", err)
	}
	return nil
}

func loadAuthority(logger *slog.Logger, cfg authority.Config, rootPath, signingCertPath, signingKeyPath string) (*authority.Authority, error) {
	if signingCertPath == "" || signingKeyPath == "" {
		return nil, errors.New("--signing-cert and --signing-key are required with --root-cert")
	}

	rootPEM, err := os.ReadFile(rootPath)
	if err != nil {
		return nil, err
	}
	signingCertPEM, err := os.ReadFile(signingCertPath)
	if err != nil {
		return nil, err
	}
	signingKeyPEM, err := os.ReadFile(signingKeyPath)
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded attestation authority keys", "root", rootPath, "signingCert", signingCertPath)
	return authority.Load(logger, cfg, rootPEM, signingCertPEM, signingKeyPEM)
}
