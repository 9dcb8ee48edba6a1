package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-enclave-bootstrap/attestation"
	"github.com/ruteri/tee-enclave-bootstrap/cmd/flags"
	"github.com/ruteri/tee-enclave-bootstrap/config"
	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/enclave"
	"github.com/ruteri/tee-enclave-bootstrap/httpserver"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
)

var profileFlag = &cli.StringFlag{
	Name:     "profile",
	Required: true,
	Usage:    "embedded build profile: 'management' or 'storage'",
}

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "runtime configuration file (YAML); required unless --manual",
}

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "override listen_address of the attested service",
}

var attestationURLFlag = &cli.StringFlag{
	Name:  "attestation-url",
	Usage: "override attestation.url",
}

var attestationAccessKeyFlag = &cli.StringFlag{
	Name:    "attestation-access-key",
	EnvVars: []string{"ATTESTATION_ACCESS_KEY"},
	Usage:   "override attestation.access_key",
}

var backendAddrFlag = &cli.StringFlag{
	Name:  "backend-addr",
	Usage: "override backend.address (host:port or srv://_service._proto.domain)",
}

var remoteAttestationFlag = &cli.StringFlag{
	Name:  "remote-attestation-provider",
	Usage: "remote quote provider address to use instead of the local TDX module",
}

var manualFlag = &cli.BoolFlag{
	Name:  "manual",
	Usage: "wait for lifecycle commands on the ops server instead of starting immediately",
}

func main() {
	app := &cli.App{
		Name:  "enclave",
		Usage: "Run an attested enclave service",
		Flags: append([]cli.Flag{
			profileFlag,
			configFlag,
			listenAddrFlag,
			attestationURLFlag,
			attestationAccessKeyFlag,
			backendAddrFlag,
			remoteAttestationFlag,
			manualFlag,
			flags.LogServiceFlagFn("enclave"),
		}, flags.CommonFlags...),
		Action: runEnclave,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runEnclave(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	build, err := loadProfile(cCtx.String(profileFlag.Name))
	if err != nil {
		logger.Error("Failed to load build profile", "err", err)
		return err
	}

	ready := atomic.NewBool(false)
	controller := enclave.NewController(build, logger, serviceHandler).WithReadiness(ready)

	if addr := cCtx.String(remoteAttestationFlag.Name); addr != "" {
		logger.Info("Using remote quote provider", "address", addr)
		controller = controller.WithAttestationFactory(
			attestation.NewFactory(logger).
				WithCommonName(string(build.Role)).
				WithQuoteProvider(&cryptoutils.RemoteAttestationProvider{Address: addr}),
		)
	}

	var ops *httpserver.Server
	if opsCfg := flags.ConfigureOpsServer(cCtx, logger); opsCfg.ListenAddr != "" {
		ops, err = httpserver.New(opsCfg, ready, httpserver.NewAdminHandler(controller, logger))
		if err != nil {
			logger.Error("Failed to create ops server", "err", err)
			return err
		}
		if err := ops.RunInBackground(); err != nil {
			logger.Error("Failed to start ops server", "err", err)
			return err
		}
		defer ops.Shutdown()
	}

	if cCtx.Bool(manualFlag.Name) {
		if ops == nil {
			return errors.New("--manual requires the ops server")
		}
		logger.Info("Waiting for lifecycle commands", "profile", build.Profile)
	} else {
		rc, err := runtimeConfig(cCtx)
		if err != nil {
			logger.Error("Invalid runtime configuration", "err", err)
			return err
		}

		if err := controller.Init(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cCtx.Context, 5*time.Minute)
		err = controller.StartService(ctx, rc)
		cancel()
		if err != nil {
			return err
		}
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		// Wait is rejected until a service has been started.
		for controller.Wait() != nil {
			if st := controller.State(); st == enclave.StateFailed || st == enclave.StateFinalized {
				return
			}
			time.Sleep(time.Second)
		}
	}()

	select {
	case <-exit:
		logger.Info("Shutdown signal received")
	case <-stopped:
		logger.Warn("Attested service stopped", "state", controller.State().String())
	}

	if err := controller.Finalize(context.Background()); err != nil {
		logger.Warn("Finalize rejected", "state", controller.State().String(), "err", err)
	}
	return nil
}

func runtimeConfig(cCtx *cli.Context) (*config.RuntimeConfig, error) {
	path := cCtx.String(configFlag.Name)
	if path == "" {
		return nil, errors.New("--config is required")
	}

	rc, err := config.LoadRuntimeConfig(path)
	if err != nil {
		return nil, err
	}

	if v := cCtx.String(listenAddrFlag.Name); v != "" {
		rc.ListenAddress = v
	}
	if v := cCtx.String(attestationURLFlag.Name); v != "" {
		rc.Attestation.URL = v
	}
	if v := cCtx.String(attestationAccessKeyFlag.Name); v != "" {
		rc.Attestation.AccessKey = v
	}
	if v := cCtx.String(backendAddrFlag.Name); v != "" {
		rc.Backend.Address = v
	}
	return rc, rc.Validate()
}
