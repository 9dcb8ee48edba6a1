package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-bootstrap/cmd/flags"
	"github.com/ruteri/tee-enclave-bootstrap/config"
	"github.com/ruteri/tee-enclave-bootstrap/cryptoutils"
	"github.com/ruteri/tee-enclave-bootstrap/interfaces"
	"github.com/ruteri/tee-enclave-bootstrap/manifest"
	"github.com/ruteri/tee-enclave-bootstrap/storage"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var flagManifest = &cli.StringFlag{
	Name:     "manifest",
	Required: true,
	Usage:    "trust manifest TOML file",
}
var flagPrivateKey = &cli.StringFlag{
	Name:    "privkey",
	EnvVars: []string{"AUDITOR_PRIVKEY"},
	Usage:   "hex secp256k1 auditor key",
}
var flagEd25519Key = &cli.StringFlag{
	Name:  "ed25519-key",
	Usage: "PKCS#8 PEM ed25519 auditor key file",
}
var flagOut = &cli.StringFlag{
	Name:     "out",
	Required: true,
	Usage:    "file to write the signature to",
}
var flagSignature = &cli.StringSliceFlag{
	Name:     "signature",
	Required: true,
	Usage:    "signature file, repeatable",
}
var flagLocation = &cli.StringSliceFlag{
	Name:     "location",
	Required: true,
	Usage:    "storage backend URI (file://, s3://, ipfs://, vault://), repeatable",
}

func main() {
	app := &cli.App{
		Name:  "manifest-admin",
		Usage: "Check, sign and publish trust manifests",
		Flags: []cli.Flag{
			flags.LogJsonFlag,
			flags.LogDebugFlag,
			flags.LogServiceFlagFn("manifest-admin"),
		},
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "parse a manifest and print its roles",
				Flags:  []cli.Flag{flagManifest},
				Action: checkManifest,
			},
			{
				Name:   "sign",
				Usage:  "sign a manifest with an auditor key",
				Flags:  []cli.Flag{flagManifest, flagPrivateKey, flagEd25519Key, flagOut},
				Action: signManifest,
			},
			{
				Name:   "publish",
				Usage:  "store a manifest and its signatures, print the runtime manifest section",
				Flags:  []cli.Flag{flagManifest, flagSignature, flagLocation},
				Action: publishManifest,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func checkManifest(cCtx *cli.Context) error {
	data, err := os.ReadFile(cCtx.String(flagManifest.Name))
	if err != nil {
		return err
	}

	trust, err := manifest.Parse(data)
	if err != nil {
		return err
	}

	roles := trust.Roles()
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	for _, role := range roles {
		id, _ := trust.Lookup(role)
		fmt.Printf("%s\t%s\n", role, id.Measurements.String())
	}
	fmt.Printf("id\t%s\n", interfaces.ComputeID(data).String())
	return nil
}

func signManifest(cCtx *cli.Context) error {
	data, err := os.ReadFile(cCtx.String(flagManifest.Name))
	if err != nil {
		return err
	}
	if _, err := manifest.Parse(data); err != nil {
		return err
	}

	var sig []byte
	switch {
	case cCtx.String(flagPrivateKey.Name) != "" && cCtx.String(flagEd25519Key.Name) != "":
		return errors.New("use either --privkey or --ed25519-key")
	case cCtx.String(flagPrivateKey.Name) != "":
		key, err := crypto.HexToECDSA(cCtx.String(flagPrivateKey.Name))
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		sig, err = cryptoutils.SignEthereum(key, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "signed by %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
	case cCtx.String(flagEd25519Key.Name) != "":
		key, err := loadEd25519Key(cCtx.String(flagEd25519Key.Name))
		if err != nil {
			return err
		}
		sig = ed25519.Sign(key, data)
	default:
		return errors.New("--privkey or --ed25519-key is required")
	}

	return os.WriteFile(cCtx.String(flagOut.Name), sig, 0o644)
}

func loadEd25519Key(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in ed25519 key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an ed25519 key: %T", parsed)
	}
	return key, nil
}

func publishManifest(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := context.Background()

	data, err := os.ReadFile(cCtx.String(flagManifest.Name))
	if err != nil {
		return err
	}
	if _, err := manifest.Parse(data); err != nil {
		return err
	}

	locations := cCtx.StringSlice(flagLocation.Name)
	backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return err
	}

	section := config.ManifestSection{Locations: locations}

	id, err := backend.Store(ctx, data, interfaces.ManifestType)
	if err != nil {
		return fmt.Errorf("failed to store manifest: %w", err)
	}
	section.ID = id.String()

	for _, path := range cCtx.StringSlice(flagSignature.Name) {
		sig, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sigID, err := backend.Store(ctx, sig, interfaces.SignatureType)
		if err != nil {
			return fmt.Errorf("failed to store signature %s: %w", path, err)
		}
		section.Signatures = append(section.Signatures, sigID.String())
	}

	logger.Info("Published trust manifest", "id", section.ID, "signatures", len(section.Signatures))
	return yaml.NewEncoder(os.Stdout).Encode(map[string]config.ManifestSection{"manifest": section})
}
