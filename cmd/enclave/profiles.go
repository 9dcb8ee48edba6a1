package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/ruteri/tee-enclave-bootstrap/config"
	"github.com/ruteri/tee-enclave-bootstrap/enclave"
	"github.com/ruteri/tee-enclave-bootstrap/services"
)

// Trust material is compiled into the binary and covered by its measurement.
//
//go:embed profiles
var profiles embed.FS

func loadProfile(name string) (*config.BuildConfig, error) {
	sub, err := fs.Sub(profiles, "profiles")
	if err != nil {
		return nil, err
	}
	return config.LoadBuildConfig(sub, name)
}

// serviceHandler builds the request handler for the profile's role.
func serviceHandler(ctx context.Context, svc enclave.Services) (http.Handler, error) {
	switch svc.Build.Role {
	case "management":
		if svc.Backend == nil {
			return nil, fmt.Errorf("management requires a storage backend channel")
		}
		management := services.NewManagementHandler(svc.Backend, svc.Log).WithRedial(func(ctx context.Context) (services.Doer, error) {
			ch, err := svc.DialBackend(ctx)
			if err != nil {
				return nil, err
			}
			return ch, nil
		})
		return services.NewRouter(svc.Log, management), nil
	case "storage":
		if len(svc.Runtime.Storage.Locations) == 0 {
			return nil, fmt.Errorf("storage requires storage.locations")
		}
		backend, err := svc.StorageFactory.CreateMultiBackend(svc.Runtime.Storage.Locations)
		if err != nil {
			return nil, err
		}
		return services.NewRouter(svc.Log, services.NewStorageHandler(backend, svc.Log)), nil
	default:
		return nil, fmt.Errorf("no service for role %s", svc.Build.Role)
	}
}
