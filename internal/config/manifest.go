// ABOUTME: TOML endpoint manifest loader for the Integration Hub
// ABOUTME: Declares expert endpoints outside the main YAML configuration

package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// endpointManifest is the on-disk shape of a hub endpoint manifest:
//
//	[[endpoint]]
//	name = "research"
//	address = "https://research.internal/rpc"
//	failure_threshold = 5
//	recovery_timeout = "90s"
type endpointManifest struct {
	Endpoints []EndpointConfig `toml:"endpoint"`
}

// LoadEndpointManifest reads a TOML manifest of expert endpoints. Names must
// be unique within the manifest; collisions with YAML-declared endpoints are
// caught at hub registration.
func LoadEndpointManifest(path string) ([]EndpointConfig, error) {
	var manifest endpointManifest
	if _, err := toml.DecodeFile(path, &manifest); err != nil {
		return nil, fmt.Errorf("parsing endpoint manifest: %w", err)
	}

	seen := make(map[string]struct{}, len(manifest.Endpoints))
	for i := range manifest.Endpoints {
		ep := &manifest.Endpoints[i]
		if ep.Name == "" || ep.Address == "" {
			return nil, fmt.Errorf("endpoint manifest entries require name and address")
		}
		if _, dup := seen[ep.Name]; dup {
			return nil, fmt.Errorf("endpoint manifest: duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = struct{}{}

		if ep.RecoveryTimeoutRaw != "" {
			d, err := time.ParseDuration(ep.RecoveryTimeoutRaw)
			if err != nil {
				return nil, fmt.Errorf("endpoint manifest: parsing %q recovery_timeout: %w", ep.Name, err)
			}
			ep.RecoveryTimeout = d
		}
	}

	return manifest.Endpoints, nil
}
