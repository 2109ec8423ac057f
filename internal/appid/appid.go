// Package appid holds the application identity shared by the CLI help text,
// config discovery, environment prefixes and the version endpoint.
package appid

import (
	"context"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"
)

const (
	// Name is the binary and config directory name.
	Name = "shopvet"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SHOPVET_"
	// Description is shown in CLI help.
	Description = "Outbound request governance for marketplace scraping"

	// nameOverrideEnv renames the binary in help text and the config
	// directory, for side-by-side deployments.
	nameOverrideEnv = "SHOPVET_APP_NAME"
)

// Get returns the application identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	name := Name
	if override := strings.TrimSpace(os.Getenv(nameOverrideEnv)); override != "" {
		name = override
	}
	return &appidentity.Identity{
		BinaryName:  name,
		ConfigName:  name,
		EnvPrefix:   EnvPrefix,
		Description: Description,
	}, nil
}
