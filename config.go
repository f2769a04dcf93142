package nostr

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// LoadRelayOptionsFromEnv parses process environment variables into a
// copy of base, using the `env`/`envDefault` struct tags declared on
// RelayOptions (§6.3). A tagged field whose variable is unset takes its
// envDefault value when it has one, replacing base's value. Fields with no
// env tag (Signer, Verifier, ConnectionMode, Capabilities) are left
// untouched.
func LoadRelayOptionsFromEnv(base RelayOptions) (RelayOptions, error) {
	opts := base
	if err := env.Parse(&opts); err != nil {
		return base, fmt.Errorf("nostr: parsing relay options from env: %w", err)
	}
	return opts, nil
}

// LoadPoolOptionsFromEnv parses process environment variables into a
// copy of base the same way (§6.3).
func LoadPoolOptionsFromEnv(base PoolOptions) (PoolOptions, error) {
	opts := base
	if err := env.Parse(&opts); err != nil {
		return base, fmt.Errorf("nostr: parsing pool options from env: %w", err)
	}
	return opts, nil
}
