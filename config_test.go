package nostr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayOptionsFromEnvOverlaysBase(t *testing.T) {
	t.Setenv("RETRY_BASE_INTERVAL", "3s")
	t.Setenv("BAN_ON_MISMATCH", "true")

	opts, err := LoadRelayOptionsFromEnv(DefaultRelayOptions())
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, opts.RetryBaseInterval)
	assert.True(t, opts.BanOnMismatch)
	// untouched fields keep the base's values.
	assert.Equal(t, DefaultRelayOptions().Verifier, opts.Verifier)
}

func TestLoadPoolOptionsFromEnvOverlaysBase(t *testing.T) {
	t.Setenv("MAX_RELAYS", "50")
	t.Setenv("GOSSIP_ENABLED", "true")

	opts, err := LoadPoolOptionsFromEnv(DefaultPoolOptions())
	require.NoError(t, err)
	assert.Equal(t, 50, opts.MaxRelays)
	assert.True(t, opts.Gossip.Enabled)
}

func TestLoadRelayOptionsFromEnvRejectsBadValue(t *testing.T) {
	t.Setenv("RETRY_BASE_INTERVAL", "not-a-duration")
	_, err := LoadRelayOptionsFromEnv(DefaultRelayOptions())
	assert.Error(t, err)
}
