package nostr

import (
	"time"

	"github.com/nostrcore/relaypool/gossip"
)

// ConnectionModeKind selects how the Transport dials a relay (§4.1, §9).
type ConnectionModeKind int

const (
	ModeDirect ConnectionModeKind = iota
	ModeSocks5
	ModeEmbeddedTor
	ModeCustom
)

// ConnectionMode configures how a Relay's Transport is dialed.
type ConnectionMode struct {
	Kind        ConnectionModeKind
	Socks5Addr  string // used when Kind == ModeSocks5
	TorDataDir  string // optional, used when Kind == ModeEmbeddedTor
	CustomDial  TransportDialer // used when Kind == ModeCustom
}

// RelayOptions configures one Relay entry (§6.3).
type RelayOptions struct {
	Capabilities         Capabilities  `env:"-"`
	RetryBaseInterval    time.Duration `env:"RETRY_BASE_INTERVAL" envDefault:"10s"`
	MaxRetryInterval     time.Duration `env:"MAX_RETRY_INTERVAL" envDefault:"10m"`
	PingInterval         time.Duration `env:"PING_INTERVAL" envDefault:"55s"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	PublishTimeout       time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"10s"`
	MaxMessageSize       int64         `env:"MAX_MESSAGE_SIZE" envDefault:"5242880"`
	ConnectionMode       ConnectionMode
	ReconnectOnDisconnect bool         `env:"RECONNECT_ON_DISCONNECT" envDefault:"true"`
	AutoCloseDefault     *ExitPolicy
	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	SleepWhenIdle        bool          `env:"SLEEP_WHEN_IDLE" envDefault:"false"`
	VerifySubscriptions  bool          `env:"VERIFY_SUBSCRIPTIONS" envDefault:"false"`
	BanOnMismatch        bool          `env:"BAN_ON_MISMATCH" envDefault:"false"`
	BanThreshold         int           `env:"BAN_THRESHOLD" envDefault:"3"`
	OutgoingQueueCapacity int          `env:"OUTGOING_QUEUE_CAPACITY" envDefault:"256"`
	VerificationCacheSize int          `env:"VERIFICATION_CACHE_SIZE" envDefault:"4096"`
	Signer               Signer
	Verifier             Verifier
	AllowDisconnectReconnect bool      `env:"ALLOW_DISCONNECT_RECONNECT" envDefault:"true"`
}

// DefaultRelayOptions returns the §6.3 defaults.
func DefaultRelayOptions() RelayOptions {
	return RelayOptions{
		Capabilities:             DefaultCapabilities,
		RetryBaseInterval:        10 * time.Second,
		MaxRetryInterval:         10 * time.Minute,
		PingInterval:             55 * time.Second,
		WriteTimeout:             60 * time.Second,
		PublishTimeout:           10 * time.Second,
		MaxMessageSize:           5 * 1024 * 1024,
		ReconnectOnDisconnect:    true,
		IdleTimeout:              5 * time.Minute,
		OutgoingQueueCapacity:    256,
		VerificationCacheSize:    4096,
		BanThreshold:             3,
		AllowDisconnectReconnect: true,
		Verifier:                SchnorrVerifier{},
	}
}

// GossipOptions configures the Gossip Router (§6.3).
type GossipOptions struct {
	Enabled              bool `env:"GOSSIP_ENABLED" envDefault:"false"`
	MaxRelaysPerMarker   int  `env:"GOSSIP_MAX_RELAYS_PER_MARKER" envDefault:"3"`
}

// AdmissionDecision is returned by an AdmissionPolicy hook (§4.3).
type AdmissionDecision struct {
	Accept bool
	Reason string
}

// AdmissionPolicy gates connections and inbound events before they reach
// the caller (§4.3).
type AdmissionPolicy interface {
	BeforeConnect(url RelayURL) AdmissionDecision
	BeforeForward(url RelayURL, subID string, e *Event) AdmissionDecision
}

// PoolOptions configures a RelayPool (§6.3).
type PoolOptions struct {
	MaxRelays                  int           `env:"MAX_RELAYS" envDefault:"0"`
	NotificationChannelCapacity int          `env:"NOTIFICATION_CHANNEL_CAPACITY" envDefault:"1024"`
	AutoAuthenticate           bool          `env:"AUTO_AUTHENTICATE" envDefault:"true"`
	VerifySubscriptions        bool          `env:"VERIFY_SUBSCRIPTIONS" envDefault:"false"`
	BanOnMismatch              bool          `env:"BAN_ON_MISMATCH" envDefault:"false"`
	SleepWhenIdle              bool          `env:"SLEEP_WHEN_IDLE" envDefault:"false"`
	IdleTimeout                time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	Gossip                     GossipOptions
	GossipStore                gossip.Store
	Admission                  AdmissionPolicy
	Signer                     Signer
	Database                   Database
	ConnectChunkSize           int `env:"CONNECT_CHUNK_SIZE" envDefault:"20"`
}

// DefaultPoolOptions returns the §6.3 defaults.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		NotificationChannelCapacity: 1024,
		AutoAuthenticate:            true,
		IdleTimeout:                 5 * time.Minute,
		ConnectChunkSize:            20,
		Gossip:                      GossipOptions{MaxRelaysPerMarker: 3},
	}
}

// ExitPolicyKind enumerates the auto_close conditions of §4.2.4.
type ExitPolicyKind int

const (
	ExitOnEOSE ExitPolicyKind = iota
	ExitOnMinEvents
	ExitOnIdleTimeout
	ExitOnDeadline
)

// ExitPolicy is one auto_close condition. Subscription.satisfiesExit
// reports whether any configured policy is satisfied; Relay.Subscribe does
// not close a live subscription when one is.
type ExitPolicy struct {
	Kind       ExitPolicyKind
	MinEvents  int           // ExitOnMinEvents
	IdleFor    time.Duration // ExitOnIdleTimeout
	Deadline   time.Time     // ExitOnDeadline
}

// SubscribeOptions configures one subscribe/stream_events/fetch_events
// call (§4.2.4).
type SubscribeOptions struct {
	ID          string // caller-supplied; empty means auto-allocate
	AutoClose   []ExitPolicy
	Label       string
}
