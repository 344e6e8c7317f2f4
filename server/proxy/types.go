package proxy

import "fmt"

// FailureType classifies why a pre-login attempt did not reach detach. The
// surrounding protocol layer maps each kind to a client-visible reply and
// a retry decision (see the error handling table this proxy implements).
type FailureType int

const (
	FailureConnect FailureType = iota
	FailureInternal
	FailureInternalConfig
	FailureRemote
	FailureRemoteConfig
	FailureProtocol
	FailureAuthReplied
	FailureAuthNotReplied
	FailureAuthTempfail
	FailureAuthRedirect
)

func (f FailureType) String() string {
	switch f {
	case FailureConnect:
		return "connect"
	case FailureInternal:
		return "internal"
	case FailureInternalConfig:
		return "internal_config"
	case FailureRemote:
		return "remote"
	case FailureRemoteConfig:
		return "remote_config"
	case FailureProtocol:
		return "protocol"
	case FailureAuthReplied:
		return "auth_replied"
	case FailureAuthNotReplied:
		return "auth_not_replied"
	case FailureAuthTempfail:
		return "auth_tempfail"
	case FailureAuthRedirect:
		return "auth_redirect"
	default:
		return "unknown"
	}
}

// Retryable reports whether this failure kind is eligible for a
// reconnect attempt, independent of whether the retry budget allows one.
func (f FailureType) Retryable() bool {
	switch f {
	case FailureConnect, FailureRemote, FailureProtocol, FailureAuthTempfail:
		return true
	default:
		return false
	}
}

// DestinationKey identifies a backend by resolved address.
type DestinationKey struct {
	IP   string
	Port int
}

func (k DestinationKey) String() string {
	return fmt.Sprintf("%s:%d", k.IP, k.Port)
}

// RedirectEntry records one hop of the redirect chain a session has
// visited, and how many times it has visited it.
type RedirectEntry struct {
	IP    string
	Port  int
	Count int
}

// RedirectLoopMin is the visit count at which a repeated destination is
// treated as a definite loop rather than a coincidental revisit.
const RedirectLoopMin = 2

// KV is an ordered name/value pair, used for XCLIENT FORWARD fields where
// the original passdb iteration order must be preserved.
type KV struct {
	Name  string
	Value string
}

// Controller is the interface a protocol Driver uses to react to each
// backend line during pre-login: write to the backend, request a TLS
// upgrade, detach to the Pump, fail the session, or follow a redirect.
type Controller interface {
	// WriteServer sends a line (including any line terminator the
	// caller wants) to the backend.
	WriteServer(line []byte) error
	// WriteClient sends a line straight to the already-connected client,
	// used only for the final reply that closes out pre-login (or a
	// failure reply the driver composes itself).
	WriteClient(line []byte) error
	// StartTLS upgrades the backend connection to TLS in place.
	StartTLS() error
	// Detach completes the pre-login phase and hands the connection to
	// the bidirectional Pump. After Detach returns without error the
	// Controller must not be used again by the driver.
	Detach() error
	// Fail reports a terminal or retryable failure for this attempt.
	Fail(kind FailureType, reason string)
	// RedirectTo follows a REFERRAL to a new destination.
	RedirectTo(host, ip string, port int)

	ProxyTTL() int
	LocalName() string
	Untrusted() bool
	SessionID() string
	ClientAddr() (ip string, port int)
	Username() string
	MasterUser() string
	Password() string
	ForwardFields() []KV
	SASLMechanismName() string
	RequireStartTLS() bool
	TLSActive() bool
}

// ServerLineFunc is invoked once per line read from the backend during
// pre-login.
type ServerLineFunc func(ctrl Controller, line []byte)

// SideChannelFunc handles one side-channel command; returning true tells
// the engine to tear the proxy down.
type SideChannelFunc func(args []string) (destroy bool)

// FailureFunc is invoked when a Proxy fails, successfully or not.
type FailureFunc func(kind FailureType, reason string, reconnecting bool)

// RedirectFunc observes redirect events for logging.
type RedirectFunc func(event, reason string)

// ResetFunc rewinds a protocol Driver's state so it can process a fresh
// backend banner after a reconnect or redirect.
type ResetFunc func()

// Callbacks plugs a protocol Driver and its observers into a Proxy.
type Callbacks struct {
	OnServerLine  ServerLineFunc
	OnSideChannel SideChannelFunc
	OnFailure     FailureFunc
	OnRedirect    RedirectFunc
	// OnReset, if set, is invoked at the start of every connectOnce
	// (including reconnects and post-redirect attempts) before any bytes
	// from the new backend are read.
	OnReset ResetFunc
}
