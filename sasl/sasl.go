// Package sasl implements the client side of a small set of SASL
// mechanisms used to authenticate a login-proxy's own connection to a
// backend server: PLAIN, LOGIN, and EXTERNAL. It mirrors the shape of
// Dovecot's dsasl-client library rather than a full SASL implementation:
// only what a login-proxy needs to complete a backend handshake.
package sasl

import "fmt"

// Flag marks a mechanism-level property.
type Flag int

const (
	// FlagNone marks a mechanism with no special properties.
	FlagNone Flag = 0
	// FlagNoPassword marks a mechanism that authenticates without a
	// password (EXTERNAL).
	FlagNoPassword Flag = 1 << 0
)

// Settings carries the identity used to authenticate. Authid is required
// for PLAIN and LOGIN. Password is required for any mechanism that isn't
// flagged NoPassword.
type Settings struct {
	AuthID   string
	AuthZID  string
	Password string
}

// ResultKind is the outcome tag of a Result.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultAuthFailed
	ResultProtocolError
	ResultInternalError
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "OK"
	case ResultAuthFailed:
		return "AUTH_FAILED"
	case ResultProtocolError:
		return "ERR_PROTOCOL"
	case ResultInternalError:
		return "ERR_INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Result is the sum type every mechanism operation returns: either OK, or
// one of three failure kinds carrying a message. There is no sentinel nil
// error to check separately from the kind.
type Result struct {
	Kind    ResultKind
	Message string
}

func (r Result) Error() string {
	if r.Kind == ResultOK {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// OK reports whether the result carries no failure.
func (r Result) OK() bool { return r.Kind == ResultOK }

func ok() Result                        { return Result{Kind: ResultOK} }
func authFailed(msg string) Result      { return Result{Kind: ResultAuthFailed, Message: msg} }
func protocolError(msg string) Result   { return Result{Kind: ResultProtocolError, Message: msg} }
func internalError(msg string) Result   { return Result{Kind: ResultInternalError, Message: msg} }

// Mech is a client-side SASL mechanism state machine. A Mech is created
// fresh for each authentication attempt via a Mechanism's NewState.
type Mech interface {
	// Input consumes the latest server-to-client token. An empty slice
	// represents an empty (but present) server token, not "no token".
	Input(serverToken []byte) Result
	// Output produces the next client-to-server token. The returned
	// bytes are only meaningful when the Result is OK.
	Output() ([]byte, Result)
}

// Mechanism describes a named SASL mechanism and constructs fresh Mech
// state for it.
type Mechanism struct {
	Name     string
	Flags    Flag
	NewState func(Settings) Mech
}

// HasFlag reports whether the mechanism carries the given flag.
func (m Mechanism) HasFlag(f Flag) bool { return m.Flags&f != 0 }

var registry = map[string]Mechanism{}

func register(m Mechanism) {
	registry[normalizeName(m.Name)] = m
}

func normalizeName(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}

// Lookup finds a mechanism by name, case-insensitively. The second return
// value is false when the name is not registered.
func Lookup(name string) (Mechanism, bool) {
	m, ok := registry[normalizeName(name)]
	return m, ok
}

func init() {
	register(Mechanism{Name: "PLAIN", NewState: newPlainMech})
	register(Mechanism{Name: "LOGIN", NewState: newLoginMech})
	register(Mechanism{Name: "EXTERNAL", Flags: FlagNoPassword, NewState: newExternalMech})
}
