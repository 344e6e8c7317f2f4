package sasl

// loginState follows the source's three-step INIT -> USER -> PASS dialog.
type loginState int

const (
	loginStateInit loginState = iota
	loginStateUser
	loginStatePass
)

// loginMech implements the LOGIN mechanism.
type loginMech struct {
	settings Settings
	state    loginState
}

func newLoginMech(s Settings) Mech {
	return &loginMech{settings: s}
}

func (m *loginMech) Input(serverToken []byte) Result {
	if m.state == loginStatePass {
		return protocolError("server didn't finish authentication")
	}
	// The source advances state unconditionally, even for the very
	// first server prompt before any Output call — preserved verbatim
	// as a documented quirk rather than "fixed".
	m.state++
	return ok()
}

func (m *loginMech) Output() ([]byte, Result) {
	if m.settings.AuthID == "" {
		return nil, internalError("authid not set")
	}
	if m.settings.Password == "" {
		return nil, internalError("password not set")
	}

	switch m.state {
	case loginStateInit:
		return []byte{}, ok()
	case loginStateUser:
		return []byte(m.settings.AuthID), ok()
	case loginStatePass:
		return []byte(m.settings.Password), ok()
	default:
		return nil, protocolError("server didn't finish authentication")
	}
}
