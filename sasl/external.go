package sasl

// externalMech implements the EXTERNAL mechanism: the client-supplied
// TLS certificate does the authenticating, so the single client token is
// just an identity hint.
type externalMech struct {
	settings   Settings
	outputSent bool
}

func newExternalMech(s Settings) Mech {
	return &externalMech{settings: s}
}

func (m *externalMech) Input(serverToken []byte) Result {
	if !m.outputSent {
		if len(serverToken) > 0 {
			return protocolError("server sent non-empty initial response")
		}
		return ok()
	}
	return protocolError("server didn't finish authentication")
}

func (m *externalMech) Output() ([]byte, Result) {
	username := m.settings.AuthZID
	if username == "" {
		username = m.settings.AuthID
	}
	m.outputSent = true
	return []byte(username), ok()
}
