package sasl

// plainMech implements the PLAIN mechanism: a single client-to-server
// token of authzid \0 authid \0 password, and no further exchange.
type plainMech struct {
	settings   Settings
	outputSent bool
}

func newPlainMech(s Settings) Mech {
	return &plainMech{settings: s}
}

func (m *plainMech) Input(serverToken []byte) Result {
	if !m.outputSent {
		if len(serverToken) > 0 {
			return protocolError("server sent non-empty initial response")
		}
		return ok()
	}
	return protocolError("server didn't finish authentication")
}

func (m *plainMech) Output() ([]byte, Result) {
	if m.settings.AuthID == "" {
		return nil, internalError("authid not set")
	}
	if m.settings.Password == "" {
		return nil, internalError("password not set")
	}

	// An empty authzid contributes no text, but the NUL separator after it
	// is still written, yielding "\0authid\0password".
	buf := make([]byte, 0, len(m.settings.AuthZID)+len(m.settings.AuthID)+len(m.settings.Password)+2)
	if m.settings.AuthZID != "" {
		buf = append(buf, m.settings.AuthZID...)
	}
	buf = append(buf, 0)
	buf = append(buf, m.settings.AuthID...)
	buf = append(buf, 0)
	buf = append(buf, m.settings.Password...)

	m.outputSent = true
	return buf, ok()
}
