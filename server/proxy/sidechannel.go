package proxy

import (
	"bufio"
	"io"
	"strings"
)

// sideChannelMarker prefixes an admin command multiplexed onto the same
// connection as client data, mirroring the original implementation's
// channel-0/channel-1 split without a second socket. A marker line can
// only appear at a line boundary; anything else passes through
// unmodified.
const sideChannelMarker = "\x00SIDECH "

// sideChannelReader decorates a connection's reader, intercepting
// marker-prefixed lines and routing them to a callback instead of the
// byte pump. Detach wraps the client-side reader with it; StartTLS only
// changes the backend connection, so the two do not interact.
type sideChannelReader struct {
	src     *bufio.Reader
	onCmd   func(args []string) (destroy bool)
	onClose func()
}

func newSideChannelReader(src io.Reader, onCmd func(args []string) (destroy bool), onClose func()) *sideChannelReader {
	return &sideChannelReader{src: bufio.NewReader(src), onCmd: onCmd, onClose: onClose}
}

// Read implements io.Reader, swallowing any marker lines it encounters
// and returning only ordinary data to the caller. After consuming a
// marker line it keeps reading until ordinary data or an error arrives;
// a read error while consuming a marker line is returned as (0, err).
func (s *sideChannelReader) Read(p []byte) (int, error) {
	for {
		peek, err := s.src.Peek(len(sideChannelMarker))
		if err == nil && string(peek) == sideChannelMarker {
			line, rerr := s.src.ReadString('\n')
			s.dispatch(line)
			if rerr != nil {
				return 0, rerr
			}
			continue
		}
		return s.src.Read(p)
	}
}

func (s *sideChannelReader) dispatch(line string) {
	line = strings.TrimPrefix(line, sideChannelMarker)
	line = strings.TrimRight(line, "\r\n")
	args := strings.Fields(line)
	if s.onCmd == nil || len(args) == 0 {
		return
	}
	if s.onCmd(args) && s.onClose != nil {
		s.onClose()
	}
}
