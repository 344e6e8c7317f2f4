package proxy

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/migadu/poplogin/pkg/metrics"
)

// pumpClientToServer copies bytes read from the client to the backend
// until either side closes or errors. It runs for the life of a detached
// Proxy and is the only reader of clientReader/writer of server after
// Detach.
func (p *Proxy) pumpClientToServer(clientReader *bufio.Reader, server net.Conn) {
	p.copyLoop(clientReader, server, 32*1024, &p.bytesOut, "client_to_server", p.markClientRead, p.markServerWrite)
}

// pumpServerToClient copies bytes read from the backend to the client,
// reading at most ProxyMaxOutbuf bytes at a time and writing each read
// straight to the client connection. Bounding the read size means the
// backend can never be more than one ProxyMaxOutbuf chunk ahead of what
// the client has actually drained: a slow client blocks the write, which
// blocks the next backend read, applying backpressure instead of letting
// unsent bytes pile up in memory.
func (p *Proxy) pumpServerToClient(serverReader *bufio.Reader, client net.Conn) {
	p.copyLoop(serverReader, client, ProxyMaxOutbuf, &p.bytesIn, "server_to_client", p.markServerRead, p.markClientWrite)
}

func (p *Proxy) copyLoop(src *bufio.Reader, dst io.Writer, bufSize int, counter *uint64, direction string, onRead, onWrite func()) {
	buf := make([]byte, bufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			onRead()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				p.finishPump()
				return
			}
			onWrite()
			atomic.AddUint64(counter, uint64(n))
			metrics.PumpBytesTotal.WithLabelValues(direction).Add(float64(n))
		}
		if rerr != nil {
			p.finishPump()
			return
		}
	}
}

// finishPump ensures the pump's teardown runs exactly once even though
// both directions call it independently on EOF or error.
func (p *Proxy) finishPump() {
	select {
	case <-p.pumpDone:
		return
	default:
	}
	p.mu.Lock()
	select {
	case <-p.pumpDone:
		p.mu.Unlock()
		return
	default:
		close(p.pumpDone)
	}
	p.mu.Unlock()
	p.Close("Connection closed", true)
}

func (p *Proxy) markClientRead()  { p.stamp(&p.lastClientRead) }
func (p *Proxy) markClientWrite() { p.stamp(&p.lastClientWrite) }
func (p *Proxy) markServerRead()  { p.stamp(&p.lastServerRead) }
func (p *Proxy) markServerWrite() { p.stamp(&p.lastServerWrite) }

func (p *Proxy) stamp(field *time.Time) {
	p.ioMu.Lock()
	*field = time.Now()
	p.ioMu.Unlock()
}
