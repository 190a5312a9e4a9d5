package ns

import (
	"fmt"
	"net"

	"github.com/oriys/gsmstack/internal/logging"
)

// DatagramSink receives one raw inbound datagram read off a transport
// socket. In production this closes over an *internal/dispatch.Queue's
// Push, handing the datagram to a single consumer goroutine shared with
// timer dispatch instead of calling NsInstance.Deliver on the read
// goroutine itself. ListenUDP/ListenFRGRE default to delivering directly
// when no sink is set via SetSink, which is adequate for tests that only
// exercise transport framing.
type DatagramSink func(peer string, raw []byte, t Transport)

// udpTransport implements Transport over the owning UdpEndpoint's shared,
// unconnected UDP socket, addressing every send to one fixed remote
// address, the way the original's libosmogb binds one NSVC to one remote
// sockaddr. A single UdpEndpoint reads from its local port and
// demultiplexes inbound datagrams by source address, handing each to the
// owning NsInstance.
type udpTransport struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func (t *udpTransport) Send(b []byte) error {
	_, err := t.conn.WriteToUDP(b, t.peer)
	return err
}

func (t *udpTransport) Close() error { return nil } // socket owned by UdpEndpoint

func (t *udpTransport) String() string { return "udp:" + t.peer.String() }

// UdpEndpoint owns the single local UDP socket an NsInstance listens on,
// per spec.md §4.3's "NS over UDP/IP" transport. One endpoint serves
// every Nsvc bound to a UDP peer; peers are distinguished by remote
// address, not by local port.
type UdpEndpoint struct {
	conn *net.UDPConn
	ni   *NsInstance
	sink DatagramSink
	done chan struct{}
}

// ListenUDP opens a UDP socket on addr (e.g. ":23000") and returns an
// endpoint ready to have Transport() called for configured peers and
// Serve() called to start delivering datagrams. Datagrams are delivered to
// ni.Deliver directly on the read goroutine until SetSink installs a
// dispatch queue.
func ListenUDP(addr string, ni *NsInstance) (*UdpEndpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ns: resolve udp listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("ns: listen udp: %w", err)
	}
	e := &UdpEndpoint{conn: conn, ni: ni, done: make(chan struct{})}
	e.sink = ni.Deliver
	return e, nil
}

// SetSink overrides how Serve hands off inbound datagrams, e.g. to a
// dispatch.Queue's Push so decoding and FSM dispatch happen on the
// daemon's single core goroutine instead of this read goroutine.
func (e *UdpEndpoint) SetSink(sink DatagramSink) { e.sink = sink }

// Transport returns (creating if necessary) the Transport for sending to
// peerAddr (e.g. "203.0.113.5:23000"), to be passed to NsInstance.AddNsvc.
func (e *UdpEndpoint) Transport(peerAddr string) (Transport, string, error) {
	raddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, "", fmt.Errorf("ns: resolve udp peer addr: %w", err)
	}
	return &udpTransport{conn: e.conn, peer: raddr}, "udp:" + raddr.String(), nil
}

// Serve reads datagrams until Close is called, handing each to e.sink. It
// is meant to run in its own goroutine purely to block on the socket read;
// the NS and BSSGP logic sink ultimately calls into remains single
// threaded per spec.md §5, since the installed sink (a dispatch.Queue's
// Push, in production) only ever hands raw bytes to the daemon's one core
// goroutine — see cmd/gsmstackd.
func (e *UdpEndpoint) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, raddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
				return nil
			default:
			}
			logging.Op().Warn("ns: udp read failed", "err", err)
			return err
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		t := &udpTransport{conn: e.conn, peer: raddr}
		e.sink("udp:"+raddr.String(), raw, t)
	}
}

// Close stops Serve and releases the socket.
func (e *UdpEndpoint) Close() error {
	close(e.done)
	return e.conn.Close()
}
