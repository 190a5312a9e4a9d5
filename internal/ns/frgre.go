package ns

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/metrics"
)

// GRE protocol type for Frame Relay encapsulation, per RFC 1490 / the
// original's GRE_PTYPE_FR.
const greProtoFR = 0x6559

const ipProtoGRE = 47

// greHeader is the two-field GRE header gsmstack emits: flags (always 0,
// no checksum/key/sequence bits) and protocol type.
type greHeader struct {
	flags uint16
	ptype uint16
}

func (h greHeader) encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], h.flags)
	binary.BigEndian.PutUint16(b[2:4], h.ptype)
	return b
}

// frgreTransport implements Transport over NS-over-FR-over-GRE, per
// spec.md §4.3 and §6's wire format: `frh[0] = (dlci>>2)&0xfc;
// frh[1] = (dlci&0xf0)|0x01`. That bit-packing is reproduced exactly
// (including its loss of the DLCI's low nibble) since it exists for wire
// compatibility with real FR/GRE peers, not to be "corrected". Two
// defects named in spec.md §9 are fixed rather than reproduced (per
// SPEC_FULL.md §12):
//   - the FR header push here writes exactly 2 bytes, not the size of a
//     pointer (the original's `msgb_push(msg, sizeof(frh))` pushes 8
//     bytes on a 64-bit host, corrupting every frame it sends);
//   - the DLCI mask on receive is applied before the shift
//     (`(frh[0] & 0xfc) << 2`), not after (the original's
//     `frh[0] & 0xfc << 2` lets C operator precedence shift the mask
//     constant first, then ANDs it against an 8-bit value, silently
//     discarding bits the encode side actually set).
type frgreTransport struct {
	sock *greSocket
	dlci uint16
	dst  [4]byte
}

func (t *frgreTransport) Send(b []byte) error {
	return t.sock.sendFR(t.dst, t.dlci, b)
}

func (t *frgreTransport) Close() error { return nil } // socket owned by greSocket

func (t *frgreTransport) String() string { return fmt.Sprintf("frgre:dlci=%d", t.dlci) }

// greSocket owns the single raw IPPROTO_GRE socket an NsInstance's FR/GRE
// endpoint listens and sends on, mirroring the original's one-fd-per-
// nsi.frgre design.
type greSocket struct {
	fd   int
	ni   *NsInstance
	sink DatagramSink
	mu   sync.Mutex
	done chan struct{}
}

// SetSink overrides how Serve hands off inbound frames, e.g. to a
// dispatch.Queue's Push so decoding and FSM dispatch happen on the
// daemon's single core goroutine instead of this read goroutine.
func (s *greSocket) SetSink(sink DatagramSink) { s.sink = sink }

// ListenFRGRE opens a raw GRE socket bound to localIP, grounded on
// golang.org/x/sys/unix the way the teacher's byte-level socket code
// (internal stack built around mdlayher/vsock's raw-socket idiom) wires
// up AF_INET/SOCK_RAW endpoints rather than hand-rolling syscalls without
// a library.
func ListenFRGRE(localIP string, ni *NsInstance) (*greSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, ipProtoGRE)
	if err != nil {
		return nil, fmt.Errorf("ns: open gre socket: %w", err)
	}
	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ns: invalid local IP %q", localIP)
	}
	var addr unix.SockaddrInet4
	copy(addr.Addr[:], ip)
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ns: bind gre socket: %w", err)
	}
	s := &greSocket{fd: fd, ni: ni, done: make(chan struct{})}
	s.sink = ni.Deliver
	return s, nil
}

// Transport returns the Transport for sending FR/GRE frames tagged with
// the given DLCI to dstIP, to be passed to NsInstance.AddNsvc. peerKey
// identifies the DLCI for Deliver's peer-address routing.
func (s *greSocket) Transport(dstIP string, dlci uint16) (Transport, string, error) {
	ip := net.ParseIP(dstIP).To4()
	if ip == nil {
		return nil, "", fmt.Errorf("ns: invalid peer IP %q", dstIP)
	}
	var dst [4]byte
	copy(dst[:], ip)
	return &frgreTransport{sock: s, dlci: dlci, dst: dst}, fmt.Sprintf("frgre:%d", dlci), nil
}

// sendFR builds the two-byte FR header and four-byte GRE header ahead of
// the payload and writes the resulting frame in one sendto, the fixed
// equivalent of gprs_ns_frgre_sendmsg.
func (s *greSocket) sendFR(dst [4]byte, dlci uint16, payload []byte) error {
	frh := [2]byte{
		byte((dlci >> 2) & 0xfc),
		byte(dlci&0xf0) | 0x01,
	}
	greh := greHeader{flags: 0, ptype: greProtoFR}.encode()

	frame := make([]byte, 0, len(greh)+len(frh)+len(payload))
	frame = append(frame, greh...)
	frame = append(frame, frh[:]...)
	frame = append(frame, payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	addr := &unix.SockaddrInet4{Addr: dst}
	return unix.Sendto(s.fd, frame, 0, addr)
}

// parseFRGRE decodes one received raw-IP-payload frame (GRE header + FR
// header + NS PDU) and returns the embedded DLCI and NS payload. The DLCI
// decode applies the original's intended semantics with correct operator
// precedence (see the frgreTransport doc comment).
func parseFRGRE(buf []byte) (dlci uint16, nsPDU []byte, err error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("ns: short GRE header: %d bytes", len(buf))
	}
	if flags := binary.BigEndian.Uint16(buf[0:2]); flags != 0 {
		return 0, nil, fmt.Errorf("ns: nonzero GRE flags 0x%04x", flags)
	}
	ptype := binary.BigEndian.Uint16(buf[2:4])
	if ptype != greProtoFR {
		return 0, nil, fmt.Errorf("ns: unknown GRE protocol 0x%04x", ptype)
	}
	rest := buf[4:]
	if len(rest) < 2 {
		return 0, nil, fmt.Errorf("ns: short FR header: %d bytes", len(rest))
	}
	if rest[0]&0x01 != 0 {
		return 0, nil, fmt.Errorf("ns: unsupported single-byte FR address")
	}
	if rest[1]&0x0f != 0x01 {
		return 0, nil, fmt.Errorf("ns: unknown second FR octet 0x%02x", rest[1])
	}
	d := uint16(rest[0]&0xfc) << 2
	d |= uint16(rest[1] >> 4)
	return d, rest[2:], nil
}

// Serve reads raw GRE-encapsulated frames until Close is called, handing
// each decoded NS PDU to s.sink, keyed by DLCI. See UdpEndpoint.Serve's
// doc comment for why this read goroutine does not itself touch FSM state.
func (s *greSocket) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			logging.Op().Warn("ns: gre read failed", "err", err)
			return err
		}
		dlci, pdu, perr := parseFRGRE(buf[:n])
		if perr != nil {
			logging.Op().Warn("ns: malformed FR/GRE frame", "err", perr)
			metrics.Global().RecordMalformedPDU()
			metrics.RecordPrometheusMalformedPDU()
			continue
		}
		sin4, _ := from.(*unix.SockaddrInet4)
		var dstIP [4]byte
		if sin4 != nil {
			dstIP = sin4.Addr
		}
		raw := make([]byte, len(pdu))
		copy(raw, pdu)
		t := &frgreTransport{sock: s, dlci: dlci, dst: dstIP}
		s.sink(fmt.Sprintf("frgre:%d", dlci), raw, t)
	}
}

// Close stops Serve and releases the raw socket.
func (s *greSocket) Close() error {
	close(s.done)
	return unix.Close(s.fd)
}
