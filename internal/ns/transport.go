package ns

// Transport abstracts the link an Nsvc sends/receives raw NS PDUs over.
// gsmstack ships two implementations: udpTransport (§4.3's "NS over
// UDP/IP") and frgreTransport (§4.3's "NS over FR/GRE").
type Transport interface {
	// Send transmits a raw, already-encoded NS PDU.
	Send(b []byte) error
	// Close releases any transport-level resources (sockets).
	Close() error
	// String identifies the transport for logging, e.g. "udp:1.2.3.4:23000".
	String() string
}

// Receiver is implemented by NsInstance; transports call Deliver for every
// datagram they read, tagged with the peer address string they read it
// from (used to resolve or auto-create the owning Nsvc).
type Receiver interface {
	Deliver(peer string, raw []byte, t Transport)
}
