package daemon

// DataPlane is the factory for the OS resources an endpoint or TUN
// device needs. It plays the same role as the teacher's l2tp.DataPlane
// interface: the registry and forwarding logic are written against
// this interface rather than against raw sockets directly, so they can
// be exercised in tests without root privileges or real network
// namespaces, and so a kernel-offload implementation could be
// substituted later without touching the registry.
type DataPlane interface {
	// OpenEndpoint binds a UDP socket at the given address.
	OpenEndpoint(bind SockAddr) (EndpointIO, error)

	// OpenTun creates (or attaches to) a layer-3 TUN interface with the
	// given name, inside the given network namespace (empty string
	// means the default namespace).
	OpenTun(name, netns string) (TunIO, error)
}

// EndpointIO is the I/O surface of a bound UDP socket.
type EndpointIO interface {
	// ReadFrom reads one datagram into buf, returning the number of
	// bytes read.
	ReadFrom(buf []byte) (n int, err error)
	// WriteTo sends buf as a single datagram to addr.
	WriteTo(buf []byte, addr SockAddr) (n int, err error)
	Close() error
}

// TunIO is the I/O surface of a TUN character device.
type TunIO interface {
	Read(buf []byte) (n int, err error)
	Write(buf []byte) (n int, err error)
	Close() error
	// NamespaceFD returns a file descriptor for the network namespace
	// the device lives in, or -1 if it lives in the default namespace.
	// Used by the subprocess launcher (§4.5) to re-enter the namespace.
	NamespaceFD() int
}
