package daemon

import (
	"net"
	"os"
	"sync"
)

// fakeDataPlane is an in-memory DataPlane used to exercise the
// registry and forwarding logic without root privileges or real
// sockets/TUN devices, exactly the role the teacher's nullDataPlane
// plays for the L2TP control protocol.
type fakeDataPlane struct {
	mu   sync.Mutex
	eps  map[string]*fakeEndpointIO
	tuns map[string]*fakeTunIO
}

func newFakeDataPlane() *fakeDataPlane {
	return &fakeDataPlane{
		eps:  make(map[string]*fakeEndpointIO),
		tuns: make(map[string]*fakeTunIO),
	}
}

func (f *fakeDataPlane) OpenEndpoint(bind SockAddr) (EndpointIO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	io := newFakeEndpointIO()
	f.eps[bind.key()] = io
	return io, nil
}

func (f *fakeDataPlane) OpenTun(name, netns string) (TunIO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	io := newFakeTunIO()
	f.tuns[tunKey(netns, name)] = io
	return io, nil
}

func (f *fakeDataPlane) endpoint(addr SockAddr) *fakeEndpointIO {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eps[addr.key()]
}

func (f *fakeDataPlane) tun(netns, name string) *fakeTunIO {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tuns[tunKey(netns, name)]
}

type sentDatagram struct {
	data []byte
	addr SockAddr
}

// fakeEndpointIO lets a test inject inbound UDP datagrams (the decap
// direction) and observe outbound ones (the encap direction).
type fakeEndpointIO struct {
	in     chan []byte
	out    chan sentDatagram
	closed chan struct{}
	once   sync.Once
}

func newFakeEndpointIO() *fakeEndpointIO {
	return &fakeEndpointIO{
		in:     make(chan []byte, 8),
		out:    make(chan sentDatagram, 8),
		closed: make(chan struct{}),
	}
}

func (f *fakeEndpointIO) inject(datagram []byte) { f.in <- datagram }

func (f *fakeEndpointIO) ReadFrom(buf []byte) (int, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, net.ErrClosed
		}
		return copy(buf, data), nil
	case <-f.closed:
		return 0, net.ErrClosed
	}
}

func (f *fakeEndpointIO) WriteTo(buf []byte, addr SockAddr) (int, error) {
	cp := append([]byte(nil), buf...)
	select {
	case f.out <- sentDatagram{data: cp, addr: addr}:
		return len(buf), nil
	case <-f.closed:
		return 0, net.ErrClosed
	}
}

func (f *fakeEndpointIO) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeTunIO lets a test inject inbound IP packets (the encap
// direction) and observe outbound ones (the decap direction).
type fakeTunIO struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTunIO() *fakeTunIO {
	return &fakeTunIO{
		in:     make(chan []byte, 8),
		out:    make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (f *fakeTunIO) inject(pkt []byte) { f.in <- pkt }

func (f *fakeTunIO) Read(buf []byte) (int, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, os.ErrClosed
		}
		return copy(buf, data), nil
	case <-f.closed:
		return 0, os.ErrClosed
	}
}

func (f *fakeTunIO) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	select {
	case f.out <- cp:
		return len(buf), nil
	case <-f.closed:
		return 0, os.ErrClosed
	}
}

func (f *fakeTunIO) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTunIO) NamespaceFD() int { return -1 }

// ipv4Packet builds a minimal (header-only) IPv4 datagram with the
// given destination address, sufficient for gtpu.DestAddr to parse.
func ipv4Packet(dst net.IP) []byte {
	b := make([]byte, 20)
	b[0] = 0x45 // version 4, IHL 5
	b[8] = 64   // TTL
	copy(b[16:20], dst.To4())
	return b
}
