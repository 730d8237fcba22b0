//go:build linux

package daemon

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/katalix/uecupsd/internal/nlif"
)

const (
	tunClonePath = "/dev/net/tun"
	ifReqSize    = unix.IFNAMSIZ + 64
	netnsDir     = "/var/run/netns"
)

// UserspaceDataPlane is the default, production DataPlane: real UDP
// sockets and real /dev/net/tun devices, switching network namespace
// around TUN creation exactly as described in §4.3.
type UserspaceDataPlane struct {
	nlif *nlif.Conn
}

// NewUserspaceDataPlane constructs the default DataPlane. nl may be nil,
// in which case interface link-up and kernel-offload probing are
// skipped (useful for nullDataPlane-style experimentation without
// CAP_NET_ADMIN, mirroring the teacher's nil-dataplane toggle).
func NewUserspaceDataPlane(nl *nlif.Conn) *UserspaceDataPlane {
	return &UserspaceDataPlane{nlif: nl}
}

func (p *UserspaceDataPlane) OpenEndpoint(bind SockAddr) (EndpointIO, error) {
	conn, err := net.ListenUDP(udpNetwork(bind.Family), bind.UDPAddr())
	if err != nil {
		return nil, err
	}
	return &udpEndpointIO{conn: conn}, nil
}

func udpNetwork(f Family) string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

type udpEndpointIO struct {
	conn *net.UDPConn
}

func (e *udpEndpointIO) ReadFrom(buf []byte) (int, error) {
	n, _, err := e.conn.ReadFromUDP(buf)
	return n, err
}

func (e *udpEndpointIO) WriteTo(buf []byte, addr SockAddr) (int, error) {
	return e.conn.WriteToUDP(buf, addr.UDPAddr())
}

func (e *udpEndpointIO) Close() error { return e.conn.Close() }

// OpenTun implements the namespace-aware TUN creation protocol of
// §4.3: if a namespace is named, open its handle and switch the
// current OS thread into it (goroutine pinned via LockOSThread so the
// switch is visible only to this sequence of syscalls), open
// /dev/net/tun and configure a layer-3, no-packet-info interface with
// the requested name, then unconditionally restore the previous
// namespace before returning.
func (p *UserspaceDataPlane) OpenTun(name, netns string) (TunIO, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var nsFile *os.File
	if netns != "" {
		var err error
		nsFile, err = os.Open(netnsDir + "/" + netns)
		if err != nil {
			return nil, fmt.Errorf("open netns %q: %w", netns, err)
		}

		origFile, err := os.Open("/proc/thread-self/ns/net")
		if err != nil {
			nsFile.Close()
			return nil, fmt.Errorf("open current netns: %w", err)
		}
		defer origFile.Close()

		if err := unix.Setns(int(nsFile.Fd()), unix.CLONE_NEWNET); err != nil {
			nsFile.Close()
			return nil, fmt.Errorf("setns %q: %w", netns, err)
		}
		defer func() {
			// Unconditionally restore the previous namespace,
			// regardless of what happens below.
			_ = unix.Setns(int(origFile.Fd()), unix.CLONE_NEWNET)
		}()
	}

	tunFile, ifName, err := createTunDevice(name)
	if err != nil {
		if nsFile != nil {
			nsFile.Close()
		}
		return nil, err
	}

	if p.nlif != nil {
		if err := p.nlif.SetLinkUp(ifName); err != nil {
			tunFile.Close()
			if nsFile != nil {
				nsFile.Close()
			}
			return nil, fmt.Errorf("set link up: %w", err)
		}
	}

	nsFD := -1
	if nsFile != nil {
		nsFD = int(nsFile.Fd())
	}

	return &osTunIO{file: tunFile, nsFile: nsFile, nsFD: nsFD}, nil
}

// createTunDevice opens the TUN clone device and configures a
// layer-3, no-packet-info interface with the requested name. Grounded
// on the TUNSETIFF ioctl sequence used by WireGuard's Linux TUN driver.
func createTunDevice(name string) (*os.File, string, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, "", newErr("tun.create", KindInvalid, fmt.Errorf("interface name %q too long", name))
	}

	nfd, err := unix.Open(tunClonePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, "", newErr("tun.create", KindResource, fmt.Errorf("open %s: %w", tunClonePath, err))
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, "", newErr("tun.create", KindResource, err)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:], name)
	// IFF_TUN: no ethernet header. IFF_NO_PI: no 4-byte packet info
	// prefix, matching §6's "no per-packet metadata prefix".
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	littleEndianPutUint16(ifr[unix.IFNAMSIZ:], flags)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(nfd), uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		unix.Close(nfd)
		return nil, "", newErr("tun.create", KindResource, errno)
	}

	ifName := nameFromIfreq(ifr[:])
	return os.NewFile(uintptr(nfd), tunClonePath), ifName, nil
}

func littleEndianPutUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func nameFromIfreq(ifr []byte) string {
	n := 0
	for n < unix.IFNAMSIZ && ifr[n] != 0 {
		n++
	}
	return string(ifr[:n])
}

type osTunIO struct {
	file   *os.File
	nsFile *os.File
	nsFD   int
}

func (t *osTunIO) Read(buf []byte) (int, error)  { return t.file.Read(buf) }
func (t *osTunIO) Write(buf []byte) (int, error) { return t.file.Write(buf) }

func (t *osTunIO) Close() error {
	err := t.file.Close()
	if t.nsFile != nil {
		if e := t.nsFile.Close(); err == nil {
			err = e
		}
	}
	return err
}

func (t *osTunIO) NamespaceFD() int { return t.nsFD }
