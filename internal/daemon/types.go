package daemon

import (
	"fmt"
	"net"
)

// Family tags a SockAddr as IPv4 or IPv6, matching the addr_type field
// of the control protocol (§6 of the specification).
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "IPV6"
	}
	return "IPV4"
}

// SockAddr is a family-tagged address plus a 16-bit port. Port is
// zero-valued for user addresses, which carry no port in the control
// protocol.
type SockAddr struct {
	Family Family
	IP     net.IP
	Port   uint16
}

// key returns a value suitable for use as a map key uniquely
// identifying this address (family disambiguates IPv4-mapped vs plain
// byte sequences).
func (s SockAddr) key() string {
	return fmt.Sprintf("%s:%s:%d", s.Family, s.IP.String(), s.Port)
}

func (s SockAddr) String() string {
	return fmt.Sprintf("%s:%d", s.IP.String(), s.Port)
}

// UDPAddr converts a SockAddr to the net package's address type for use
// with net.ListenUDP / WriteTo.
func (s SockAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: s.IP, Port: int(s.Port)}
}

// tunKey uniquely identifies a TUN device within the daemon: the pair
// (namespace, name) per §3.
func tunKey(netns, name string) string {
	return netns + "/" + name
}
