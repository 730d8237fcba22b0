package nlif

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mdlayher/netlink"
)

// netIfaceByName resolves an interface name to its kernel ifindex. The
// TUN driver assigns the index at TUNSETIFF time, and the standard
// library already knows how to resolve it, so there is no need to
// duplicate that lookup over netlink.
func netIfaceByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return iface.Index, nil
}

// ifinfomsg mirrors the kernel's struct ifinfomsg (16 bytes): family,
// pad, type, index, flags, change.
func encodeIfinfomsg(index int, flags, change uint32) []byte {
	b := make([]byte, 16)
	b[0] = 0 // ifi_family: AF_UNSPEC
	b[1] = 0 // pad
	binary.LittleEndian.PutUint16(b[2:4], 0)
	binary.LittleEndian.PutUint32(b[4:8], uint32(index))
	binary.LittleEndian.PutUint32(b[8:12], flags)
	binary.LittleEndian.PutUint32(b[12:16], change)
	return b
}

// setLinkFlags issues RTM_NEWLINK to modify the administrative flags
// of the interface at index idx, setting the bits in mask to the
// corresponding bits in flags and leaving all other flags untouched.
func (c *Conn) setLinkFlags(idx int, flags, mask uint32) error {
	msg := netlink.Message{
		Header: netlink.Header{
			Type:  rtmNewlink,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: encodeIfinfomsg(idx, flags, mask),
	}

	_, err := c.rt.Execute(msg)
	if err != nil {
		return fmt.Errorf("nlif: RTM_NEWLINK: %w", err)
	}
	return nil
}
