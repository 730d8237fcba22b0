// Package nlif drives the two netlink concerns the daemon needs around
// TUN interface setup: bringing a freshly created interface
// administratively up, and probing for the Linux kernel's optional
// in-kernel "gtp" generic-netlink family.
//
// The request/response channel pattern below is carried over directly
// from the teacher's internal/nll2tp.Conn: a single goroutine owns the
// raw netlink socket, and callers submit requests and block for a
// reply rather than touching the socket from multiple goroutines.
package nlif

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// offloadFamilyName is the generic-netlink family name the in-kernel
// GTP-U module registers, if the module is loaded.
const offloadFamilyName = "gtp"

const rtmNewlink = 16

type req struct {
	fn   func() error
	resp chan error
}

// Conn serialises access to a raw route-netlink socket used for
// interface setup, and optionally holds a genetlink connection used
// once at startup to probe for kernel GTP-U offload support.
type Conn struct {
	rt *netlink.Conn

	gotOffload bool

	reqCh chan *req
	wg    sync.WaitGroup
}

// Dial opens a route-netlink socket for interface administration and
// probes for the kernel's "gtp" generic-netlink family. Probe failure
// is not an error: it only means kernel offload is unavailable, and
// the daemon continues using the userspace TUN engine, which is the
// core of this specification regardless of offload availability.
func Dial(logf func(format string, args ...interface{})) (*Conn, error) {
	rt, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, fmt.Errorf("nlif: dial route netlink: %w", err)
	}

	c := &Conn{
		rt:    rt,
		reqCh: make(chan *req),
	}
	c.wg.Add(1)
	go c.run()

	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	c.probeOffload(logf)

	return c, nil
}

func (c *Conn) probeOffload(logf func(format string, args ...interface{})) {
	gc, err := genetlink.Dial(nil)
	if err != nil {
		logf("gtp offload probe: dial genetlink: %v", err)
		return
	}
	defer gc.Close()

	if _, err := gc.GetFamily(offloadFamilyName); err != nil {
		if errors.Is(err, genetlink.ErrNotExist) {
			logf("kernel gtp offload unavailable, using userspace TUN engine")
		} else {
			logf("gtp offload probe failed: %v", err)
		}
		return
	}

	c.gotOffload = true
	logf("kernel gtp generic-netlink family present (offload not wired by this daemon)")
}

// OffloadAvailable reports whether the kernel's in-kernel "gtp" generic
// netlink family was found at startup. It is informational only: this
// daemon always forwards packets through the userspace TUN engine.
func (c *Conn) OffloadAvailable() bool { return c.gotOffload }

// Close releases the underlying netlink sockets.
func (c *Conn) Close() error {
	close(c.reqCh)
	c.wg.Wait()
	return c.rt.Close()
}

func (c *Conn) run() {
	defer c.wg.Done()
	for r := range c.reqCh {
		r.resp <- r.fn()
	}
}

func (c *Conn) execute(fn func() error) error {
	resp := make(chan error, 1)
	c.reqCh <- &req{fn: fn, resp: resp}
	return <-resp
}

// SetLinkUp brings the named interface administratively up
// (RTM_NEWLINK with IFF_UP set), which the kernel requires before it
// will pass traffic across a freshly created TUN device.
func (c *Conn) SetLinkUp(name string) error {
	return c.execute(func() error {
		idx, err := netIfaceByName(name)
		if err != nil {
			return fmt.Errorf("nlif: look up interface %q: %w", name, err)
		}
		return c.setLinkFlags(idx, unix.IFF_UP, unix.IFF_UP)
	})
}
