package daemon

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/go-kit/kit/log/level"

	"github.com/katalix/uecupsd/internal/gtpu"
)

// runEndpointReader is the GTP→TUN decapsulation path of §4.2. One
// goroutine per endpoint; it owns no heap state that needs explicit
// cleanup, so shutdown is simply: the control goroutine closes the
// socket, the pending read returns an error, and this goroutine exits.
func (d *Daemon) runEndpointReader(ep *Endpoint) {
	defer close(ep.doneCh)

	buf := make([]byte, gtpu.MaxUDPPacket+gtpu.HeaderLen)
	for {
		n, err := ep.io.ReadFrom(buf)
		if err != nil {
			if isShutdown(ep.stopCh, err) {
				return
			}
			d.fatal("endpoint %s: read error: %v", ep.name, err)
			return
		}

		hdr, payload, err := gtpu.Decode(buf, n)
		switch {
		case errors.Is(err, gtpu.ErrShort):
			d.metrics.IncDecapShort()
			continue
		case errors.Is(err, gtpu.ErrFlags):
			d.metrics.IncDecapBadFlags()
			d.logf(level.Info, "endpoint %s: %v", ep.name, err)
			continue
		case errors.Is(err, gtpu.ErrType):
			d.metrics.IncDecapBadType()
			d.logf(level.Info, "endpoint %s: %v", ep.name, err)
			continue
		case errors.Is(err, gtpu.ErrLength):
			d.metrics.IncDecapBadLength()
			d.logf(level.Info, "endpoint %s: %v", ep.name, err)
			continue
		case err != nil:
			d.logf(level.Info, "endpoint %s: %v", ep.name, err)
			continue
		}

		tun, ok := d.lookupByRx(ep, hdr.TEID)
		if !ok {
			d.metrics.IncDecapUnknownTEID()
			d.logf(level.Info, "endpoint %s: no tunnel for teid=0x%08x", ep.name, hdr.TEID)
			continue
		}

		if _, err := tun.io.Write(payload); err != nil {
			d.fatal("endpoint %s: write to tun %s: %v", ep.name, tun.name, err)
			return
		}
		d.metrics.IncDecapOK()
	}
}

// lookupByRx finds the tunnel whose local endpoint is ep and whose rx
// TEID matches teid, copying out its TUN device under the read lock
// and releasing it before returning, per §4.1's locking discipline.
func (d *Daemon) lookupByRx(ep *Endpoint, teid uint32) (*TunDevice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tunnelsByRx[rxKey{ep: ep, teq: teid}]
	if !ok {
		return nil, false
	}
	return t.tun, true
}

// runTunReader is the TUN→GTP encapsulation path of §4.3. One
// goroutine per TUN device.
func (d *Daemon) runTunReader(tun *TunDevice) {
	defer close(tun.doneCh)

	buf := make([]byte, gtpu.HeaderLen+gtpu.MaxUDPPacket)
	for {
		n, err := tun.io.Read(buf[gtpu.HeaderLen:])
		if err != nil {
			if isShutdown(tun.stopCh, err) {
				return
			}
			d.fatal("tun %s: read error: %v", tun.name, err)
			return
		}

		payload := buf[gtpu.HeaderLen : gtpu.HeaderLen+n]
		dest, err := gtpu.DestAddr(payload)
		if err != nil {
			d.logf(level.Info, "tun %s: %v", tun.name, err)
			continue
		}

		ep, remote, txTEID, ok := d.lookupByUser(tun, dest)
		if !ok {
			d.metrics.IncEncapUnknownUser()
			d.logf(level.Info, "tun %s: no tunnel for dest=%s", tun.name, dest)
			continue
		}

		gtpu.Encode(buf[:gtpu.HeaderLen], txTEID, n)

		if _, err := ep.io.WriteTo(buf[:gtpu.HeaderLen+n], remote); err != nil {
			// Send errors are logged, not fatal (§4.3).
			d.metrics.IncEncapSendErr()
			d.logf(level.Info, "tun %s: sendto %s: %v", tun.name, remote, err)
			continue
		}
		d.metrics.IncEncapOK()
	}
}

// lookupByUser finds the tunnel whose TUN device is tun and whose user
// address equals dest, copying out the fields needed to send the
// encapsulated packet before releasing the read lock.
func (d *Daemon) lookupByUser(tun *TunDevice, dest net.IP) (*Endpoint, SockAddr, uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tunnelsByUser[userKey{tun: tun, addr: dest.String()}]
	if !ok {
		return nil, SockAddr{}, 0, false
	}
	return t.localEP, t.remoteAddr, t.txTEID, true
}

// isShutdown reports whether err is the expected consequence of the
// control goroutine closing the fd to signal this reader to stop.
func isShutdown(stopCh chan struct{}, err error) bool {
	select {
	case <-stopCh:
		return true
	default:
	}
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// fatal logs a FATAL condition per §7 and invokes the daemon's fatal
// hook. The reader goroutine has no recovery path for a torn-down
// socket or TUN device; the hook New installs exits the process with
// status 1 so an external supervisor can restart it.
func (d *Daemon) fatal(format string, args ...interface{}) {
	d.logf(level.Error, format, args...)
	d.fatalHook()
}
