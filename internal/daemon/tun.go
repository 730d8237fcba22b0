package daemon

import (
	"github.com/go-kit/kit/log/level"
)

// TunDevice is a named virtual L3 interface, possibly in a non-default
// network namespace (§3). TunDevices are reference counted by the
// tunnels that hold them and are created/destroyed on the control
// goroutine only.
type TunDevice struct {
	name  string
	netns string
	io    TunIO

	refCount int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Name returns the TUN device's interface name.
func (t *TunDevice) Name() string { return t.name }

// Namespace returns the TUN device's network namespace name, or "" for
// the default namespace.
func (t *TunDevice) Namespace() string { return t.netns }

// findOrCreateTun returns the TUN device identified by (netns, name),
// creating it (and starting its reader goroutine) if none exists yet.
// Must run on the control goroutine.
func (d *Daemon) findOrCreateTun(name, netns string) (*TunDevice, error) {
	key := tunKey(netns, name)
	if tun, ok := d.tuns[key]; ok {
		tun.refCount++
		return tun, nil
	}

	io, err := d.dp.OpenTun(name, netns)
	if err != nil {
		return nil, newErr("tun.create", KindResource, err)
	}

	tun := &TunDevice{
		name:     name,
		netns:    netns,
		io:       io,
		refCount: 1,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	d.tuns[key] = tun

	go d.runTunReader(tun)

	d.logf(level.Info, "tun %s (netns=%q): created", tun.name, tun.netns)
	return tun, nil
}

// releaseTun decrements tun's refcount, destroying it if the count
// reaches zero. Returns whether destruction occurred. Must run on the
// control goroutine.
func (d *Daemon) releaseTun(tun *TunDevice) bool {
	tun.refCount--
	if tun.refCount > 0 {
		d.logf(level.Debug, "tun %s: released, refcount=%d", tun.name, tun.refCount)
		return false
	}
	d.destroyTunLocked(tun)
	return true
}

// destroyTunLocked unconditionally tears down tun: signals its reader
// goroutine to stop, closes its file descriptor, and removes the
// registry entry. Must run on the control goroutine.
//
// Like destroyEndpointLocked, it does not wait for the reader to exit:
// doing so while holding d.mu.Lock() (as every caller does) can
// deadlock against the reader's own need for d.mu.RLock() to finish
// the packet it already read off the device — see lookupByUser. The
// registry entry is removed above before the reader could possibly
// observe it, so nothing is lost by letting it exit asynchronously,
// matching the teacher's close-without-join shutdown style.
func (d *Daemon) destroyTunLocked(tun *TunDevice) {
	if tun.refCount != 0 {
		d.logf(level.Error, "tun %s: destroying despite refcount=%d", tun.name, tun.refCount)
	}

	close(tun.stopCh)
	tun.io.Close()

	delete(d.tuns, tunKey(tun.netns, tun.name))
	d.logf(level.Info, "tun %s: destroyed", tun.name)

	go func() { <-tun.doneCh }()
}

// forceDestroyTun destroys every tunnel referencing tun (releasing the
// refcounts they hold), then destroys tun itself if it is still alive.
// Must run on the control goroutine.
func (d *Daemon) forceDestroyTun(tun *TunDevice) {
	for _, t := range d.tunnelsReferencingTun(tun) {
		d.destroyTunnelLocked(t)
	}

	if cur, ok := d.tuns[tunKey(tun.netns, tun.name)]; ok && cur == tun {
		d.destroyTunLocked(tun)
	}
}

func (d *Daemon) tunnelsReferencingTun(tun *TunDevice) []*Tunnel {
	var out []*Tunnel
	for _, t := range d.tunnels {
		if t.tun == tun {
			out = append(out, t)
		}
	}
	return out
}

// findTunByNamespace returns a TUN device registered in the given
// namespace, for use by the subprocess launcher (§4.5) to obtain a
// namespace handle to enter. If several devices share the namespace,
// which one is returned is not defined.
func (d *Daemon) findTunByNamespace(netns string) (*TunDevice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, tun := range d.tuns {
		if tun.netns == netns {
			return tun, true
		}
	}
	return nil, false
}

// FindTunByNamespace is the exported form of findTunByNamespace, which
// takes the registry read lock itself.
func (d *Daemon) FindTunByNamespace(netns string) (*TunDevice, bool) {
	return d.findTunByNamespace(netns)
}

// NamespaceFD returns the OS file descriptor for this device's network
// namespace, or -1 if it is in the default namespace.
func (t *TunDevice) NamespaceFD() int { return t.io.NamespaceFD() }
