package daemon

import (
	"github.com/go-kit/kit/log/level"
)

// Endpoint is a bound UDP socket terminating one side of one or more
// GTP tunnels (§3). Endpoints are reference counted by the tunnels
// that hold them and are created/destroyed on the control goroutine
// only.
type Endpoint struct {
	bind     SockAddr
	name     string
	io       EndpointIO
	refCount int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Name returns the endpoint's human-readable "address:port" name.
func (e *Endpoint) Name() string { return e.name }

// findOrCreateEndpoint returns the endpoint bound to addr, creating it
// (and starting its reader goroutine) if none exists yet. Must run on
// the control goroutine.
func (d *Daemon) findOrCreateEndpoint(bind SockAddr) (*Endpoint, error) {
	key := bind.key()
	if ep, ok := d.endpoints[key]; ok {
		ep.refCount++
		return ep, nil
	}

	io, err := d.dp.OpenEndpoint(bind)
	if err != nil {
		return nil, newErr("endpoint.create", KindResource, err)
	}

	ep := &Endpoint{
		bind:     bind,
		name:     bind.String(),
		io:       io,
		refCount: 1,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	d.endpoints[key] = ep

	go d.runEndpointReader(ep)

	d.logf(level.Info, "endpoint %s: created", ep.name)
	return ep, nil
}

// releaseEndpoint decrements ep's refcount, destroying it if the count
// reaches zero. Returns whether destruction occurred. Must run on the
// control goroutine.
func (d *Daemon) releaseEndpoint(ep *Endpoint) bool {
	ep.refCount--
	if ep.refCount > 0 {
		d.logf(level.Debug, "endpoint %s: released, refcount=%d", ep.name, ep.refCount)
		return false
	}
	d.destroyEndpointLocked(ep)
	return true
}

// destroyEndpointLocked unconditionally tears down ep: signals its
// reader goroutine to stop, closes its socket, and removes the
// registry entry. Must run on the control goroutine.
//
// It does not wait for the reader goroutine to actually exit. The
// reader only needs d.mu.RLock() to finish the packet it has already
// read (see lookupByRx/lookupByUser), and this function runs with
// d.mu.Lock() held by its caller; blocking here for the reader to
// reach and release that RLock would deadlock every subsequent
// Daemon.do() call against the Lock() this goroutine is holding. The
// registry entry is already gone by the time the reader could observe
// it, so there is nothing left for it to corrupt — it is safe to let
// it exit in its own time, same as the teacher's _gtp_endpoint_destroy,
// which cancels and closes the socket without joining the reader
// thread.
func (d *Daemon) destroyEndpointLocked(ep *Endpoint) {
	if ep.refCount != 0 {
		d.logf(level.Error, "endpoint %s: destroying despite refcount=%d", ep.name, ep.refCount)
	}

	close(ep.stopCh)
	ep.io.Close()

	delete(d.endpoints, ep.bind.key())
	d.logf(level.Info, "endpoint %s: destroyed", ep.name)

	go func() { <-ep.doneCh }()
}

// forceDestroyEndpoint destroys every tunnel referencing ep (releasing
// the refcounts they hold), then destroys ep itself if it is still
// alive. Must run on the control goroutine.
func (d *Daemon) forceDestroyEndpoint(ep *Endpoint) {
	for _, t := range d.tunnelsReferencingEndpoint(ep) {
		d.destroyTunnelLocked(t)
	}

	// A tunnel's destruction may already have dropped ep's refcount to
	// zero and freed it; re-find by key before freeing again.
	if cur, ok := d.endpoints[ep.bind.key()]; ok && cur == ep {
		d.destroyEndpointLocked(ep)
	}
}

func (d *Daemon) tunnelsReferencingEndpoint(ep *Endpoint) []*Tunnel {
	var out []*Tunnel
	for _, t := range d.tunnels {
		if t.localEP == ep {
			out = append(out, t)
		}
	}
	return out
}
