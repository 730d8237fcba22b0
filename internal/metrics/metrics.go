// Package metrics holds the in-process rate counters the daemon
// exposes in place of the original's Osmocom rate_ctr plumbing, which
// is out of scope per the specification (external collaborator).
package metrics

import "sync/atomic"

// Counters is a small set of packet-path counters, safe for concurrent
// use by the endpoint and TUN reader goroutines.
type Counters struct {
	decapOK          uint64
	decapShort       uint64
	decapBadFlags    uint64
	decapBadType     uint64
	decapBadLength   uint64
	decapUnknownTEID uint64
	encapOK          uint64
	encapUnknownUser uint64
	encapSendErr     uint64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) IncDecapOK()          { atomic.AddUint64(&c.decapOK, 1) }
func (c *Counters) IncDecapShort()       { atomic.AddUint64(&c.decapShort, 1) }
func (c *Counters) IncDecapBadFlags()    { atomic.AddUint64(&c.decapBadFlags, 1) }
func (c *Counters) IncDecapBadType()     { atomic.AddUint64(&c.decapBadType, 1) }
func (c *Counters) IncDecapBadLength()   { atomic.AddUint64(&c.decapBadLength, 1) }
func (c *Counters) IncDecapUnknownTEID() { atomic.AddUint64(&c.decapUnknownTEID, 1) }
func (c *Counters) IncEncapOK()          { atomic.AddUint64(&c.encapOK, 1) }
func (c *Counters) IncEncapUnknownUser() { atomic.AddUint64(&c.encapUnknownUser, 1) }
func (c *Counters) IncEncapSendErr()     { atomic.AddUint64(&c.encapSendErr, 1) }

// Snapshot returns a point-in-time copy of every counter keyed by name,
// for tests and for any future stats surface to read without reaching
// into the struct directly.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"decap_ok":           atomic.LoadUint64(&c.decapOK),
		"decap_short":        atomic.LoadUint64(&c.decapShort),
		"decap_bad_flags":    atomic.LoadUint64(&c.decapBadFlags),
		"decap_bad_type":     atomic.LoadUint64(&c.decapBadType),
		"decap_bad_length":   atomic.LoadUint64(&c.decapBadLength),
		"decap_unknown_teid": atomic.LoadUint64(&c.decapUnknownTEID),
		"encap_ok":           atomic.LoadUint64(&c.encapOK),
		"encap_unknown_user": atomic.LoadUint64(&c.encapUnknownUser),
		"encap_send_err":     atomic.LoadUint64(&c.encapSendErr),
	}
}
