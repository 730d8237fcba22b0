package daemon

import (
	"net"
	"testing"
	"time"

	"github.com/katalix/uecupsd/internal/gtpu"
)

func addr(ip string, port uint16) SockAddr {
	return SockAddr{Family: IPv4, IP: net.ParseIP(ip), Port: port}
}

func waitForDatagram(t *testing.T, ch chan sentDatagram) sentDatagram {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound datagram")
		return sentDatagram{}
	}
}

func waitForPacket(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tun write")
		return nil
	}
}

func assertNothing(t *testing.T, ch chan []byte) {
	t.Helper()
	select {
	case p := <-ch:
		t.Fatalf("expected no tun write, got %d bytes", len(p))
	case <-time.After(50 * time.Millisecond):
	}
}

// TestScenarioS1CreateDecapDestroy exercises §8 scenario S1: create a
// tunnel, decapsulate a datagram onto its TUN device, then destroy the
// tunnel and observe the registry return to empty with the endpoint
// socket closed.
func TestScenarioS1CreateDecapDestroy(t *testing.T) {
	dp := newFakeDataPlane()
	d := New(dp, nil)
	defer d.Close()

	local := addr("127.0.0.1", 2152)
	remote := addr("127.0.0.2", 2152)

	_, err := d.CreateTunnel(TunnelParams{
		LocalEP:  local,
		RemoteEP: remote,
		RxTEID:   0x11111111,
		TxTEID:   0x22222222,
		UserAddr: net.ParseIP("10.0.0.1"),
		TunName:  "tun0",
	})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	ipHdr := ipv4Packet(net.ParseIP("10.0.0.2"))
	datagram := append([]byte{0x30, 0xFF, 0x00, 0x14, 0x11, 0x11, 0x11, 0x11}, ipHdr...)

	ep := dp.endpoint(local)
	tun := dp.tun("", "tun0")
	ep.inject(datagram)

	got := waitForPacket(t, tun.out)
	if string(got) != string(ipHdr) {
		t.Fatalf("tun payload mismatch: got %x want %x", got, ipHdr)
	}

	if err := d.DestroyTunnel(local, 0x11111111); err != nil {
		t.Fatalf("DestroyTunnel: %v", err)
	}

	stats := d.Stats()
	if stats.Endpoints != 0 || stats.Tuns != 0 || stats.Tunnels != 0 {
		t.Fatalf("expected empty registry after destroy, got %+v", stats)
	}

	select {
	case <-ep.closed:
	case <-time.After(time.Second):
		t.Fatal("expected endpoint socket to be closed")
	}
}

// TestScenarioS2Encap exercises §8 scenario S2: with a tunnel
// installed, an IP packet read from its TUN device is encapsulated and
// sent to the tunnel's remote endpoint.
func TestScenarioS2Encap(t *testing.T) {
	dp := newFakeDataPlane()
	d := New(dp, nil)
	defer d.Close()

	local := addr("127.0.0.1", 2152)
	remote := addr("127.0.0.2", 2152)

	_, err := d.CreateTunnel(TunnelParams{
		LocalEP:  local,
		RemoteEP: remote,
		RxTEID:   0x11111111,
		TxTEID:   0x22222222,
		UserAddr: net.ParseIP("10.0.0.1"),
		TunName:  "tun0",
	})
	if err != nil {
		t.Fatalf("CreateTunnel: %v", err)
	}

	tun := dp.tun("", "tun0")
	ep := dp.endpoint(local)

	pkt := ipv4Packet(net.ParseIP("10.0.0.1"))
	tun.inject(pkt)

	sent := waitForDatagram(t, ep.out)
	if sent.addr.String() != remote.String() {
		t.Fatalf("sent to %s, want %s", sent.addr, remote)
	}
	if len(sent.data) != gtpu.HeaderLen+len(pkt) {
		t.Fatalf("sent datagram length = %d, want %d", len(sent.data), gtpu.HeaderLen+len(pkt))
	}
	wantHdr := []byte{0x30, 0xFF, 0x00, 0x14, 0x22, 0x22, 0x22, 0x22}
	if string(sent.data[:gtpu.HeaderLen]) != string(wantHdr) {
		t.Fatalf("header = % x, want % x", sent.data[:gtpu.HeaderLen], wantHdr)
	}
	if string(sent.data[gtpu.HeaderLen:]) != string(pkt) {
		t.Fatalf("payload mismatch")
	}
}

// TestScenarioS3SharedEndpointRefcount exercises §8 scenario S3.
func TestScenarioS3SharedEndpointRefcount(t *testing.T) {
	dp := newFakeDataPlane()
	d := New(dp, nil)
	defer d.Close()

	local := addr("127.0.0.1", 2152)
	remote := addr("127.0.0.2", 2152)

	mk := func(rx, tx uint32, user string, tun string) TunnelParams {
		return TunnelParams{
			LocalEP: local, RemoteEP: remote,
			RxTEID: rx, TxTEID: tx,
			UserAddr: net.ParseIP(user), TunName: tun,
		}
	}

	if _, err := d.CreateTunnel(mk(1, 100, "10.0.0.1", "tunA")); err != nil {
		t.Fatalf("create A: %v", err)
	}
	if _, err := d.CreateTunnel(mk(2, 200, "10.0.0.2", "tunB")); err != nil {
		t.Fatalf("create B: %v", err)
	}

	if rc, ok := d.EndpointRefCount(local); !ok || rc != 2 {
		t.Fatalf("endpoint refcount = %d, ok=%v, want 2, true", rc, ok)
	}

	if err := d.DestroyTunnel(local, 1); err != nil {
		t.Fatalf("destroy A: %v", err)
	}
	if rc, ok := d.EndpointRefCount(local); !ok || rc != 1 {
		t.Fatalf("endpoint refcount = %d, ok=%v, want 1, true", rc, ok)
	}

	if err := d.DestroyTunnel(local, 2); err != nil {
		t.Fatalf("destroy B: %v", err)
	}
	if _, ok := d.EndpointRefCount(local); ok {
		t.Fatalf("expected endpoint to be destroyed")
	}
}

// TestScenarioS4DuplicateRejection exercises §8 scenario S4.
func TestScenarioS4DuplicateRejection(t *testing.T) {
	dp := newFakeDataPlane()
	d := New(dp, nil)
	defer d.Close()

	local := addr("127.0.0.1", 2152)
	remote := addr("127.0.0.2", 2152)

	p := TunnelParams{
		LocalEP: local, RemoteEP: remote,
		RxTEID: 7, TxTEID: 77,
		UserAddr: net.ParseIP("10.0.0.1"), TunName: "tun0",
	}
	if _, err := d.CreateTunnel(p); err != nil {
		t.Fatalf("create: %v", err)
	}

	p2 := p
	p2.UserAddr = net.ParseIP("10.0.0.9")
	p2.TxTEID = 999
	_, err := d.CreateTunnel(p2)
	if err == nil {
		t.Fatal("expected duplicate rejection")
	}
	derr, ok := err.(*Error)
	if !ok || derr.Kind != KindDuplicate {
		t.Fatalf("got %v, want KindDuplicate", err)
	}

	stats := d.Stats()
	if stats.Tunnels != 1 {
		t.Fatalf("tunnels = %d, want 1 (no change on rejected create)", stats.Tunnels)
	}
}

// TestScenarioS5UnknownTEIDDrop exercises §8 scenario S5.
func TestScenarioS5UnknownTEIDDrop(t *testing.T) {
	dp := newFakeDataPlane()
	d := New(dp, nil)
	defer d.Close()

	local := addr("127.0.0.1", 2152)
	remote := addr("127.0.0.2", 2152)

	if _, err := d.CreateTunnel(TunnelParams{
		LocalEP: local, RemoteEP: remote,
		RxTEID: 1, TxTEID: 11,
		UserAddr: net.ParseIP("10.0.0.1"), TunName: "tun0",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ep := dp.endpoint(local)
	tun := dp.tun("", "tun0")

	ipHdr := ipv4Packet(net.ParseIP("10.0.0.9"))
	datagram := append([]byte{0x30, 0xFF, 0x00, 0x14, 0x00, 0x00, 0x00, 0x02}, ipHdr...)
	ep.inject(datagram)

	assertNothing(t, tun.out)

	if got := d.Metrics().Snapshot()["decap_unknown_teid"]; got != 1 {
		t.Fatalf("decap_unknown_teid = %d, want 1", got)
	}

	// tunnel for rx=1 continues to function
	datagram1 := append([]byte{0x30, 0xFF, 0x00, 0x14, 0x00, 0x00, 0x00, 0x01}, ipHdr...)
	ep.inject(datagram1)
	got := waitForPacket(t, tun.out)
	if string(got) != string(ipHdr) {
		t.Fatalf("tun payload mismatch for live tunnel")
	}
}

// TestScenarioS6Reset exercises §8 scenario S6.
func TestScenarioS6Reset(t *testing.T) {
	dp := newFakeDataPlane()
	d := New(dp, nil)
	defer d.Close()

	localA := addr("127.0.0.1", 2152)
	localB := addr("127.0.0.3", 2152)
	remote := addr("127.0.0.2", 2152)

	if _, err := d.CreateTunnel(TunnelParams{
		LocalEP: localA, RemoteEP: remote, RxTEID: 1, TxTEID: 11,
		UserAddr: net.ParseIP("10.0.0.1"), TunName: "tun0", TunNetns: "ue1",
	}); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := d.CreateTunnel(TunnelParams{
		LocalEP: localA, RemoteEP: remote, RxTEID: 2, TxTEID: 22,
		UserAddr: net.ParseIP("10.0.0.2"), TunName: "tun0", TunNetns: "ue1",
	}); err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if _, err := d.CreateTunnel(TunnelParams{
		LocalEP: localB, RemoteEP: remote, RxTEID: 3, TxTEID: 33,
		UserAddr: net.ParseIP("10.0.0.3"), TunName: "tun0", TunNetns: "ue1",
	}); err != nil {
		t.Fatalf("create 3: %v", err)
	}

	if err := d.ResetAllState(); err != nil {
		t.Fatalf("ResetAllState: %v", err)
	}

	stats := d.Stats()
	if stats.Endpoints != 0 || stats.Tuns != 0 || stats.Tunnels != 0 {
		t.Fatalf("expected empty registry after reset, got %+v", stats)
	}

	if err := d.DestroyTunnel(localA, 1); err == nil {
		t.Fatal("expected NOT_FOUND after reset")
	} else if derr, ok := err.(*Error); !ok || derr.Kind != KindNotFound {
		t.Fatalf("got %v, want KindNotFound", err)
	}
}

// TestDestroyUnknownNotFound exercises the §8 boundary behavior:
// destroy_tun on an unknown key returns NOT_FOUND with no side effect.
func TestDestroyUnknownNotFound(t *testing.T) {
	dp := newFakeDataPlane()
	d := New(dp, nil)
	defer d.Close()

	err := d.DestroyTunnel(addr("10.9.9.9", 2152), 0xdead)
	if err == nil {
		t.Fatal("expected error")
	}
	derr, ok := err.(*Error)
	if !ok || derr.Kind != KindNotFound {
		t.Fatalf("got %v, want KindNotFound", err)
	}
}
