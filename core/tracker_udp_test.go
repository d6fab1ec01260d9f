package core

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeUDPTracker runs a minimal BEP15 connect/announce responder on a
// loopback UDP socket, handing back a fixed connection id and one peer.
func fakeUDPTracker(t *testing.T, connID uint64, peers []PeerEndpoint) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			in := buf[:n]
			if len(in) < 16 {
				continue
			}
			txID := binary.BigEndian.Uint32(in[12:16])
			action := binary.BigEndian.Uint32(in[8:12])

			switch action {
			case udpActionConnect:
				out := make([]byte, 16)
				binary.BigEndian.PutUint32(out[0:4], udpActionConnect)
				binary.BigEndian.PutUint32(out[4:8], txID)
				binary.BigEndian.PutUint64(out[8:16], connID)
				conn.WriteTo(out, raddr)

			case udpActionAnnounce:
				out := make([]byte, 20+6*len(peers))
				binary.BigEndian.PutUint32(out[0:4], udpActionAnnounce)
				binary.BigEndian.PutUint32(out[4:8], txID)
				binary.BigEndian.PutUint32(out[8:12], 1800)
				binary.BigEndian.PutUint32(out[12:16], 1)
				binary.BigEndian.PutUint32(out[16:20], 3)
				for i, ep := range peers {
					off := 20 + i*6
					copy(out[off:off+4], ep.IP[:])
					binary.BigEndian.PutUint16(out[off+4:off+6], ep.Port)
				}
				conn.WriteTo(out, raddr)
			}
		}
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }
}

// TestUDPTrackerAnnounceRoundTrip covers the two-step
// connect-then-announce exchange and the connection id cache.
func TestUDPTrackerAnnounceRoundTrip(t *testing.T) {
	wantPeers := []PeerEndpoint{{IP: [4]byte{203, 0, 113, 9}, Port: 6881}}
	addr, stop := fakeUDPTracker(t, 0xdeadbeefcafe, wantPeers)
	defer stop()

	config := DefaultConfig()
	config.AnnounceTimeout = 2 * time.Second
	tr := newUDPTracker("udp://"+addr+"/announce", config)

	var req AnnounceReq
	req.Port = 6881
	res, err := tr.Announce(req)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if res.Interval != 1800 || res.Incomplete != 1 || res.Complete != 3 {
		t.Fatalf("unexpected response: %+v", res)
	}
	if len(res.Peers) != 1 || res.Peers[0] != wantPeers[0] {
		t.Fatalf("unexpected peers: %+v", res.Peers)
	}
	if tr.connectionId != 0xdeadbeefcafe {
		t.Fatalf("expected connection id to be cached, got %x", tr.connectionId)
	}

	// A second announce within connectionValidFor must reuse the cached
	// connection id rather than reconnecting.
	cachedID := tr.connectionId
	cachedTime := tr.connectionTime
	if _, err := tr.Announce(req); err != nil {
		t.Fatalf("second announce: %v", err)
	}
	if tr.connectionId != cachedID || tr.connectionTime != cachedTime {
		t.Fatalf("expected connection to be reused, not refreshed")
	}
}

func TestUDPEventCode(t *testing.T) {
	cases := map[string]uint32{
		EventCompleted: 1,
		EventStarted:   2,
		EventStopped:   3,
		"":             0,
	}
	for event, want := range cases {
		if got := udpEventCode(event); got != want {
			t.Errorf("udpEventCode(%q) = %d, want %d", event, got, want)
		}
	}
}

func TestParseUDPTrackerURL(t *testing.T) {
	host, port, err := parseUDPTrackerURL("udp://tracker.example.org:451/announce")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if host != "tracker.example.org" || port != "451" {
		t.Errorf("got host=%q port=%q", host, port)
	}

	host, port, err = parseUDPTrackerURL("udp://tracker.example.org/announce")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if host != "tracker.example.org" || port != "80" {
		t.Errorf("expected default port 80, got host=%q port=%q", host, port)
	}
}
