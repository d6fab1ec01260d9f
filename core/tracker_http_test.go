package core

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestHTTPTrackerAnnounceCompactPeers covers the common
// compact "peers" binary-string shape, 6 bytes per peer.
func TestHTTPTrackerAnnounceCompactPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peers := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
		res := map[string]interface{}{
			"interval":   int64(1800),
			"complete":   int64(5),
			"incomplete": int64(2),
			"peers":      string(peers),
		}
		body, err := BEncode(res)
		if err != nil {
			t.Fatalf("encode response: %v", err)
		}
		w.Write(body)
	}))
	defer server.Close()

	tr := newHTTPTracker(server.URL, DefaultConfig())
	req := AnnounceReq{Port: 6881, Compact: 1, NumWant: 50}
	res, err := tr.Announce(req)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}

	if res.Interval != 1800 || res.Complete != 5 || res.Incomplete != 2 {
		t.Fatalf("unexpected response fields: %+v", res)
	}
	if len(res.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(res.Peers))
	}
	if res.Peers[0].IP != [4]byte{192, 168, 1, 1} || res.Peers[0].Port != 0x1AE1 {
		t.Errorf("unexpected first peer: %+v", res.Peers[0])
	}
	if res.Peers[1].IP != [4]byte{10, 0, 0, 2} || res.Peers[1].Port != 0x1AE2 {
		t.Errorf("unexpected second peer: %+v", res.Peers[1])
	}
}

// TestHTTPTrackerAnnounceNonCompactPeers covers the list-of-dictionaries
// peer shape some trackers still return.
func TestHTTPTrackerAnnounceNonCompactPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := map[string]interface{}{
			"interval": int64(900),
			"peers": []interface{}{
				map[string]interface{}{"ip": "203.0.113.5", "port": int64(51413)},
			},
		}
		body, err := BEncode(res)
		if err != nil {
			t.Fatalf("encode response: %v", err)
		}
		w.Write(body)
	}))
	defer server.Close()

	tr := newHTTPTracker(server.URL, DefaultConfig())
	res, err := tr.Announce(AnnounceReq{Port: 6881})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if len(res.Peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(res.Peers))
	}
	if res.Peers[0].IP != [4]byte{203, 0, 113, 5} || res.Peers[0].Port != 51413 {
		t.Errorf("unexpected peer: %+v", res.Peers[0])
	}
}

// TestHTTPTrackerAnnounceFailureReason covers a tracker rejecting the
// request outright via the "failure reason" key.
func TestHTTPTrackerAnnounceFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := map[string]interface{}{"failure reason": "unregistered torrent"}
		body, err := BEncode(res)
		if err != nil {
			t.Fatalf("encode response: %v", err)
		}
		w.Write(body)
	}))
	defer server.Close()

	tr := newHTTPTracker(server.URL, DefaultConfig())
	_, err := tr.Announce(AnnounceReq{Port: 6881})
	if err == nil {
		t.Fatalf("expected failure reason to surface as an error")
	}
}

// TestDecodePeers6 covers the BEP7 compact IPv6 peer list, truncated to
// its low 4 address bytes.
func TestDecodePeers6(t *testing.T) {
	raw := make([]byte, 18)
	raw[12], raw[13], raw[14], raw[15] = 198, 51, 100, 7
	raw[16], raw[17] = 0x1A, 0xE1

	peers, err := decodePeers6(string(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if peers[0].IP != [4]byte{198, 51, 100, 7} || peers[0].Port != 0x1AE1 {
		t.Errorf("unexpected peer: %+v", peers[0])
	}
}

func TestParseIPv4String(t *testing.T) {
	got := parseIPv4String("203.0.113.9")
	if got != [4]byte{203, 0, 113, 9} {
		t.Errorf("unexpected parse result: %v", got)
	}
}
