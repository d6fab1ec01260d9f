package core

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewTrackerManagerDispatchesByScheme covers the http/https/udp
// scheme dispatch in newTracker, and that an unsupported scheme is
// skipped rather than failing the whole manager.
func TestNewTrackerManagerDispatchesByScheme(t *testing.T) {
	path := writeSwarmFixtureWithTrackers(t, []string{
		"http://tracker-a.example/announce",
		"https://tracker-b.example/announce",
		"udp://tracker-c.example:80/announce",
		"ws://unsupported.example/announce",
	})

	meta, err := NewMetadataFromTorrentFile(path)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}

	tm := NewTrackerManager(meta, DefaultConfig(), GeneratePeerId())
	if len(tm.trackers) != 3 {
		t.Fatalf("expected 3 recognized trackers, got %d", len(tm.trackers))
	}
	if _, ok := tm.trackers["http://tracker-a.example/announce"].(*httpTracker); !ok {
		t.Errorf("expected http tracker to be an httpTracker")
	}
	if _, ok := tm.trackers["https://tracker-b.example/announce"].(*httpTracker); !ok {
		t.Errorf("expected https tracker to be an httpTracker")
	}
	if _, ok := tm.trackers["udp://tracker-c.example:80/announce"].(*udpTracker); !ok {
		t.Errorf("expected udp tracker to be a udpTracker")
	}
}

// writeSwarmFixtureWithTrackers is writeSwarmFixture's sibling for tests
// that only care about the announce-list, not piece content.
func writeSwarmFixtureWithTrackers(t *testing.T, trackers []string) string {
	t.Helper()
	tiers := make([]interface{}, 0, len(trackers))
	for _, tr := range trackers {
		tiers = append(tiers, []interface{}{tr})
	}
	dict := map[string]interface{}{
		"announce-list": tiers,
		"info": map[string]interface{}{
			"name":         "tracker-fixture.bin",
			"piece length": int64(1024),
			"pieces":       string(make([]byte, 20)),
			"length":       int64(1024),
		},
	}
	encoded, err := BEncode(dict)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker-fixture.torrent")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// TestTrackerManagerAnnounceAllDispatchesPeers covers AnnounceAll end to
// end against a real httptest tracker, confirming OnNewPeer fires once
// per decoded peer.
func TestTrackerManagerAnnounceAllDispatchesPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := map[string]interface{}{
			"interval": int64(1800),
			"peers":    string([]byte{1, 2, 3, 4, 0x1A, 0xE1}),
		}
		body, err := BEncode(res)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		w.Write(body)
	}))
	defer server.Close()

	path := writeSwarmFixtureWithTrackers(t, []string{server.URL + "/announce"})
	meta, err := NewMetadataFromTorrentFile(path)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}

	config := DefaultConfig()
	config.AnnounceTimeout = 2 * time.Second
	tm := NewTrackerManager(meta, config, GeneratePeerId())

	var got []PeerEndpoint
	tm.OnNewPeer(func(ep PeerEndpoint) { got = append(got, ep) })
	tm.AnnounceAll(EventStarted, 6881, GeneratePeerId())

	if len(got) != 1 {
		t.Fatalf("expected 1 dispatched peer, got %d", len(got))
	}
	if got[0].IP != [4]byte{1, 2, 3, 4} || got[0].Port != 0x1AE1 {
		t.Errorf("unexpected peer: %+v", got[0])
	}
}

// TestTrackerManagerAnnounceAllReturnsTrackerInterval covers the
// re-announce scheduling rule: AnnounceAll must surface the interval a
// tracker actually returned instead of a hardcoded default.
func TestTrackerManagerAnnounceAllReturnsTrackerInterval(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := map[string]interface{}{
			"interval": int64(90),
			"peers":    "",
		}
		body, err := BEncode(res)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		w.Write(body)
	}))
	defer server.Close()

	path := writeSwarmFixtureWithTrackers(t, []string{server.URL + "/announce"})
	meta, err := NewMetadataFromTorrentFile(path)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}

	config := DefaultConfig()
	config.AnnounceTimeout = 2 * time.Second
	tm := NewTrackerManager(meta, config, GeneratePeerId())

	got := tm.AnnounceAll(EventStarted, 6881, GeneratePeerId())
	if got != 90*time.Second {
		t.Errorf("expected interval 90s, got %v", got)
	}
}

// TestTrackerManagerStopIsIdempotent covers Stop's sync.Once guard: a
// second Stop call must not panic on an already-closed channel.
func TestTrackerManagerStopIsIdempotent(t *testing.T) {
	path := writeSwarmFixtureWithTrackers(t, []string{"http://127.0.0.1:1/announce"})
	meta, err := NewMetadataFromTorrentFile(path)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	config := DefaultConfig()
	config.AnnounceTimeout = 2 * time.Second
	tm := NewTrackerManager(meta, config, GeneratePeerId())
	tm.Stop(6881, GeneratePeerId())
	tm.Stop(6881, GeneratePeerId())
}
