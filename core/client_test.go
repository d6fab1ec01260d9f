package core

import (
	"bytes"
	crand "crypto/rand"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// writeClientFixture is writeSwarmFixture's sibling for client-level
// tests: the announce URL points at an httptest server instead of a
// fixed string, so the tracker round trip is real. A nil content gets
// fresh random bytes; passing an earlier fixture's content yields the same
// info hash under a different announce URL.
func writeClientFixture(t *testing.T, announce string, pieceLength, totalLength int64, content []byte) (string, []byte) {
	t.Helper()

	if content == nil {
		content = make([]byte, totalLength)
		if _, err := crand.Read(content); err != nil {
			t.Fatalf("generate content: %v", err)
		}
	}

	numPieces := totalLength / pieceLength
	if totalLength%pieceLength != 0 {
		numPieces++
	}
	pieces := make([]byte, 0, numPieces*20)
	for i := int64(0); i < numPieces; i++ {
		start := i * pieceLength
		end := start + pieceLength
		if end > totalLength {
			end = totalLength
		}
		sum := sha1.Sum(content[start:end])
		pieces = append(pieces, sum[:]...)
	}

	dict := map[string]interface{}{
		"announce": announce,
		"info": map[string]interface{}{
			"name":         "client-fixture.bin",
			"piece length": pieceLength,
			"pieces":       string(pieces),
			"length":       totalLength,
		},
	}
	encoded, err := BEncode(dict)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "client-fixture.torrent")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path, content
}

// TestClientStartAndWaitDownloadsFromSeedingPeer drives the full
// orchestrator: a seeder Client with everything already on disk, and a
// leecher Client that discovers it purely through a tracker announce
// response (no direct PeerManager.Connect call from the test), then
// downloads the whole file and extracts it.
func TestClientStartAndWaitDownloadsFromSeedingPeer(t *testing.T) {
	const pieceLength = 16 * 1024
	const totalLength = pieceLength*2 + 500

	config := NewConfigBuilder().
		WithPort(0).
		WithDialTimeout(2 * time.Second).
		WithRequestsPerCall(4).
		WithAnnounceTimeout(2 * time.Second).
		Build()
	config.KeepAliveInterval = 2 * time.Second
	config.BackoffInterval = 50 * time.Millisecond

	// The seeder client is started first so its listen port is known
	// before the tracker server (which must report that port) exists.
	seederDir := t.TempDir()
	seederMetaPath, content := writeClientFixture(t, "placeholder", pieceLength, totalLength, nil)

	seederMeta, err := NewMetadataFromTorrentFile(seederMetaPath)
	if err != nil {
		t.Fatalf("seeder metadata: %v", err)
	}
	seederPieces := NewPieces(seederMeta, config, seederDir)
	if err := seederPieces.InitFile(); err != nil {
		t.Fatalf("seeder pieces init: %v", err)
	}
	count := int(seederMeta.PieceCount())
	for i := 0; i < count; i++ {
		length := seederPieces.pieceLength(i)
		start := int64(i) * seederMeta.PieceLength()
		block := content[start : start+length]
		done := make(chan error, 1)
		seederPieces.WriteBlockAsync(i, 0, block, func(err error, complete bool) { done <- err })
		if err := <-done; err != nil {
			t.Fatalf("seed piece %d: %v", i, err)
		}
	}

	seederPM := NewPeerManager(seederMeta, seederPieces, config, GeneratePeerId())
	if err := seederPM.Listen(); err != nil {
		t.Fatalf("seeder listen: %v", err)
	}
	defer seederPM.Stop()
	go seederPM.Serve()

	_, seederPortStr, err := net.SplitHostPort(seederPM.ListenAddr())
	if err != nil {
		t.Fatalf("split seeder addr: %v", err)
	}

	// A minimal compact-peers tracker: every announce reports the seeder.
	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		port, _ := strconv.Atoi(seederPortStr)
		peers := []byte{127, 0, 0, 1, byte(port >> 8), byte(port)}
		res := map[string]interface{}{
			"interval": int64(3600),
			"peers":    string(peers),
		}
		body, err := BEncode(res)
		if err != nil {
			t.Fatalf("encode tracker response: %v", err)
		}
		w.Write(body)
	}))
	defer tracker.Close()

	leecherPath, _ := writeClientFixture(t, tracker.URL+"/announce", pieceLength, totalLength, content)
	leecherMeta, err := NewMetadataFromTorrentFile(leecherPath)
	if err != nil {
		t.Fatalf("leecher metadata: %v", err)
	}
	leecherClient := newClient(leecherMeta, config)

	leecherDir := t.TempDir()
	if err := leecherClient.Start(leecherDir); err != nil {
		t.Fatalf("start leecher: %v", err)
	}
	defer leecherClient.Stop()

	waitDone := make(chan struct{})
	go func() {
		leecherClient.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(15 * time.Second):
		t.Fatalf("download did not complete in time (left=%d)", leecherMeta.Left())
	}

	out, err := os.ReadFile(filepath.Join(leecherDir, leecherMeta.Name()))
	if err != nil {
		t.Fatalf("read extracted output: %v", err)
	}
	if !bytes.Equal(out, content) {
		t.Fatalf("downloaded content mismatch")
	}
	if err := leecherClient.FatalErr(); err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
}

// TestClientStartTwiceReturnsError covers the single-use guard on Start.
func TestClientStartTwiceReturnsError(t *testing.T) {
	path, _ := writeClientFixture(t, "http://127.0.0.1:1/announce", 1024, 1024, nil)
	meta, err := NewMetadataFromTorrentFile(path)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}

	config := NewConfigBuilder().WithPort(0).Build()
	client := newClient(meta, config)
	dir := t.TempDir()
	if err := client.Start(dir); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer client.Stop()

	if err := client.Start(dir); err == nil {
		t.Fatalf("expected second Start to return an error")
	}
}
