package core

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Announce event names, shared by the HTTP and UDP tracker protocols
// (the UDP wire format encodes these as small integers instead of
// strings; see udpEventCode).
const (
	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
)

// tracker is the interface both wire protocols satisfy, letting
// TrackerManager treat HTTP(S) and UDP trackers identically.
type tracker interface {
	Announce(req AnnounceReq) (*AnnounceRes, error)
}

// TrackerManager periodically announces to every tracker a torrent
// lists, forwarding every newly discovered peer endpoint to OnNewPeer.
type TrackerManager struct {
	metadata *Metadata
	config   Config
	peerId   []byte

	mu       sync.Mutex
	trackers map[string]tracker

	onNewPeer func(PeerEndpoint)

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewTrackerManager builds a tracker for every announce URL in
// metadata.Trackers, skipping schemes it does not recognize.
func NewTrackerManager(metadata *Metadata, config Config, peerId []byte) *TrackerManager {
	tm := &TrackerManager{
		metadata: metadata,
		config:   config,
		peerId:   peerId,
		trackers: make(map[string]tracker),
		stopped:  make(chan struct{}),
	}

	for _, announce := range metadata.Trackers() {
		t, err := newTracker(announce, config)
		if err != nil {
			logrus.WithError(err).WithField("announce", announce).Warn("tracker_manager: skipping unsupported tracker")
			continue
		}
		tm.trackers[announce] = t
	}
	return tm
}

func newTracker(announce string, config Config) (tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return newHTTPTracker(announce, config), nil
	case "udp":
		return newUDPTracker(announce, config), nil
	default:
		return nil, errors.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

// OnNewPeer installs the callback fired for each peer endpoint a
// tracker announce response returns. Normally wired to PeerManager.Connect.
func (tm *TrackerManager) OnNewPeer(f func(PeerEndpoint)) {
	tm.onNewPeer = f
}

// buildAnnounceReq assembles the request shape shared by every tracker
// protocol, filling in the torrent's current transfer stats.
func (tm *TrackerManager) buildAnnounceReq(event string, port uint16, peerId []byte) AnnounceReq {
	req := AnnounceReq{
		Port:       port,
		Uploaded:   tm.metadata.Uploaded(),
		Downloaded: tm.metadata.Downloaded(),
		Left:       tm.metadata.Left(),
		Compact:    1,
		Event:      event,
		NumWant:    50,
	}
	copy(req.InfoHash[:], tm.metadata.InfoHash())
	copy(req.PeerId[:], peerId)
	return req
}

func (tm *TrackerManager) snapshotTrackers() map[string]tracker {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	snapshot := make(map[string]tracker, len(tm.trackers))
	for k, v := range tm.trackers {
		snapshot[k] = v
	}
	return snapshot
}

// announceOne announces to a single tracker, dispatches its peers, and
// reports the interval it returned. A failure or a response with no
// interval field both report 0, leaving the caller to fall back to its
// own default.
func (tm *TrackerManager) announceOne(announce string, t tracker, req AnnounceReq) time.Duration {
	res, err := t.Announce(req)
	if err != nil {
		logrus.WithError(err).WithField("announce", announce).Warn("tracker_manager: announce failed")
		return 0
	}
	tm.dispatchPeers(res)
	if res.Interval > 0 {
		return time.Duration(res.Interval) * time.Second
	}
	return 0
}

// AnnounceAll announces event to every tracker once, synchronously, and
// dispatches every returned peer through onNewPeer. A failing tracker is
// logged and skipped; the torrent is not considered unreachable just
// because one tracker is down. It returns the shortest interval reported
// by any tracker that answered this round, or 0 if none did.
func (tm *TrackerManager) AnnounceAll(event string, port uint16, peerId []byte) time.Duration {
	req := tm.buildAnnounceReq(event, port, peerId)

	var interval time.Duration
	for announce, t := range tm.snapshotTrackers() {
		d := tm.announceOne(announce, t, req)
		if d > 0 && (interval == 0 || d < interval) {
			interval = d
		}
	}
	return interval
}

// dispatchPeers forwards every IPv4 peer a tracker returned to
// onNewPeer. res.Peers6 (BEP7) is decoded for diagnostics only and never
// dialed: PeerEndpoint.IP is IPv4-shaped, and there is no way to turn a
// 16-byte IPv6 address into a dialable one without truncating it into a
// different, likely unreachable, host.
func (tm *TrackerManager) dispatchPeers(res *AnnounceRes) {
	if tm.onNewPeer == nil {
		return
	}
	for _, ep := range res.Peers {
		tm.onNewPeer(ep)
	}
}

// defaultAnnounceInterval is used for the first announce and whenever no
// tracker in a round reports an interval of its own.
const defaultAnnounceInterval = 30 * time.Minute

// Run announces "started" to every tracker immediately, then drives each
// tracker's own re-announce loop independently, scheduled off the
// interval that specific tracker most recently reported (defaulting to
// defaultAnnounceInterval until one does). It blocks until Stop closes
// tm.stopped; callers run it on its own goroutine.
func (tm *TrackerManager) Run(port uint16, peerId []byte) {
	var wg sync.WaitGroup
	for announce, t := range tm.snapshotTrackers() {
		wg.Add(1)
		go func(announce string, t tracker) {
			defer wg.Done()
			tm.runTracker(announce, t, port, peerId)
		}(announce, t)
	}
	wg.Wait()
}

// runTracker re-announces to one tracker on its own cadence until Stop
// closes tm.stopped.
func (tm *TrackerManager) runTracker(announce string, t tracker, port uint16, peerId []byte) {
	interval := tm.announceOne(announce, t, tm.buildAnnounceReq(EventStarted, port, peerId))
	if interval <= 0 {
		interval = defaultAnnounceInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-tm.stopped:
			return
		case <-timer.C:
			next := tm.announceOne(announce, t, tm.buildAnnounceReq("", port, peerId))
			if next <= 0 {
				next = defaultAnnounceInterval
			}
			timer.Reset(next)
		}
	}
}

// Stop announces "stopped" to every tracker and halts the re-announce loop.
func (tm *TrackerManager) Stop(port uint16, peerId []byte) {
	tm.stopOnce.Do(func() {
		close(tm.stopped)
		tm.AnnounceAll(EventStopped, port, peerId)
	})
}
