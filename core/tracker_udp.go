package core

import (
	"encoding/binary"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// udpProtocolMagic is the fixed connect-request protocol id from BEP15.
const udpProtocolMagic = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

// udpTracker announces over the BEP15 UDP tracker protocol: a two-step
// connect then announce exchange, each retried with exponential backoff
// per the BEP's recommended timeout schedule.
type udpTracker struct {
	announce string
	timeout  time.Duration

	connectionId   uint64
	connectionTime time.Time
}

func newUDPTracker(announce string, config Config) *udpTracker {
	return &udpTracker{announce: announce, timeout: config.AnnounceTimeout}
}

// connectionValidFor is how long a BEP15 connection id may be reused
// before a fresh connect exchange is required.
const connectionValidFor = 1 * time.Minute

func (tr *udpTracker) Announce(req AnnounceReq) (*AnnounceRes, error) {
	host, port, err := parseUDPTrackerURL(tr.announce)
	if err != nil {
		return nil, err
	}

	ip, err := ResolveHost(host)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(ip.String(), port)
	conn, err := net.DialTimeout("udp", addr, tr.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial udp tracker %s", addr)
	}
	defer conn.Close()

	if tr.connectionId == 0 || time.Since(tr.connectionTime) > connectionValidFor {
		connId, err := tr.connect(conn)
		if err != nil {
			return nil, err
		}
		tr.connectionId = connId
		tr.connectionTime = time.Now()
	}

	return tr.announceOnConnection(conn, req)
}

func (tr *udpTracker) connect(conn net.Conn) (uint64, error) {
	txId := GenerateTransactionId()
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(out[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(out[12:16], txId)

	in, err := tr.roundTrip(conn, out, 16)
	if err != nil {
		return 0, err
	}

	action := binary.BigEndian.Uint32(in[0:4])
	gotTx := binary.BigEndian.Uint32(in[4:8])
	if gotTx != txId {
		return 0, errors.New("udp tracker: transaction id mismatch on connect")
	}
	if action == udpActionError {
		return 0, errors.Errorf("udp tracker connect error: %s", string(in[8:]))
	}
	if action != udpActionConnect {
		return 0, errors.Errorf("udp tracker: unexpected connect action %d", action)
	}

	return binary.BigEndian.Uint64(in[8:16]), nil
}

func (tr *udpTracker) announceOnConnection(conn net.Conn, req AnnounceReq) (*AnnounceRes, error) {
	txId := GenerateTransactionId()
	out := make([]byte, 98)
	binary.BigEndian.PutUint64(out[0:8], tr.connectionId)
	binary.BigEndian.PutUint32(out[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(out[12:16], txId)
	copy(out[16:36], req.InfoHash[:])
	copy(out[36:56], req.PeerId[:])
	binary.BigEndian.PutUint64(out[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(out[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(out[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(out[80:84], udpEventCode(req.Event))
	binary.BigEndian.PutUint32(out[84:88], 0) // ip address: 0 means "use sender's address"
	binary.BigEndian.PutUint32(out[88:92], 0) // key: unused, no multi-homed client support
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(out[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(out[96:98], req.Port)

	in, err := tr.roundTrip(conn, out, 20)
	if err != nil {
		return nil, err
	}

	action := binary.BigEndian.Uint32(in[0:4])
	gotTx := binary.BigEndian.Uint32(in[4:8])
	if gotTx != txId {
		return nil, errors.New("udp tracker: transaction id mismatch on announce")
	}
	if action == udpActionError {
		return nil, errors.Errorf("udp tracker announce error: %s", string(in[8:]))
	}
	if action != udpActionAnnounce {
		return nil, errors.Errorf("udp tracker: unexpected announce action %d", action)
	}

	res := &AnnounceRes{
		Interval: int64(binary.BigEndian.Uint32(in[8:12])),
		// BEP15 reports leechers/seeders; "incomplete" and "complete"
		// are the HTTP tracker protocol's names for the same counts.
		Incomplete: int64(binary.BigEndian.Uint32(in[12:16])),
		Complete:   int64(binary.BigEndian.Uint32(in[16:20])),
	}

	peers := in[20:]
	if len(peers)%6 != 0 {
		return nil, errors.Errorf("udp tracker: peer list length %d is not a multiple of 6", len(peers))
	}
	for i := 0; i < len(peers); i += 6 {
		var ep PeerEndpoint
		copy(ep.IP[:], peers[i:i+4])
		ep.Port = binary.BigEndian.Uint16(peers[i+4 : i+6])
		res.Peers = append(res.Peers, ep)
	}

	return res, nil
}

func udpEventCode(event string) uint32 {
	switch event {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// roundTrip sends out and reads a response at least minLen bytes long,
// retrying with BEP15's doubling backoff (15s, 30s, 60s, … capped at 4
// attempts) until tr.timeout is exhausted.
func (tr *udpTracker) roundTrip(conn net.Conn, out []byte, minLen int) ([]byte, error) {
	backoff := 15 * time.Second
	deadline := time.Now().Add(tr.timeout)
	buf := make([]byte, 2048)

	for attempt := 0; attempt < 4; attempt++ {
		if _, err := conn.Write(out); err != nil {
			return nil, errors.Wrap(err, "udp tracker write")
		}

		readDeadline := time.Now().Add(backoff)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		conn.SetReadDeadline(readDeadline)

		n, err := conn.Read(buf)
		if err == nil && n >= minLen {
			return buf[:n], nil
		}
		if time.Now().After(deadline) {
			return nil, errors.New("udp tracker: timed out")
		}
		backoff *= 2
	}
	return nil, errors.New("udp tracker: exhausted retries")
}

func parseUDPTrackerURL(announce string) (host, port string, err error) {
	u, err := url.Parse(announce)
	if err != nil {
		return "", "", errors.Wrap(err, "parse udp tracker url")
	}
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		port = "80"
	}
	return host, port, nil
}
