package core

import (
	"io"
	"net/http"

	"github.com/dghubble/sling"
	"github.com/pkg/errors"
)

// httpTracker announces over HTTP or HTTPS. Go's net/http transport
// already negotiates TLS/SNI purely from the URL scheme, so one type
// covers both, distinguished only by the URL's scheme.
type httpTracker struct {
	announce string
	client   *http.Client
}

func newHTTPTracker(announce string, config Config) *httpTracker {
	return &httpTracker{
		announce: announce,
		client:   &http.Client{Timeout: config.AnnounceTimeout},
	}
}

// httpAnnounceQuery is the query-string shape of a GET announce request,
// built through sling's QueryStruct (go-querystring tags).
type httpAnnounceQuery struct {
	InfoHash   string `url:"info_hash"`
	PeerId     string `url:"peer_id"`
	Port       uint16 `url:"port"`
	Uploaded   int64  `url:"uploaded"`
	Downloaded int64  `url:"downloaded"`
	Left       int64  `url:"left"`
	Compact    int    `url:"compact"`
	Event      string `url:"event,omitempty"`
	NumWant    int    `url:"numwant,omitempty"`
}

func (tr *httpTracker) Announce(req AnnounceReq) (*AnnounceRes, error) {
	query := httpAnnounceQuery{
		InfoHash:   string(req.InfoHash[:]),
		PeerId:     string(req.PeerId[:]),
		Port:       req.Port,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Compact:    req.Compact,
		Event:      req.Event,
		NumWant:    req.NumWant,
	}

	httpReq, err := sling.New().Get(tr.announce).QueryStruct(&query).Request()
	if err != nil {
		return nil, errors.Wrap(err, "build announce request")
	}

	res, err := tr.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "announce request")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read announce response")
	}

	return decodeAnnounceResponse(body)
}

func decodeAnnounceResponse(body []byte) (*AnnounceRes, error) {
	dec, err := BDecode(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode announce response")
	}
	dmap, ok := dec.(map[string]interface{})
	if !ok {
		return nil, errors.New("announce response: top level value is not a dictionary")
	}
	if v, ok := dmap["failure reason"].(string); ok {
		return nil, errors.Errorf("tracker failure: %s", v)
	}

	result := &AnnounceRes{}
	interval, ok := dmap["interval"].(int64)
	if !ok {
		return nil, errors.New("announce response: missing or non-integer interval")
	}
	result.Interval = interval
	if v, ok := dmap["min interval"].(int64); ok {
		result.MinInterval = v
	}
	if v, ok := dmap["complete"].(int64); ok {
		result.Complete = v
	}
	if v, ok := dmap["incomplete"].(int64); ok {
		result.Incomplete = v
	}
	if v, ok := dmap["tracker id"].(string); ok {
		result.TrackerId = v
	}
	v, ok := dmap["peers"]
	if !ok {
		return nil, errors.New("announce response: missing peers")
	}
	peers, err := decodePeers(v)
	if err != nil {
		return nil, errors.Wrap(err, "decode peers")
	}
	result.Peers = peers
	if v, ok := dmap["peers6"]; ok {
		peers, err := decodePeers6(v)
		if err != nil {
			return nil, errors.Wrap(err, "decode peers6")
		}
		result.Peers6 = peers
	}

	return result, nil
}

// decodePeers handles both the compact ("peers" as a binary string, 6
// bytes per peer) and the non-compact (list of dictionaries) shapes.
func decodePeers(v interface{}) ([]PeerEndpoint, error) {
	switch x := v.(type) {
	case string:
		raw := []byte(x)
		if len(raw)%6 != 0 {
			return nil, errors.Errorf("compact peers length %d is not a multiple of 6", len(raw))
		}
		out := make([]PeerEndpoint, 0, len(raw)/6)
		for i := 0; i < len(raw); i += 6 {
			var ep PeerEndpoint
			copy(ep.IP[:], raw[i:i+4])
			ep.Port = uint16(raw[i+4])<<8 | uint16(raw[i+5])
			out = append(out, ep)
		}
		return out, nil

	case []interface{}:
		out := make([]PeerEndpoint, 0, len(x))
		for _, entry := range x {
			dmap, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			var ep PeerEndpoint
			if ipStr, ok := dmap["ip"].(string); ok {
				parsed := parseIPv4String(ipStr)
				ep.IP = parsed
			}
			if port, ok := dmap["port"].(int64); ok {
				ep.Port = uint16(port)
			}
			out = append(out, ep)
		}
		return out, nil

	default:
		return nil, nil
	}
}

// decodePeers6 decodes the BEP7 compact IPv6 peer list (18 bytes per
// peer: 16-byte address, truncated here to its low 4 bytes since
// PeerEndpoint is IPv4-shaped; dialing IPv6 peers is out of scope).
func decodePeers6(v interface{}) ([]PeerEndpoint, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, nil
	}
	bytesPerPeer := 18
	if len(raw)%bytesPerPeer != 0 {
		return nil, errors.Errorf("compact peers6 length %d is not a multiple of %d", len(raw), bytesPerPeer)
	}
	out := make([]PeerEndpoint, 0, len(raw)/bytesPerPeer)
	for i := 0; i < len(raw); i += bytesPerPeer {
		var ep PeerEndpoint
		copy(ep.IP[:], raw[i+12:i+16])
		ep.Port = uint16(raw[i+16])<<8 | uint16(raw[i+17])
		out = append(out, ep)
	}
	return out, nil
}

func parseIPv4String(s string) [4]byte {
	var out [4]byte
	var octet, idx int
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' {
			if idx < 4 {
				out[idx] = byte(octet)
			}
			idx++
			octet = 0
			continue
		}
		if c >= '0' && c <= '9' {
			octet = octet*10 + int(c-'0')
		}
	}
	if idx < 4 {
		out[idx] = byte(octet)
	}
	return out
}
