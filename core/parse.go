package core

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// rawTorrent is the bencode-decoded shape of a .torrent file, before it is
// folded into a Metadata.
type rawTorrent struct {
	Announce     string
	AnnounceList []string
	WebSeeds     []string
	InfoHash     []byte
	Name         string
	PieceLength  int64
	Pieces       []byte
	Files        []FileInfo
	TotalLength  int64
}

// parseTorrentFile reads and bencode-decodes a .torrent file.
func parseTorrentFile(path string) (*rawTorrent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read torrent file %q", path)
	}

	dec, err := BDecode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode torrent file")
	}

	dmap, ok := dec.(map[string]interface{})
	if !ok {
		return nil, errors.New("torrent file: top level value is not a dictionary")
	}

	rt := &rawTorrent{}

	if v, ok := dmap["announce"].(string); ok {
		rt.Announce = v
	}
	if v, ok := dmap["announce-list"].([]interface{}); ok {
		for _, tier := range v {
			entries, ok := tier.([]interface{})
			if !ok {
				continue
			}
			for _, entry := range entries {
				if s, ok := entry.(string); ok {
					rt.AnnounceList = append(rt.AnnounceList, s)
				}
			}
		}
	}
	rt.WebSeeds = parseWebSeeds(dmap["url-list"])

	infoVal, ok := dmap["info"]
	if !ok {
		return nil, errors.New("torrent file: missing info dictionary")
	}
	info, ok := infoVal.(map[string]interface{})
	if !ok {
		return nil, errors.New("torrent file: info is not a dictionary")
	}

	infoBytes, err := BEncode(info)
	if err != nil {
		return nil, errors.Wrap(err, "re-encode info dictionary")
	}
	hash := sha1.Sum(infoBytes)
	rt.InfoHash = hash[:]

	if err := parseInfoDict(rt, info); err != nil {
		return nil, err
	}

	if rt.Announce == "" && len(rt.AnnounceList) == 0 && len(rt.WebSeeds) == 0 {
		return nil, errors.New("torrent file: no announce, announce-list, or url-list")
	}

	return rt, nil
}

func parseWebSeeds(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []interface{}:
		var out []string
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// parseInfoDict populates name/piece-length/pieces/files/total-length from
// an info dictionary. Shared by the .torrent path and the magnet
// LoadInfo path, since both ultimately receive the same shape.
func parseInfoDict(rt *rawTorrent, info map[string]interface{}) error {
	if v, ok := info["piece length"].(int64); ok {
		rt.PieceLength = v
	} else {
		return errors.New("info dict: missing or malformed 'piece length'")
	}

	if v, ok := info["pieces"].(string); ok {
		rt.Pieces = []byte(v)
		if len(rt.Pieces)%20 != 0 {
			return errors.Errorf("info dict: 'pieces' length %d is not a multiple of 20", len(rt.Pieces))
		}
	} else {
		return errors.New("info dict: missing or malformed 'pieces'")
	}

	if v, ok := info["name"].(string); ok {
		rt.Name = v
	}

	if lengthVal, ok := info["length"].(int64); ok {
		// Single-file torrent.
		rt.Files = []FileInfo{{Length: lengthVal, Path: rt.Name}}
		rt.TotalLength = lengthVal
		return nil
	}

	filesVal, ok := info["files"].([]interface{})
	if !ok {
		return errors.New("info dict: neither 'length' nor 'files' present")
	}

	for _, fv := range filesVal {
		fmap, ok := fv.(map[string]interface{})
		if !ok {
			continue
		}
		fi := FileInfo{}
		if l, ok := fmap["length"].(int64); ok {
			fi.Length = l
		}
		if p, ok := fmap["path"].([]interface{}); ok {
			parts := make([]string, 0, len(p))
			for _, e := range p {
				if s, ok := e.(string); ok {
					parts = append(parts, s)
				}
			}
			fi.Path = strings.Join(parts, "/")
		}
		if m, ok := fmap["md5sum"].(string); ok {
			fi.Md5sum = m
		}
		rt.Files = append(rt.Files, fi)
		rt.TotalLength += fi.Length
	}

	return nil
}

// rawMagnet is the parsed shape of a magnet URI.
type rawMagnet struct {
	InfoHash    []byte
	DisplayName string
	ExactLength int64
	Trackers    []string
}

// magnetUsedKeys are the magnet query keys parseMagnetLink actually acts
// on; every other key is logged and dropped by logUnusedMagnetKeys.
var magnetUsedKeys = map[string]bool{
	"xt": true,
	"dn": true,
	"xl": true,
	"tr": true,
}

// logUnusedMagnetKeys logs any query key parseMagnetLink doesn't act on,
// whether a recognized-but-unused base-protocol key (ws, as, xs, kt, mt,
// so, x.pe) or one this client has never heard of.
func logUnusedMagnetKeys(params url.Values) {
	for key := range params {
		if magnetUsedKeys[key] {
			continue
		}
		logrus.WithField("key", key).Debug("parse: ignoring unused magnet query key")
	}
}

// parseMagnetLink extracts xt/dn/xl/tr from a magnet URI. Every other key
// is logged and discarded; see logUnusedMagnetKeys.
func parseMagnetLink(link string) (*rawMagnet, error) {
	link = strings.TrimSpace(link)
	u, err := url.Parse(link)
	if err != nil {
		return nil, errors.Wrap(err, "parse magnet uri")
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, errors.Wrap(err, "parse magnet query")
	}
	logUnusedMagnetKeys(params)

	xts := params["xt"]
	if len(xts) == 0 {
		return nil, errors.New("magnet uri: missing 'xt'")
	}
	xt := xts[0]
	parts := strings.SplitN(xt, ":", 3)
	if len(parts) != 3 || parts[0] != "urn" || parts[1] != "btih" {
		return nil, errors.Errorf("magnet uri: unsupported xt %q", xt)
	}
	hash := parts[2]

	var hashBytes []byte
	switch len(hash) {
	case 40:
		hashBytes, err = hex.DecodeString(hash)
		if err != nil {
			return nil, errors.Wrap(err, "decode hex info hash")
		}
	case 32:
		hashBytes, err = base32.StdEncoding.DecodeString(strings.ToUpper(hash))
		if err != nil {
			return nil, errors.Wrap(err, "decode base32 info hash")
		}
	default:
		return nil, errors.Errorf("magnet uri: unexpected info hash length %d", len(hash))
	}

	rm := &rawMagnet{InfoHash: hashBytes, Trackers: params["tr"]}
	if dn := params.Get("dn"); dn != "" {
		rm.DisplayName = dn
	}
	if xl := params.Get("xl"); xl != "" {
		if n, err := strconv.ParseInt(xl, 10, 64); err == nil {
			rm.ExactLength = n
		}
	}

	return rm, nil
}
