package core

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

const peerIdPrefix = "-KK1000-"

const alphanumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GeneratePeerId returns a fresh 20-byte peer id: the reference client
// identifier prefix followed by random alphanumeric characters.
func GeneratePeerId() []byte {
	id := make([]byte, 0, 20)
	id = append(id, []byte(peerIdPrefix)...)
	for len(id) < 20 {
		id = append(id, alphanumeric[randomIndex(len(alphanumeric))])
	}
	return id
}

func randomIndex(n int) int {
	var b [1]byte
	rand.Read(b[:])
	return int(b[0]) % n
}

// GenerateTransactionId returns a random 32-bit transaction id for a UDP
// tracker request.
func GenerateTransactionId() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// GeneratePeerKey derives a stable key identifying an endpoint, used to key
// the PeerManager's registry map.
func GeneratePeerKey(ip net.IP, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// ResolveHost resolves a hostname to its first IP address.
func ResolveHost(host string) (net.IP, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve host %q", host)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("resolve host %q: no addresses", host)
	}
	return ips[0], nil
}

// RecvNBytes reads exactly len(buf) bytes from conn, looping over short
// reads.
func RecvNBytes(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// SendNBytes writes exactly len(buf) bytes to conn, re-issuing the
// remainder on a short write (net.Conn.Write is documented to sometimes
// return n < len(buf) without an error).
func SendNBytes(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
