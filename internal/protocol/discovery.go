package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Discovery runs over UDP next to the TCP transport. A device broadcasts a
// probe, the appliance answers with where its device listener is.
//
// Probe: [magic:4][0x3F]
// Reply: [magic:4][version:1][port:2 BE][name:null_str][server_version:null_str]
const discoveryQuery byte = 0x3F

// ErrNotDiscovery is returned for datagrams that are not discovery replies.
var ErrNotDiscovery = errors.New("protocol: not a discovery reply")

// Announcement is what a discovery reply carries.
type Announcement struct {
	Name          string
	ServerVersion string
	Port          uint16
}

// BuildDiscoveryProbe returns the datagram a device broadcasts to find the
// appliance.
func BuildDiscoveryProbe() []byte {
	return append(Magic[:len(Magic):len(Magic)], discoveryQuery)
}

// IsDiscoveryProbe reports whether b is a discovery probe.
func IsDiscoveryProbe(b []byte) bool {
	return len(b) == len(Magic)+1 &&
		bytes.Equal(b[:len(Magic)], Magic[:]) &&
		b[len(Magic)] == discoveryQuery
}

// BuildDiscoveryReply encodes an announcement.
func BuildDiscoveryReply(a Announcement) []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(Version)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], a.Port)
	buf.Write(port[:])
	buf.WriteString(a.Name)
	buf.WriteByte(0)
	buf.WriteString(a.ServerVersion)
	buf.WriteByte(0)
	return buf.Bytes()
}

// ParseDiscoveryReply decodes a reply built by BuildDiscoveryReply.
func ParseDiscoveryReply(b []byte) (Announcement, error) {
	const fixed = len(Magic) + 1 + 2
	if len(b) < fixed+2 || !bytes.Equal(b[:len(Magic)], Magic[:]) {
		return Announcement{}, ErrNotDiscovery
	}
	if b[len(Magic)] != Version {
		return Announcement{}, fmt.Errorf("%w: 0x%02X", ErrBadVersion, b[len(Magic)])
	}

	a := Announcement{Port: binary.BigEndian.Uint16(b[len(Magic)+1 : fixed])}
	fields := bytes.SplitN(b[fixed:], []byte{0}, 3)
	if len(fields) != 3 {
		return Announcement{}, fmt.Errorf("%w: unterminated string", ErrNotDiscovery)
	}
	a.Name = string(fields[0])
	a.ServerVersion = string(fields[1])
	return a, nil
}
