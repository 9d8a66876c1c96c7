// Package namespace maps store keys to link addresses and back.
//
// Outbound keys read tx:<remote-node>:<key>; inbound keys are written as
// rx:<origin-node>:<key>. Routing is a pure string transform.
package namespace

import "strings"

// Delimiter separates direction, node and key.
const Delimiter = ":"

type Direction string

const (
	TX Direction = "tx"
	RX Direction = "rx"
)

// Address is a store key split into its three segments.
type Address struct {
	Direction Direction
	Node      string
	Key       string
}

func (a Address) String() string {
	return string(a.Direction) + Delimiter + a.Node + Delimiter + a.Key
}

// ParseAddress splits storeKey. Keys that do not have exactly two delimiters,
// a known direction and non-empty segments are not addresses.
func ParseAddress(storeKey string) (Address, bool) {
	if strings.Count(storeKey, Delimiter) != 2 {
		return Address{}, false
	}
	parts := strings.SplitN(storeKey, Delimiter, 3)
	dir := Direction(parts[0])
	if dir != TX && dir != RX {
		return Address{}, false
	}
	if parts[1] == "" || parts[2] == "" {
		return Address{}, false
	}
	return Address{Direction: dir, Node: parts[1], Key: parts[2]}, true
}

// RouteOutbound returns the destination node and bare key of a tx: key.
func RouteOutbound(storeKey string) (node, bareKey string, ok bool) {
	addr, ok := ParseAddress(storeKey)
	if !ok || addr.Direction != TX {
		return "", "", false
	}
	return addr.Node, addr.Key, true
}

// RouteInbound names the store key a frame from origin is written to.
func RouteInbound(origin, bareKey string) string {
	return Address{Direction: RX, Node: origin, Key: bareKey}.String()
}

// OutboundPrefix is the key prefix watched for updates bound to peer.
func OutboundPrefix(peer string) string {
	return string(TX) + Delimiter + peer + Delimiter
}

// ValidSegment reports whether s can stand as a node id or bare key.
func ValidSegment(s string) bool {
	return s != "" && !strings.Contains(s, Delimiter)
}
