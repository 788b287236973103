package telemetry

import "encoding/binary"

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - dev/{device}/attr/{scope}/{key}
// - dev/{device}/ts/{key}/{ts_be8}
//
// Timestamps are big-endian encoded so a bounded iterator walks points in
// time order.

var (
	sep       = byte('/')
	devPrefix = []byte("dev/")
	attrSeg   = []byte("/attr/")
	tsSeg     = []byte("/ts/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyAttribute builds the latest-attribute key for a device/scope/key.
func KeyAttribute(device DeviceID, scope, key string) []byte {
	k := make([]byte, 0, len(device)+len(scope)+len(key)+16)
	k = append(k, devPrefix...)
	k = append(k, device...)
	k = append(k, attrSeg...)
	k = append(k, scope...)
	k = append(k, sep)
	k = append(k, key...)
	return k
}

// KeyTimeseries builds the point key with a big-endian timestamp for proper
// ordering.
func KeyTimeseries(device DeviceID, key string, ts uint64) []byte {
	k := KeyTimeseriesPrefix(device, key)
	return appendBE8(k, ts)
}

// KeyTimeseriesPrefix returns the range prefix covering all points for a
// device/key pair.
func KeyTimeseriesPrefix(device DeviceID, key string) []byte {
	k := make([]byte, 0, len(device)+len(key)+24)
	k = append(k, devPrefix...)
	k = append(k, device...)
	k = append(k, tsSeg...)
	k = append(k, key...)
	k = append(k, sep)
	return k
}
