// Package telemetry holds the device data model and the Pebble-backed store
// for latest attributes and time-series points.
package telemetry

import "encoding/json"

// DeviceID identifies a device.
type DeviceID string

// Attribute scopes. Mirrors the client/shared/server split used by device
// attribute stores.
const (
	ScopeClient = "client"
	ScopeShared = "shared"
	ScopeServer = "server"
)

// DataPoint is one telemetry value for a key at a timestamp. Value is an
// arbitrary JSON scalar or object, kept raw: the router never interprets it.
type DataPoint struct {
	Key   string          `json:"key"`
	Ts    int64           `json:"ts"`
	Value json.RawMessage `json:"value"`
}
